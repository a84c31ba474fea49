// Copyright 2026 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package changes

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Significance classifies how much a version changed.
type Significance string

const (
	SignificanceNone   Significance = "none"
	SignificanceLow    Significance = "low"
	SignificanceMedium Significance = "medium"
	SignificanceHigh   Significance = "high"
)

// DefaultHighSigKeywords flag a change as high significance regardless
// of its structural weight. The set is extendable per tracker.
var DefaultHighSigKeywords = []string{
	"required", "must", "deadline", "fee", "visa", "permit", "expire",
}

// jaccardThreshold is the word-set similarity above which a new block
// counts as a modification of an old one rather than an addition.
const jaccardThreshold = 0.5

// classify compares two fingerprints per the documented rules.
func classify(old, new Fingerprint) Significance {
	if old.ContentHash == new.ContentHash {
		return SignificanceNone
	}
	if old.StructureHash != new.StructureHash {
		return SignificanceHigh
	}
	if old.TextLength == 0 {
		return SignificanceHigh
	}
	delta := float64(new.TextLength-old.TextLength) / float64(old.TextLength)
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta > 0.2:
		return SignificanceHigh
	case delta > 0.05:
		return SignificanceMedium
	default:
		return SignificanceLow
	}
}

// SectionChangeType describes one block-level change.
type SectionChangeType string

const (
	SectionAdded    SectionChangeType = "added"
	SectionRemoved  SectionChangeType = "removed"
	SectionModified SectionChangeType = "modified"
)

// SectionChange is one entry of the per-section diff.
type SectionChange struct {
	Type         SectionChangeType `json:"type"`
	OldText      string            `json:"oldText,omitempty"`
	NewText      string            `json:"newText,omitempty"`
	Significance Significance      `json:"significance"`
}

func wordSet(block string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(block)) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var inter int
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// sectionDiff computes block-level changes between two versions. New
// blocks absent from old are modifications when a sufficiently similar
// old block exists, otherwise additions; old blocks absent from new and
// not claimed as a modification's predecessor are removals.
func sectionDiff(oldContent, newContent string, keywords []string) []SectionChange {
	oldBlocks := splitBlocks(oldContent)
	newBlocks := splitBlocks(newContent)

	oldSet := make(map[string]int, len(oldBlocks))
	for i, b := range oldBlocks {
		oldSet[normalizeText(b)] = i
	}
	newSet := make(map[string]struct{}, len(newBlocks))
	for _, b := range newBlocks {
		newSet[normalizeText(b)] = struct{}{}
	}

	claimed := make(map[int]bool)
	var out []SectionChange

	for _, nb := range newBlocks {
		if _, ok := oldSet[normalizeText(nb)]; ok {
			continue
		}
		nbWords := wordSet(nb)
		bestIdx, bestSim := -1, 0.0
		for i, ob := range oldBlocks {
			if claimed[i] {
				continue
			}
			if _, stillThere := newSet[normalizeText(ob)]; stillThere {
				continue
			}
			if sim := jaccard(nbWords, wordSet(ob)); sim > bestSim {
				bestIdx, bestSim = i, sim
			}
		}
		if bestIdx >= 0 && bestSim > jaccardThreshold {
			claimed[bestIdx] = true
			out = append(out, SectionChange{
				Type:         SectionModified,
				OldText:      oldBlocks[bestIdx],
				NewText:      nb,
				Significance: blockSignificance(nb, keywords),
			})
		} else {
			out = append(out, SectionChange{
				Type:         SectionAdded,
				NewText:      nb,
				Significance: blockSignificance(nb, keywords),
			})
		}
	}

	for i, ob := range oldBlocks {
		if claimed[i] {
			continue
		}
		if _, stillThere := newSet[normalizeText(ob)]; stillThere {
			continue
		}
		out = append(out, SectionChange{
			Type:         SectionRemoved,
			OldText:      ob,
			Significance: blockSignificance(ob, keywords),
		})
	}
	return out
}

// blockSignificance is high when the block carries a high-significance
// keyword, otherwise low.
func blockSignificance(block string, keywords []string) Significance {
	lower := strings.ToLower(block)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return SignificanceHigh
		}
	}
	return SignificanceLow
}

// textDiff renders a compact line-level textual diff between versions.
func textDiff(oldContent, newContent string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		default:
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
