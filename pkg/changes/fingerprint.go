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

// Package changes detects and classifies content changes across
// repeated fetches of the same URL.
package changes

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Fingerprint summarizes one content version.
type Fingerprint struct {
	ContentHash   string `json:"contentHash"`
	TextLength    int    `json:"textLength"`
	WordCount     int    `json:"wordCount"`
	StructureHash string `json:"structureHash"`
	TimestampMs   int64  `json:"timestampMs"`
}

// normalizeText collapses whitespace runs to single spaces and trims.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var numberedRe = regexp.MustCompile(`^\d+\.`)

// structurePattern maps each blank-line-separated block to one
// character by its leading syntax: heading, list, numbered, table or
// plain paragraph.
func structurePattern(content string) string {
	var sb strings.Builder
	for _, block := range splitBlocks(content) {
		line := strings.TrimSpace(block)
		switch {
		case strings.HasPrefix(line, "#"):
			sb.WriteByte('H')
		case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
			sb.WriteByte('L')
		case numberedRe.MatchString(line):
			sb.WriteByte('N')
		case strings.HasPrefix(line, "|"):
			sb.WriteByte('T')
		default:
			sb.WriteByte('P')
		}
	}
	return sb.String()
}

// splitBlocks splits content on blank lines, dropping empty blocks.
func splitBlocks(content string) []string {
	var blocks []string
	for _, raw := range regexp.MustCompile(`\n\s*\n`).Split(content, -1) {
		if b := strings.TrimSpace(raw); b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// NewFingerprint computes the fingerprint of one content version.
func NewFingerprint(content string, now time.Time) Fingerprint {
	normalized := normalizeText(content)
	return Fingerprint{
		ContentHash:   md5Hex(normalized),
		TextLength:    len(normalized),
		WordCount:     len(strings.Fields(normalized)),
		StructureHash: md5Hex(structurePattern(content)),
		TimestampMs:   now.UnixMilli(),
	}
}

var (
	currencyRe = regexp.MustCompile(`(?i)\d{1,3}(,\d{3})*(\.\d{2})?\s*(EUR|USD|\$|euros?)`)
	percentRe  = regexp.MustCompile(`\d+(\.\d+)?\s*%`)
	durationRe = regexp.MustCompile(`(?i)\d+\s*(days?|weeks?|months?|years?)`)
)

// KeyValues are the extracted fact-like values of one version.
type KeyValues struct {
	Currency    []string `json:"currency,omitempty"`
	Percentages []string `json:"percentages,omitempty"`
	Durations   []string `json:"durations,omitempty"`
}

// ExtractKeyValues pulls currency amounts, percentages and durations
// out of the content.
func ExtractKeyValues(content string) KeyValues {
	return KeyValues{
		Currency:    uniqueMatches(currencyRe, content),
		Percentages: uniqueMatches(percentRe, content),
		Durations:   uniqueMatches(durationRe, content),
	}
}

func uniqueMatches(re *regexp.Regexp, content string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range re.FindAllString(content, -1) {
		m = strings.TrimSpace(m)
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both versions extracted the same value sets.
func (kv KeyValues) Equal(other KeyValues) bool {
	return sameStrings(kv.Currency, other.Currency) &&
		sameStrings(kv.Percentages, other.Percentages) &&
		sameStrings(kv.Durations, other.Durations)
}
