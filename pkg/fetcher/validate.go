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
package fetcher

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/quarryhq/quarry/pkg/render"
)

// MinTextLength is the default minimum text length, in runes, for a page
// to pass validation without a semantic element.
const MinTextLength = 200

// incompletenessMarkers flag short pages whose visible text is dominated
// by a placeholder: the HTML never fully materialized and a more capable
// tier should try.
var incompletenessMarkers = []string{
	"loading…",
	"loading...",
	"please enable javascript",
	"checking your browser",
	"access denied",
	"captcha",
}

// markerDominanceRatio is the fraction of the visible text a marker must
// account for before it invalidates the page.
const markerDominanceRatio = 0.6

// ValidatorOverride extends validation rules for one domain.
type ValidatorOverride struct {
	// ExtraMarkers are appended to the built-in incompleteness markers.
	ExtraMarkers []string `yaml:"extra_markers" json:"extraMarkers,omitempty"`
	// MinTextLength raises the minimum text length. Zero keeps the default.
	MinTextLength int `yaml:"min_text_length" json:"minTextLength,omitempty"`
}

// Validator decides whether a tier's output is complete enough to stop
// the cascade. Per-domain overrides may extend the marker list or raise
// the length floor; the override set swaps atomically under hot reload.
type Validator struct {
	mu        sync.RWMutex
	overrides map[string]ValidatorOverride
}

// NewValidator creates a validator with no overrides.
func NewValidator() *Validator {
	return &Validator{overrides: make(map[string]ValidatorOverride)}
}

// SetOverrides replaces the whole override set atomically.
func (v *Validator) SetOverrides(overrides map[string]ValidatorOverride) {
	cp := make(map[string]ValidatorOverride, len(overrides))
	for k, o := range overrides {
		cp[strings.ToLower(k)] = o
	}
	v.mu.Lock()
	v.overrides = cp
	v.mu.Unlock()
}

// Override returns the override for domain, if any.
func (v *Validator) Override(domain string) (ValidatorOverride, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	o, ok := v.overrides[strings.ToLower(domain)]
	return o, ok
}

// Validate checks a tier result for the given domain. When the content
// fails, reasons name each failed criterion for the attempt record.
func (v *Validator) Validate(domain string, doc *goquery.Document, rendered *render.Result) (valid bool, reasons []string) {
	minLen := MinTextLength
	markers := incompletenessMarkers
	if o, ok := v.Override(domain); ok {
		if o.MinTextLength > minLen {
			minLen = o.MinTextLength
		}
		if len(o.ExtraMarkers) > 0 {
			markers = append(append([]string{}, markers...), o.ExtraMarkers...)
		}
	}

	text := ""
	if rendered != nil {
		text = rendered.Text
	}

	if marker, dominated := dominatedByMarker(text, markers); dominated {
		return false, []string{"incompleteness_marker:" + marker}
	}

	if utf8.RuneCountInString(text) >= minLen {
		return true, nil
	}
	if doc != nil && render.HasSemanticElement(doc) {
		return true, nil
	}
	if rendered != nil && render.MarkdownHasHeading(rendered.Markdown) {
		return true, nil
	}

	return false, []string{"insufficient_content"}
}

// dominatedByMarker reports whether any marker accounts for more than
// markerDominanceRatio of the visible text.
func dominatedByMarker(text string, markers []string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, m := range markers {
		if !strings.Contains(lower, m) {
			continue
		}
		if float64(len(m)) > markerDominanceRatio*float64(len(lower)) {
			return m, true
		}
	}
	return "", false
}
