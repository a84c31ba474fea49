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

// Package tier defines the fetch strategy tiers and their cost model.
//
// Tiers are ordered by ascending cost: a static HTTP parse, a DOM-less
// JS-evaluating sandbox, and a full headless browser. The cascade tries
// them in that order and stops at the first tier whose output validates.
package tier

import "fmt"

// Tier is a fetch strategy, ordered by ascending cost.
type Tier string

const (
	// Intelligence is a static HTTP GET plus HTML parse. No scripts run.
	Intelligence Tier = "intelligence"
	// Lightweight executes inline scripts in a DOM-less JS evaluator.
	Lightweight Tier = "lightweight"
	// Playwright delegates to a full headless browser adapter.
	Playwright Tier = "playwright"
)

// Ordered is the canonical attempt order, cheapest first.
var Ordered = []Tier{Intelligence, Lightweight, Playwright}

// costUnits maps each tier to its full cost in abstract cost units.
var costUnits = map[Tier]int{
	Intelligence: 1,
	Lightweight:  5,
	Playwright:   25,
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	_, ok := costUnits[t]
	return ok
}

// CostUnits returns the full cost of a fetch completed at this tier.
func (t Tier) CostUnits() int {
	return costUnits[t]
}

// PartialCostUnits returns the cost charged for an attempt at this tier
// that did not produce the final content: half the full cost, rounded up.
func (t Tier) PartialCostUnits() int {
	return (costUnits[t] + 1) / 2
}

// rank returns the position of t in the canonical order.
func (t Tier) rank() int {
	for i, o := range Ordered {
		if o == t {
			return i
		}
	}
	return len(Ordered)
}

// CheaperThan reports whether t costs fewer units than other.
func (t Tier) CheaperThan(other Tier) bool {
	return costUnits[t] < costUnits[other]
}

// Next returns the next more expensive tier, or t itself if it is the
// most expensive one. The second result reports whether a promotion
// happened.
func (t Tier) Next() (Tier, bool) {
	r := t.rank()
	if r+1 >= len(Ordered) {
		return t, false
	}
	return Ordered[r+1], true
}

// Parse converts a string to a Tier, validating it.
func Parse(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// AttemptOrder computes the cascade order for a fetch.
//
// The canonical order applies unless preferred is a valid tier, in which
// case it moves to the front with the remaining tiers following in
// canonical order. When the playwright adapter is unavailable that tier
// is elided entirely.
func AttemptOrder(preferred Tier, playwrightAvailable bool) []Tier {
	out := make([]Tier, 0, len(Ordered))
	if preferred.Valid() {
		if preferred != Playwright || playwrightAvailable {
			out = append(out, preferred)
		}
	}
	for _, t := range Ordered {
		if t == preferred {
			continue
		}
		if t == Playwright && !playwrightAvailable {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TotalCost computes the cost units of a fetch given the ordered list of
// attempted tiers and the tier that produced the accepted content.
// The final tier is charged full cost; every other attempt half, rounded up.
func TotalCost(attempted []Tier, final Tier) int {
	total := 0
	for _, t := range attempted {
		if t == final {
			total += t.CostUnits()
		} else {
			total += t.PartialCostUnits()
		}
	}
	return total
}
