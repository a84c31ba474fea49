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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/quarryhq/quarry/internal/log"
	"github.com/quarryhq/quarry/pkg/render"
	"github.com/quarryhq/quarry/pkg/tier"
)

// DefaultScriptBudget is the CPU budget shared by all inline scripts on
// a page. Overrun classifies the attempt as a timeout so the cascade
// escalates.
const DefaultScriptBudget = 2 * time.Second

// LightweightFetcher is the middle tier: the same GET and DOM build as
// the intelligence tier, plus inline <script> elements evaluated in a
// single-threaded sandbox bound to a minimal DOM facade. The sandbox
// has no network access; <script src> is ignored.
type LightweightFetcher struct {
	client       *http.Client
	renderer     render.Renderer
	scriptBudget time.Duration
}

// NewLightweightFetcher creates the sandboxed-JS tier. A zero budget
// means DefaultScriptBudget.
func NewLightweightFetcher(renderer render.Renderer, scriptBudget time.Duration) *LightweightFetcher {
	if scriptBudget <= 0 {
		scriptBudget = DefaultScriptBudget
	}
	return &LightweightFetcher{
		client:       newHTTPClient(),
		renderer:     renderer,
		scriptBudget: scriptBudget,
	}
}

// Tier implements TierFetcher.
func (f *LightweightFetcher) Tier() tier.Tier { return tier.Lightweight }

// Fetch implements TierFetcher.
func (f *LightweightFetcher) Fetch(ctx context.Context, u *url.URL, opts Options) (*TierResult, error) {
	pg, cerr := fetchPage(ctx, f.client, u)
	if cerr != nil {
		return nil, cerr
	}

	parseStart := time.Now()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pg.html))
	if err != nil {
		return nil, &classifiedError{class: ClassUnknown, err: fmt.Errorf("failed to parse HTML: %w", err)}
	}
	parsingMs := time.Since(parseStart).Milliseconds()

	jsStart := time.Now()
	if err := f.runInlineScripts(doc); err != nil {
		return nil, &classifiedError{class: ClassTimeout, err: err}
	}
	jsMs := time.Since(jsStart).Milliseconds()

	// Drop scratch nodes that were created but never appended.
	doc.Find("[" + detachedAttr + "]").Remove()

	// Re-serialize so the rendered content reflects DOM mutations.
	mutatedHTML, err := doc.Html()
	if err != nil {
		mutatedHTML = pg.html
	}

	extractStart := time.Now()
	rendered, err := f.renderer.Render(doc, pg.finalURL)
	if err != nil {
		return nil, &classifiedError{class: ClassSelector, err: fmt.Errorf("render failed: %w", err)}
	}

	apis := make([]DiscoveredAPI, 0, len(rendered.APIHints))
	for _, h := range rendered.APIHints {
		apis = append(apis, DiscoveredAPI{
			Method:             h.Method,
			URL:                h.URL,
			ContentType:        h.ContentType,
			ObservedDuringTier: tier.Lightweight,
		})
	}

	return &TierResult{
		FinalURL: pg.finalURL.String(),
		HTML:     mutatedHTML,
		Rendered: rendered,
		APIs:     apis,
		Stages: StageTimings{
			NetworkMs:     pg.networkMs,
			ParsingMs:     parsingMs,
			JSExecutionMs: jsMs,
			ExtractionMs:  time.Since(extractStart).Milliseconds(),
		},
	}, nil
}

// runInlineScripts evaluates every inline script against the DOM facade
// under the shared CPU budget. Script runtime errors are logged and
// skipped; mutations made before an error are kept. Budget overrun
// returns an error so the attempt classifies as a timeout.
func (f *LightweightFetcher) runInlineScripts(doc *goquery.Document) error {
	var scripts []string
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if _, hasSrc := sel.Attr("src"); hasSrc {
			return // external scripts are never fetched
		}
		if typ, ok := sel.Attr("type"); ok {
			t := strings.ToLower(strings.TrimSpace(typ))
			if t != "" && t != "text/javascript" && t != "application/javascript" && t != "module" {
				return
			}
		}
		if src := strings.TrimSpace(sel.Text()); src != "" {
			scripts = append(scripts, src)
		}
	})
	if len(scripts) == 0 {
		return nil
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	if err := bindDOM(vm, doc); err != nil {
		return fmt.Errorf("failed to bind DOM facade: %w", err)
	}

	timer := time.AfterFunc(f.scriptBudget, func() {
		vm.Interrupt("script budget exceeded")
	})
	defer timer.Stop()

	for _, src := range scripts {
		if _, err := vm.RunString(src); err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				return fmt.Errorf("inline script budget of %s exceeded", f.scriptBudget)
			}
			// A broken page script is the page's problem, not ours.
			log.Debug("inline script error", zap.Error(err))
		}
	}
	return nil
}

// bindDOM exposes the minimal DOM facade to the sandbox: query
// selectors, text/html accessors, attribute reads and writes, element
// creation and appending. No network, no timers, single thread.
func bindDOM(vm *goja.Runtime, doc *goquery.Document) error {
	document := vm.NewObject()

	newElement := func(sel *goquery.Selection) *goja.Object {
		return newElementObject(vm, sel, doc)
	}

	if err := document.Set("querySelector", func(selector string) goja.Value {
		found := doc.Find(selector).First()
		if found.Length() == 0 {
			return goja.Null()
		}
		return newElement(found)
	}); err != nil {
		return err
	}
	if err := document.Set("querySelectorAll", func(selector string) goja.Value {
		var out []goja.Value
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			out = append(out, newElement(s))
		})
		return vm.ToValue(out)
	}); err != nil {
		return err
	}
	if err := document.Set("getElementById", func(id string) goja.Value {
		found := doc.Find("#" + id).First()
		if found.Length() == 0 {
			return goja.Null()
		}
		return newElement(found)
	}); err != nil {
		return err
	}
	if err := document.Set("createElement", func(tag string) goja.Value {
		// Detached elements park in a marked scratch node until appended;
		// leftovers are stripped before the document re-serializes.
		body := doc.Find("body").First()
		if body.Length() == 0 {
			body = doc.Selection
		}
		body.AppendHtml(fmt.Sprintf("<%s %s></%s>", tag, detachedAttr+`="1"`, tag))
		created := body.ChildrenFiltered(tag + "[" + detachedAttr + "]").Last()
		return newElement(created)
	}); err != nil {
		return err
	}

	if err := vm.Set("document", document); err != nil {
		return err
	}
	// Console output from page scripts is visible at debug level only.
	console := vm.NewObject()
	logFn := func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		log.Debug("sandbox console", zap.String("message", strings.Join(parts, " ")))
	}
	_ = console.Set("log", logFn)
	_ = console.Set("warn", logFn)
	_ = console.Set("error", logFn)
	return vm.Set("console", console)
}

// newElementObject wraps one selection as a JS element with accessor
// properties for textContent/innerText/innerHTML and methods for
// attributes, child queries, and appends.
func newElementObject(vm *goja.Runtime, sel *goquery.Selection, doc *goquery.Document) *goja.Object {
	obj := vm.NewObject()

	defineAccessor(vm, obj, "textContent",
		func() string { return sel.Text() },
		func(v string) { sel.SetText(v) })
	defineAccessor(vm, obj, "innerText",
		func() string { return sel.Text() },
		func(v string) { sel.SetText(v) })
	defineAccessor(vm, obj, "innerHTML",
		func() string {
			html, _ := sel.Html()
			return html
		},
		func(v string) { sel.SetHtml(v) })

	_ = obj.Set("getAttribute", func(name string) goja.Value {
		if v, ok := sel.Attr(name); ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = obj.Set("setAttribute", func(name, value string) {
		sel.SetAttr(name, value)
	})
	_ = obj.Set("querySelector", func(selector string) goja.Value {
		found := sel.Find(selector).First()
		if found.Length() == 0 {
			return goja.Null()
		}
		return newElementObject(vm, found, doc)
	})
	_ = obj.Set("appendChild", func(child *goja.Object) goja.Value {
		if backing := child.Get(backingSelKey); backing != nil {
			if cs, ok := backing.Export().(*goquery.Selection); ok {
				sel.AppendSelection(cs)
				cs.RemoveAttr(detachedAttr)
			}
		}
		return child
	})
	if len(sel.Nodes) > 0 {
		_ = obj.Set("tagName", strings.ToUpper(sel.Nodes[0].Data))
	}
	_ = obj.Set(backingSelKey, sel)

	return obj
}

const (
	// detachedAttr marks created-but-unappended elements.
	detachedAttr = "data-quarry-detached"
	// backingSelKey carries the Go selection behind a JS element object.
	backingSelKey = "__quarrySel"
)

// defineAccessor installs a JS property backed by Go getter/setter funcs.
func defineAccessor(vm *goja.Runtime, obj *goja.Object, name string, get func() string, set func(string)) {
	_ = obj.DefineAccessorProperty(name,
		vm.ToValue(func() string { return get() }),
		vm.ToValue(func(v string) { set(v) }),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
}

var _ TierFetcher = (*LightweightFetcher)(nil)
