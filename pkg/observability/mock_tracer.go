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
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockTracer records spans and metrics in memory for test assertions.
//
// Thread-safe: safe for concurrent use from parallel fetch tasks.
type MockTracer struct {
	mu      sync.Mutex
	spans   []*Span
	metrics []RecordedMetric
}

// RecordedMetric captures one RecordMetric call.
type RecordedMetric struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// NewMockTracer creates an in-memory recording tracer.
func NewMockTracer() *MockTracer {
	return &MockTracer{}
}

// StartSpan creates a span linked to any parent in ctx.
func (t *MockTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.New().String(),
		SpanID:     uuid.New().String(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(span)
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	return ContextWithSpan(ctx, span), span
}

// EndSpan finalizes the span and stores it for later inspection.
func (t *MockTracer) EndSpan(span *Span) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, span)
}

// RecordMetric stores the metric for later inspection.
func (t *MockTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = append(t.metrics, RecordedMetric{Name: name, Value: value, Labels: labels})
}

// RecordEvent does nothing; events should land on spans.
func (t *MockTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
}

// Flush does nothing.
func (t *MockTracer) Flush(ctx context.Context) error { return nil }

// Spans returns a copy of all ended spans.
func (t *MockTracer) Spans() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Span, len(t.spans))
	copy(out, t.spans)
	return out
}

// SpansNamed returns all ended spans with the given name.
func (t *MockTracer) SpansNamed(name string) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Span
	for _, s := range t.spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Metrics returns a copy of all recorded metrics.
func (t *MockTracer) Metrics() []RecordedMetric {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RecordedMetric, len(t.metrics))
	copy(out, t.metrics)
	return out
}

var _ Tracer = (*MockTracer)(nil)
