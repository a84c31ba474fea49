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
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FailureClass
	}{
		{200, ""},
		{301, ""},
		{401, ClassAuth},
		{407, ClassAuth},
		{403, ClassBotChallenge},
		{429, ClassRateLimit},
		{404, ClassUnknown},
		{500, ClassHTTP5xx},
		{503, ClassHTTP5xx},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, classifyStatus(tc.status), "status %d", tc.status)
	}
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, ClassTimeout, classifyTransportError(context.DeadlineExceeded))
	assert.Equal(t, ClassFatalNetwork, classifyTransportError(&net.DNSError{Err: "no such host", Name: "nope.invalid"}))
	assert.Equal(t, ClassFatalNetwork, classifyTransportError(&net.OpError{Op: "dial", Err: fmt.Errorf("refused")}))
	assert.Equal(t, ClassUnknown, classifyTransportError(fmt.Errorf("something else")))
	assert.Equal(t, FailureClass(""), classifyTransportError(nil))
}

func TestMostSpecificClass(t *testing.T) {
	attempts := []Attempt{
		{Tier: "intelligence", Class: ClassValidation},
		{Tier: "lightweight", Class: ClassRateLimit},
		{Tier: "playwright", Class: ClassTimeout},
	}
	assert.Equal(t, ClassRateLimit, MostSpecificClass(attempts))

	assert.Equal(t, ClassUnknown, MostSpecificClass(nil))
	assert.Equal(t, ClassUnknown, MostSpecificClass([]Attempt{{Tier: "intelligence"}}))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAuth, kindOf(ClassAuth))
	assert.Equal(t, KindRateLimited, kindOf(ClassRateLimit))
	assert.Equal(t, KindBotChallenge, kindOf(ClassBotChallenge))
	assert.Equal(t, KindTimeout, kindOf(ClassTimeout))
	assert.Equal(t, KindNetwork, kindOf(ClassFatalNetwork))
	assert.Equal(t, KindNetwork, kindOf(ClassHTTP5xx))
	assert.Equal(t, KindValidation, kindOf(ClassSelector))
	assert.Equal(t, KindValidation, kindOf(ClassValidation))
	assert.Equal(t, KindInternal, kindOf(ClassUnknown))
}

func TestAsError(t *testing.T) {
	inner := NewError(KindTimeout, "deadline elapsed")
	wrapped := fmt.Errorf("fetch failed: %w", inner)

	got, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindTimeout, got.Kind)

	_, ok = AsError(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestIsRateLimitMessage(t *testing.T) {
	assert.True(t, IsRateLimitMessage("HTTP 429 Too Many Requests"))
	assert.True(t, IsRateLimitMessage("Rate limit exceeded"))
	assert.True(t, IsRateLimitMessage("upstream rate-limited the client"))
	assert.True(t, IsRateLimitMessage("RATELIMIT hit"))
	assert.False(t, IsRateLimitMessage("connection refused"))
}
