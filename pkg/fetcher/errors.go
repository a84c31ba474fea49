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
	"net"
	"strings"
	"syscall"
)

// ErrorKind is the error classification surfaced at the API boundary.
type ErrorKind string

const (
	KindInvalidURL   ErrorKind = "INVALID_URL"
	KindNetwork      ErrorKind = "NETWORK"
	KindTimeout      ErrorKind = "TIMEOUT"
	KindBotChallenge ErrorKind = "BOT_CHALLENGE"
	KindRateLimited  ErrorKind = "RATE_LIMITED"
	KindAuth         ErrorKind = "AUTH"
	KindValidation   ErrorKind = "VALIDATION"
	KindInternal     ErrorKind = "INTERNAL"
)

// FailureClass is the internal per-attempt classification. Transient
// classes fall through to the next tier; ClassFatalNetwork stops the
// cascade immediately.
type FailureClass string

const (
	ClassFatalNetwork FailureClass = "fatal_network"
	ClassTimeout      FailureClass = "timeout"
	ClassHTTP5xx      FailureClass = "5xx"
	ClassBotChallenge FailureClass = "bot_challenge"
	ClassRateLimit    FailureClass = "rate_limit"
	ClassAuth         FailureClass = "auth"
	ClassSelector     FailureClass = "selector"
	ClassValidation   FailureClass = "validation"
	ClassUnknown      FailureClass = "unknown"
)

// classPriority orders failure classes from most to least specific.
// When every tier fails, the surfaced kind comes from the highest
// priority class observed across attempts.
var classPriority = []FailureClass{
	ClassAuth,
	ClassRateLimit,
	ClassBotChallenge,
	ClassTimeout,
	ClassFatalNetwork,
	ClassHTTP5xx,
	ClassSelector,
	ClassValidation,
	ClassUnknown,
}

// kindOf maps an internal class to the surface error kind.
func kindOf(c FailureClass) ErrorKind {
	switch c {
	case ClassAuth:
		return KindAuth
	case ClassRateLimit:
		return KindRateLimited
	case ClassBotChallenge:
		return KindBotChallenge
	case ClassTimeout:
		return KindTimeout
	case ClassFatalNetwork, ClassHTTP5xx:
		return KindNetwork
	case ClassSelector, ClassValidation:
		return KindValidation
	default:
		return KindInternal
	}
}

// MostSpecificClass returns the highest-priority class present in
// attempts, or ClassUnknown when attempts carry no classes.
func MostSpecificClass(attempts []Attempt) FailureClass {
	seen := make(map[FailureClass]bool, len(attempts))
	for _, a := range attempts {
		if a.Class != "" {
			seen[a.Class] = true
		}
	}
	for _, c := range classPriority {
		if seen[c] {
			return c
		}
	}
	return ClassUnknown
}

// Error is the structured failure surfaced when a fetch cannot produce
// content: either the URL was rejected up front or every tier failed.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts []Attempt `json:"attempts,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a structured fetch error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// AsError extracts a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// classifyTransportError maps a transport-level error to a failure class.
// DNS failures and refused connections are fatal for the whole cascade;
// deadline overruns are transient and escalate to the next tier.
func classifyTransportError(err error) FailureClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassFatalNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassFatalNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassFatalNetwork
	}
	return ClassUnknown
}

// classifyStatus maps an HTTP status code to a failure class, or ""
// when the status does not itself constitute a failure.
func classifyStatus(status int) FailureClass {
	switch {
	case status == 401 || status == 407:
		return ClassAuth
	case status == 403:
		return ClassBotChallenge
	case status == 429:
		return ClassRateLimit
	case status >= 500:
		return ClassHTTP5xx
	case status >= 400:
		return ClassUnknown
	default:
		return ""
	}
}

// IsRateLimitMessage reports whether an error message looks like a rate
// limit response. The batch orchestrator uses this to classify results.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "429") {
		return true
	}
	if strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate-limit") ||
		strings.Contains(lower, "ratelimit") {
		return true
	}
	return false
}
