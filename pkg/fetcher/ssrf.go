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
	"net/url"
	"strings"
)

// Guard rejects URLs that must never reach the network: non-http
// schemes, localhost, and hosts that are (or resolve to) loopback,
// link-local, or private ranges. Rejections carry KindInvalidURL and
// happen before any fetch work starts.
type Guard struct {
	// AllowPrivate skips the private-range checks. Development and
	// test use only.
	AllowPrivate bool

	// LookupIP overrides DNS resolution; nil uses the default resolver.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// NewGuard creates a guard with default resolution.
func NewGuard() *Guard {
	return &Guard{}
}

// ValidateURL parses raw and applies the scheme and address checks.
// The returned URL is safe to fetch when err is nil.
func (g *Guard) ValidateURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, NewError(KindInvalidURL, fmt.Sprintf("unparseable URL: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewError(KindInvalidURL, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return nil, NewError(KindInvalidURL, "missing host")
	}

	if g.AllowPrivate {
		return u, nil
	}

	if isLocalhostName(host) {
		return nil, NewError(KindInvalidURL, "localhost is not allowed")
	}

	// Literal IPs are judged directly; hostnames are resolved so a DNS
	// record cannot smuggle a request into a private range.
	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return nil, NewError(KindInvalidURL, fmt.Sprintf("address %s is in a private range", ip))
		}
		return u, nil
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		// Resolution failures surface later as NETWORK; the guard only
		// rejects what it can prove is private.
		return u, nil
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return nil, NewError(KindInvalidURL,
				fmt.Sprintf("host %s resolves to private address %s", host, ip))
		}
	}
	return u, nil
}

func (g *Guard) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if g.LookupIP != nil {
		return g.LookupIP(ctx, host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

func isLocalhostName(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

// isForbiddenIP covers loopback (127/8, ::1), link-local (169.254/16,
// fe80::/10), private (10/8, 172.16/12, 192.168/16, fc00::/7), and
// unspecified addresses.
func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
