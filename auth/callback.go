// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package auth implements the authorization cache: it maps an
// authentication-token fingerprint to a validated Principal, coalescing
// concurrent lookups for the same fingerprint and evicting by TTL or LRU
// pressure.
package auth

import (
	"context"
	"time"
)

// Principal is the result of validating a token: who it belongs to, what it
// may do, and when that grant expires.
type Principal struct {
	PrincipalID string
	SecurityID  string
	Attributes  map[string]string
	ExpiresAt   time.Time
}

// HasScope reports whether the principal carries the given administrative
// scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil || p.Attributes == nil {
		return false
	}
	scopes, ok := p.Attributes["scopes"]
	if !ok {
		return false
	}
	for _, s := range splitScopes(scopes) {
		if s == scope {
			return true
		}
	}
	return false
}

func splitScopes(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Token is the opaque byte string (plus its declared type) a client
// presents in the envelope's principalIdentityInfo.authenticationToken.
type Token struct {
	Type string
	Data []byte
}

// Callback is the single external hook the broker retains for token
// validation: one method that turns a token into a Principal or an error.
// Broker core never inspects a token's bytes itself; it only ever calls
// this.
type Callback interface {
	Validate(ctx context.Context, token Token, now time.Time) (*Principal, error)
}

// CallbackFunc adapts a plain function to the Callback interface.
type CallbackFunc func(ctx context.Context, token Token, now time.Time) (*Principal, error)

// Validate implements Callback.
func (f CallbackFunc) Validate(ctx context.Context, token Token, now time.Time) (*Principal, error) {
	return f(ctx, token, now)
}
