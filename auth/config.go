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

package auth

import (
	"crypto/ecdsa"
	"errors"
	"time"
)

// Config parameterizes a Cache plus the reference StaticRootValidator
// Callback. Most deployments will supply their own Callback directly to
// NewCache and can ignore TrustedRoots entirely.
type Config struct {
	// Callback, when set, is used as-is. Otherwise a StaticRootValidator is
	// built from TrustedRoots.
	Callback Callback

	// TrustedRoots is the set of public keys the reference validator
	// accepts as token signers. Ignored if Callback is set.
	TrustedRoots []*ecdsa.PublicKey

	// CacheCapacity bounds the number of LRU-resident cache entries.
	CacheCapacity int

	// CacheTTL bounds how long a validated entry is trusted.
	CacheTTL time.Duration
}

var (
	// ErrConfigNoCallback is returned when neither Callback nor
	// TrustedRoots is set — there would be nothing to validate against.
	ErrConfigNoCallback = errors.New("auth: config has no callback and no trusted roots")
	// ErrConfigNegativeCapacity is returned for a negative CacheCapacity.
	ErrConfigNegativeCapacity = errors.New("auth: config cache capacity is negative")
	// ErrConfigNegativeTTL is returned for a negative CacheTTL.
	ErrConfigNegativeTTL = errors.New("auth: config cache TTL is negative")
)

// VerifyConfig validates c before it is used to build a Cache.
func VerifyConfig(c *Config) error {
	if c.Callback == nil && len(c.TrustedRoots) == 0 {
		return ErrConfigNoCallback
	}

	if c.CacheCapacity < 0 {
		return ErrConfigNegativeCapacity
	}

	if c.CacheTTL < 0 {
		return ErrConfigNegativeTTL
	}

	return nil
}

// BuildCache validates c and constructs the Cache it describes.
func BuildCache(c *Config) (*Cache, error) {
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}

	callback := c.Callback
	if callback == nil {
		callback = NewStaticRootValidator(c.TrustedRoots)
	}

	return NewCache(callback, c.CacheCapacity, c.CacheTTL)
}
