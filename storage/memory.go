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

package storage

import (
	"context"
	"sync"
)

// Memory is an in-memory Storage backend, useful for tests and for
// deployments that only need chunk storage to survive a single process
// lifetime.
type Memory struct {
	mu     sync.RWMutex
	chunks map[Key][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{chunks: make(map[Key][]byte)}
}

// Save implements Storage.
func (m *Memory) Save(_ context.Context, key Key, data []byte) error {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.chunks[key] = cp
	m.mu.Unlock()
	return nil
}

// Load implements Storage.
func (m *Memory) Load(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.chunks[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Remove implements Storage.
func (m *Memory) Remove(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.chunks, key)
	m.mu.Unlock()
	return nil
}

// FlushPeerSessions implements Storage.
func (m *Memory) FlushPeerSessions(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if k.SessionID == sessionID {
			delete(m.chunks, k)
		}
	}
	return nil
}
