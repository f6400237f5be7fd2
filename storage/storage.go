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

// Package storage provides the pluggable chunk storage backend the broker
// uses to persist large payloads out of the in-memory relay path, plus
// the bounded worker-pool adapter that fronts it.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no chunk exists for the given
// session and chunk id.
var ErrNotFound = errors.New("storage: chunk not found")

// ErrOperationAborted is delivered to a chunk operation's Completion when
// FlushSession cancels it before the backend call runs.
var ErrOperationAborted = errors.New("storage: operation aborted")

// Key identifies one stored chunk.
type Key struct {
	SessionID string
	ChunkID   string
}

// Storage is the pluggable backend for chunk put/get/remove operations.
// Implementations must be safe for concurrent use.
type Storage interface {
	Save(ctx context.Context, key Key, data []byte) error
	Load(ctx context.Context, key Key) ([]byte, error)
	Remove(ctx context.Context, key Key) error
	// FlushPeerSessions removes every chunk stored under sessionID, called
	// when a peer's registration is torn down.
	FlushPeerSessions(ctx context.Context, sessionID string) error
}
