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

package broker

import (
	"sync"
)

const (
	// DefaultQueueMaxEntries is the default bound on queued entry count.
	DefaultQueueMaxEntries = 1024
	// DefaultQueueMaxBytes is the default bound on queued payload bytes.
	DefaultQueueMaxBytes = 64 << 20 // 64 MiB
	// DefaultPreRegistrationThreshold is how many entries a producer may
	// enqueue before the peer's outbound connection has reached Registered,
	// letting producers race the registration handshake.
	DefaultPreRegistrationThreshold = 64
)

// Completion is invoked exactly once for every block submitted to a Queue,
// carrying nil on success or a typed error.
type Completion func(error)

// queueEntry is one pending (block, completion) pair.
type queueEntry struct {
	block      *Block
	flags      uint16
	completion Completion
}

// Queue is the bounded, strictly-FIFO outbound delivery queue for one
// registered peer. It never reorders or coalesces entries.
type Queue struct {
	mu      sync.Mutex
	entries []queueEntry
	bytes   uint64

	maxEntries int
	maxBytes   uint64

	// registered reports whether the bound outbound Connection has reached
	// Registered; before that, only preRegLimit entries are admitted
	// (NewQueue sets it to DefaultPreRegistrationThreshold).
	registered  bool
	preRegLimit int

	draining bool
}

// NewQueue creates a Queue with the given bounds. Zero values fall back to
// package defaults.
func NewQueue(maxEntries int, maxBytes uint64) *Queue {
	if maxEntries <= 0 {
		maxEntries = DefaultQueueMaxEntries
	}
	if maxBytes == 0 {
		maxBytes = DefaultQueueMaxBytes
	}
	return &Queue{
		maxEntries:  maxEntries,
		maxBytes:    maxBytes,
		preRegLimit: DefaultPreRegistrationThreshold,
	}
}

// SetRegistered marks whether the bound outbound Connection is Registered.
func (q *Queue) SetRegistered(registered bool) {
	q.mu.Lock()
	q.registered = registered
	q.mu.Unlock()
}

// TryEnqueue appends block to the tail of the queue. It returns false
// without modifying the queue if either bound would be exceeded, or if the
// queue is draining.
func (q *Queue) TryEnqueue(block *Block, flags uint16, completion Completion) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return false
	}

	limit := q.maxEntries
	if !q.registered && q.preRegLimit < limit {
		limit = q.preRegLimit
	}
	if len(q.entries) >= limit {
		return false
	}

	entryBytes := uint64(len(block.Envelope) + len(block.Payload))
	if q.bytes+entryBytes > q.maxBytes {
		return false
	}

	q.entries = append(q.entries, queueEntry{block: block, flags: flags, completion: completion})
	q.bytes += entryBytes
	return true
}

// popFront removes and returns the head entry, or ok=false if empty.
func (q *Queue) popFront() (queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return queueEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.bytes -= uint64(len(e.block.Envelope) + len(e.block.Payload))
	return e, true
}

// DrainTo dequeues entries FIFO and writes each one to conn, one at a time,
// chaining the write's completion to both the original producer's callback
// and the loop driving the next dequeue. It returns when the queue is empty
// or conn.WriteOne returns an error (the caller is expected to react to a
// write failure by closing the connection and calling FailAll).
func (q *Queue) DrainTo(conn *Connection) error {
	for {
		entry, ok := q.popFront()
		if !ok {
			return nil
		}

		err := conn.WriteOne(entry.block, entry.flags)
		if entry.completion != nil {
			entry.completion(err)
		}
		if err != nil {
			return err
		}
	}
}

// FailAll is invoked on Connection close or drain-deadline expiry: it
// completes every still-pending entry with err and empties the queue.
func (q *Queue) FailAll(err error) {
	q.mu.Lock()
	q.draining = true
	pending := q.entries
	q.entries = nil
	q.bytes = 0
	q.mu.Unlock()

	for _, e := range pending {
		if e.completion != nil {
			e.completion(err)
		}
	}
}

// Len returns the current queued entry count, for diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Bytes returns the current queued byte count, for diagnostics.
func (q *Queue) Bytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
