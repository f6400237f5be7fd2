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

	"github.com/google/uuid"
)

// Direction distinguishes a Connection's role for a given peer-id.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// EventType enumerates Peer Registry lifecycle events.
type EventType int

const (
	EventPeerConnected EventType = iota
	EventPeerReconnected
	EventPeerDisconnected
)

// Event is delivered to registered observers in emission order per peer-id
// (but not across distinct peer-ids), on a dedicated completion goroutine.
type Event struct {
	Type   EventType
	PeerID uuid.UUID
}

// Observer receives Registry events. Observers must not block: events are
// delivered synchronously on a single dedicated goroutine, so a slow
// observer stalls every other peer's notifications.
type Observer func(Event)

// PeerEntry holds the inbound/outbound Connections and outbound Queue for
// one peer-id. The Registry exclusively owns PeerEntry values.
type PeerEntry struct {
	mu       sync.Mutex
	PeerID   uuid.UUID
	Inbound  *Connection
	Outbound *Connection
	Queue    *Queue
}

func newPeerEntry(id uuid.UUID, maxQueueEntries int, maxQueueBytes uint64) *PeerEntry {
	return &PeerEntry{PeerID: id, Queue: NewQueue(maxQueueEntries, maxQueueBytes)}
}

// snapshot returns copies of the current inbound/outbound pointers under
// lock, for callers that need a consistent read without holding the entry
// lock across I/O.
func (e *PeerEntry) snapshot() (inbound, outbound *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Inbound, e.Outbound
}

// Registry is the thread-safe peer-id -> PeerEntry map. It is guarded by a
// read-mostly lock over the map itself, plus each entry's own mutex for its
// fields — this is the only structure in the broker holding cross-peer
// state.
type Registry struct {
	mapMu sync.RWMutex
	peers map[uuid.UUID]*PeerEntry

	maxQueueEntries int
	maxQueueBytes   uint64

	obsMu     sync.Mutex
	observers []Observer
	events    chan Event
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRegistry creates a Registry and starts its single event-delivery
// goroutine.
func NewRegistry(maxQueueEntries int, maxQueueBytes uint64) *Registry {
	r := &Registry{
		peers:           make(map[uuid.UUID]*PeerEntry),
		maxQueueEntries: maxQueueEntries,
		maxQueueBytes:   maxQueueBytes,
		events:          make(chan Event, 256),
		done:            make(chan struct{}),
	}
	r.wg.Add(1)
	go r.deliverLoop()
	return r
}

func (r *Registry) deliverLoop() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.obsMu.Lock()
			obs := append([]Observer(nil), r.observers...)
			r.obsMu.Unlock()
			for _, o := range obs {
				o(ev)
			}
		case <-r.done:
			// drain remaining queued events before exiting
			for {
				select {
				case ev := <-r.events:
					r.obsMu.Lock()
					obs := append([]Observer(nil), r.observers...)
					r.obsMu.Unlock()
					for _, o := range obs {
						o(ev)
					}
				default:
					return
				}
			}
		}
	}
}

// Subscribe registers an observer for lifecycle events.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Registry) entryFor(id uuid.UUID) *PeerEntry {
	r.mapMu.RLock()
	e, ok := r.peers[id]
	r.mapMu.RUnlock()
	if ok {
		return e
	}

	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	if e, ok := r.peers[id]; ok {
		return e
	}
	e = newPeerEntry(id, r.maxQueueEntries, r.maxQueueBytes)
	r.peers[id] = e
	return e
}

// RegisterInbound installs conn as the inbound Connection for peerID. If an
// inbound Connection is already present it is superseded: the previous one
// is moved to Draining and closed once its in-flight write completes.
// Returns the superseded Connection, if any, already closed; callers use it
// only to report the supersession.
func (r *Registry) RegisterInbound(peerID uuid.UUID, conn *Connection) (superseded *Connection) {
	entry := r.entryFor(peerID)

	entry.mu.Lock()
	previous := entry.Inbound
	hadOutbound := entry.Outbound != nil
	entry.Inbound = conn
	entry.mu.Unlock()

	if previous != nil {
		previous.beginDraining()
	}

	if hadOutbound || previous != nil {
		r.emit(Event{Type: EventPeerReconnected, PeerID: peerID})
	} else {
		r.emit(Event{Type: EventPeerConnected, PeerID: peerID})
	}
	return previous
}

// RegisterOutbound installs conn as the outbound Connection for peerID,
// symmetric to RegisterInbound. The peer's Queue is marked Registered so it
// will accept entries up to its full bound.
func (r *Registry) RegisterOutbound(peerID uuid.UUID, conn *Connection) (superseded *Connection) {
	entry := r.entryFor(peerID)

	entry.mu.Lock()
	previous := entry.Outbound
	hadInbound := entry.Inbound != nil
	entry.Outbound = conn
	queue := entry.Queue
	entry.mu.Unlock()

	queue.SetRegistered(true)

	if previous != nil {
		previous.beginDraining()
	}

	if hadInbound || previous != nil {
		r.emit(Event{Type: EventPeerReconnected, PeerID: peerID})
	} else {
		r.emit(Event{Type: EventPeerConnected, PeerID: peerID})
	}
	return previous
}

// Unregister removes the Connection for the given direction. If both
// directions are now absent the entry is torn down and
// EventPeerDisconnected is emitted.
func (r *Registry) Unregister(peerID uuid.UUID, direction Direction) {
	r.mapMu.RLock()
	entry, ok := r.peers[peerID]
	r.mapMu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	switch direction {
	case DirectionInbound:
		entry.Inbound = nil
	case DirectionOutbound:
		entry.Outbound = nil
		entry.Queue.SetRegistered(false)
	}
	empty := entry.Inbound == nil && entry.Outbound == nil
	entry.mu.Unlock()

	if empty {
		r.mapMu.Lock()
		delete(r.peers, peerID)
		r.mapMu.Unlock()
		r.emit(Event{Type: EventPeerDisconnected, PeerID: peerID})
	}
}

// Lookup returns a shared handle to the entry for peerID, or nil if absent.
func (r *Registry) Lookup(peerID uuid.UUID) *PeerEntry {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	return r.peers[peerID]
}

// Snapshot returns every currently-registered peer-id, for diagnostics
// (e.g. the CLI inspect command).
func (r *Registry) Snapshot() []*PeerEntry {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	out := make([]*PeerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e)
	}
	return out
}

// Close stops the event-delivery goroutine. It does not close any
// Connections; the Broker's shutdown sequence owns that.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
}
