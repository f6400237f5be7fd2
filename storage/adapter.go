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

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers bounds total concurrent backend operations across all
	// sessions.
	DefaultWorkers = 32
	// DefaultPerSessionConcurrency bounds concurrent operations for a
	// single session, so one chatty peer cannot starve the shared worker
	// pool.
	DefaultPerSessionConcurrency = 4
)

// Completion is invoked exactly once per submitted operation, carrying its
// result.
type Completion func(data []byte, err error)

// Adapter fronts a Storage backend with a global concurrency ceiling and a
// per-session one (each a semaphore channel); an errgroup.Group tracks the
// goroutines, so chunk operations never run unbounded against the backend.
// FlushSession bumps a per-session generation counter so any op already
// submitted but not yet dequeued at flush time completes with
// ErrOperationAborted instead of reaching the backend.
type Adapter struct {
	backend Storage

	sem chan struct{} // global concurrency ceiling

	sessMu   sync.Mutex
	sessSems map[string]chan struct{}
	sessGen  map[string]uint64
	perSess  int

	eg    *errgroup.Group
	egCtx context.Context
}

// NewAdapter wraps backend with worker and per-session concurrency
// ceilings. Zero values fall back to package defaults.
func NewAdapter(ctx context.Context, backend Storage, workers, perSessionConcurrency int) *Adapter {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if perSessionConcurrency <= 0 {
		perSessionConcurrency = DefaultPerSessionConcurrency
	}
	eg, egCtx := errgroup.WithContext(ctx)
	return &Adapter{
		backend:  backend,
		sem:      make(chan struct{}, workers),
		sessSems: make(map[string]chan struct{}),
		sessGen:  make(map[string]uint64),
		perSess:  perSessionConcurrency,
		eg:       eg,
		egCtx:    egCtx,
	}
}

// sessionState returns sessionID's semaphore and its generation as of now:
// the generation is captured at submission time and re-checked at
// execution time so a FlushSession racing a queued op reliably wins.
func (a *Adapter) sessionState(sessionID string) (chan struct{}, uint64) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	s, ok := a.sessSems[sessionID]
	if !ok {
		s = make(chan struct{}, a.perSess)
		a.sessSems[sessionID] = s
	}
	return s, a.sessGen[sessionID]
}

func (a *Adapter) sessionFlushed(sessionID string, gen uint64) bool {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	return a.sessGen[sessionID] != gen
}

// Put schedules a save for key and returns at once; done runs on the
// adapter's own goroutine once the save finishes or is aborted.
func (a *Adapter) Put(key Key, data []byte, done Completion) {
	a.submit(key, func() ([]byte, error) {
		return nil, a.backend.Save(a.egCtx, key, data)
	}, done)
}

// Get schedules a load for key, reporting via done.
func (a *Adapter) Get(key Key, done Completion) {
	a.submit(key, func() ([]byte, error) {
		return a.backend.Load(a.egCtx, key)
	}, done)
}

// Remove schedules a removal for key, reporting via done.
func (a *Adapter) Remove(key Key, done Completion) {
	a.submit(key, func() ([]byte, error) {
		return nil, a.backend.Remove(a.egCtx, key)
	}, done)
}

// submit runs execute on the worker pool once both the global and
// per-session concurrency slots are free, then reports the result via
// done. The errgroup goroutine always returns nil, so no failure (not even
// egCtx's cancellation, which is reported via done) cancels every other
// session's in-flight work.
func (a *Adapter) submit(key Key, execute func() ([]byte, error), done Completion) {
	sessSem, gen := a.sessionState(key.SessionID)
	a.eg.Go(func() error {
		select {
		case a.sem <- struct{}{}:
		case <-a.egCtx.Done():
			a.complete(done, nil, a.egCtx.Err())
			return nil
		}
		defer func() { <-a.sem }()

		select {
		case sessSem <- struct{}{}:
		case <-a.egCtx.Done():
			a.complete(done, nil, a.egCtx.Err())
			return nil
		}
		defer func() { <-sessSem }()

		if a.sessionFlushed(key.SessionID, gen) {
			a.complete(done, nil, ErrOperationAborted)
			return nil
		}

		data, err := execute()
		a.complete(done, data, err)
		return nil
	})
}

func (a *Adapter) complete(done Completion, data []byte, err error) {
	if done != nil {
		done(data, err)
	}
}

// FlushSession removes every chunk belonging to sessionID and cancels every
// operation for that session still queued (not yet reached the backend)
// with ErrOperationAborted. Used when a peer's registration is torn down.
func (a *Adapter) FlushSession(sessionID string, done func(err error)) {
	a.sessMu.Lock()
	a.sessGen[sessionID]++
	a.sessMu.Unlock()

	a.eg.Go(func() error {
		select {
		case a.sem <- struct{}{}:
		case <-a.egCtx.Done():
			if done != nil {
				done(a.egCtx.Err())
			}
			return nil
		}
		defer func() { <-a.sem }()

		err := a.backend.FlushPeerSessions(a.egCtx, sessionID)
		if done != nil {
			done(err)
		}
		return nil
	})
}

// Wait blocks until every operation submitted so far has completed. It
// returns nil: every failure, including cancellation of the adapter's own
// context, is reported only through each call's Completion.
func (a *Adapter) Wait() error {
	return a.eg.Wait()
}
