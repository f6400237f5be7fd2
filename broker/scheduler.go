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

// PoolName identifies one of the broker's two named goroutine pools.
type PoolName int

const (
	// GeneralPurpose runs ordinary relay and chunk work; it may block
	// briefly (e.g. on disk I/O in the storage adapter).
	GeneralPurpose PoolName = iota
	// NonBlocking runs short, latency-sensitive continuations — queue
	// drains, completion callbacks — and must never itself block on I/O.
	NonBlocking
)

func (p PoolName) String() string {
	if p == NonBlocking {
		return "NonBlocking"
	}
	return "GeneralPurpose"
}

const (
	// DefaultGeneralPurposeWorkers is the default worker count for the
	// GeneralPurpose pool.
	DefaultGeneralPurposeWorkers = 32
	// DefaultNonBlockingWorkers is the default worker count for the
	// NonBlocking pool, reserved for I/O completions.
	DefaultNonBlockingWorkers = 4
	// DefaultMaxReadyOrExecuting bounds how many tasks may simultaneously
	// sit ready (queued) or executing in one ExecutionQueue.
	DefaultMaxReadyOrExecuting = DefaultGeneralPurposeWorkers * 4
)

// ReadyCallback is a task's completion callback: invoked exactly once, with
// nil on success, the error Run returned on failure, or ErrOperationAborted
// if the task was discarded before it ran or canceled before it started.
type ReadyCallback func(err error)

// Task is one unit of work scheduled on an ExecutionQueue. Next, if set and
// Run returns nil, is called once to publish a continuation task that is
// chained onto this task's own ready-or-executing slot — so a continuation
// always runs even if the queue is otherwise at its bound.
type Task struct {
	Run  func() error
	Next func() *Task

	ready    ReadyCallback
	canceled chan struct{}
	once     sync.Once
}

// NewTask wraps run as a schedulable Task.
func NewTask(run func() error) *Task {
	return &Task{Run: run, canceled: make(chan struct{})}
}

// RequestCancel marks t canceled. A task still sitting ready (queued but not
// yet picked up by a worker) is discarded instead of run; its ready_callback
// still fires, with ErrOperationAborted. Safe to call more than once or
// after t has already completed; has no effect on a task already executing
// (Run must observe cancellation cooperatively on its own, e.g. via a
// context it closed over).
func (t *Task) RequestCancel() {
	t.once.Do(func() { close(t.canceled) })
}

func (t *Task) isCanceled() bool {
	select {
	case <-t.canceled:
		return true
	default:
		return false
	}
}

// ExecutionQueue is a fixed-size worker pool bounded by a maximum count of
// tasks simultaneously ready-or-executing: Schedule beyond that bound
// discards the task immediately (a discard-event, plus its ready_callback
// firing with ErrOperationAborted) rather than blocking the submitter. An
// all-tasks-completed event fires whenever the outstanding count returns to
// zero.
type ExecutionQueue struct {
	name  PoolName
	tasks chan *Task
	sem   chan struct{}

	onReady        func(*Task)
	onDiscard      func(*Task, error)
	onAllCompleted func()

	mu      sync.Mutex
	pending int
	closed  bool

	closing chan struct{}
	wg      sync.WaitGroup
}

func newExecutionQueue(name PoolName, workers, maxReadyOrExecuting int) *ExecutionQueue {
	if maxReadyOrExecuting <= 0 {
		maxReadyOrExecuting = DefaultMaxReadyOrExecuting
	}
	q := &ExecutionQueue{
		name:    name,
		tasks:   make(chan *Task, maxReadyOrExecuting),
		sem:     make(chan struct{}, maxReadyOrExecuting),
		closing: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// OnReady registers the callback invoked whenever a task is admitted and
// becomes ready to run. Must be called before Schedule is used concurrently.
func (q *ExecutionQueue) OnReady(fn func(*Task)) { q.onReady = fn }

// OnDiscard registers the callback invoked whenever a task is discarded
// without running (bound exceeded, or queue closed). Must be called before
// Schedule is used concurrently.
func (q *ExecutionQueue) OnDiscard(fn func(*Task, error)) { q.onDiscard = fn }

// OnAllCompleted registers the callback invoked whenever the queue's
// outstanding (ready-or-executing) count returns to zero. Must be called
// before Schedule is used concurrently.
func (q *ExecutionQueue) OnAllCompleted(fn func()) { q.onAllCompleted = fn }

// Schedule admits t, invoking ready exactly once when t itself finishes or
// is discarded; a continuation published by t.Next reports through its own
// ready callback. It returns false if t was discarded instead of admitted.
func (q *ExecutionQueue) Schedule(t *Task, ready ReadyCallback) bool {
	t.ready = ready

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.discard(t, ErrOperationAborted)
		return false
	}
	select {
	case q.sem <- struct{}{}:
	default:
		q.mu.Unlock()
		q.discard(t, ErrOperationAborted)
		return false
	}
	q.pending++
	q.mu.Unlock()

	q.tasks <- t
	if q.onReady != nil {
		q.onReady(t)
	}
	return true
}

func (q *ExecutionQueue) discard(t *Task, err error) {
	if q.onDiscard != nil {
		q.onDiscard(t, err)
	}
	if t.ready != nil {
		t.ready(err)
	}
}

func (q *ExecutionQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			select {
			case <-q.closing:
				q.release()
				q.discard(t, ErrOperationAborted)
				continue
			default:
			}
			q.runChain(t)
		case <-q.closing:
			return
		}
	}
}

// runChain runs t and, as long as it completes successfully and publishes a
// continuation, keeps running in place on this worker: the chain holds its
// single ready-or-executing slot throughout, so the continuation is
// guaranteed to run even if the queue is otherwise at its bound.
func (q *ExecutionQueue) runChain(t *Task) {
	for {
		var err error
		if t.isCanceled() {
			err = ErrOperationAborted
		} else {
			err = t.Run()
		}

		var next *Task
		if err == nil && t.Next != nil {
			next = t.Next()
		}

		if ready := t.ready; ready != nil {
			ready(err)
		}

		if next == nil {
			q.release()
			return
		}
		t = next
	}
}

func (q *ExecutionQueue) release() {
	<-q.sem
	q.mu.Lock()
	q.pending--
	allDone := q.pending == 0
	q.mu.Unlock()
	if allDone && q.onAllCompleted != nil {
		q.onAllCompleted()
	}
}

// close stops admitting new tasks, waits for in-flight chains to finish,
// and discards everything still sitting ready in the channel. It never
// closes the tasks channel itself, so a Schedule racing shutdown can never
// send on a closed channel: the closed flag and the admission check above
// are serialized under the same mutex.
func (q *ExecutionQueue) close() {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()

	if !alreadyClosed {
		close(q.closing)
	}
	q.wg.Wait()

	for {
		select {
		case t := <-q.tasks:
			q.release()
			q.discard(t, ErrOperationAborted)
		default:
			return
		}
	}
}

// Scheduler owns the broker's two named ExecutionQueues and is the only
// place broker code spawns long-lived goroutines for request processing.
type Scheduler struct {
	general     *ExecutionQueue
	nonBlocking *ExecutionQueue
}

// NewScheduler creates a Scheduler with the given per-pool worker counts
// and a fixed ready-or-executing bound per pool. Zero counts fall back to
// defaults.
func NewScheduler(generalWorkers, nonBlockingWorkers, maxReadyOrExecuting int) *Scheduler {
	if generalWorkers <= 0 {
		generalWorkers = DefaultGeneralPurposeWorkers
	}
	if nonBlockingWorkers <= 0 {
		nonBlockingWorkers = DefaultNonBlockingWorkers
	}
	return &Scheduler{
		general:     newExecutionQueue(GeneralPurpose, generalWorkers, maxReadyOrExecuting),
		nonBlocking: newExecutionQueue(NonBlocking, nonBlockingWorkers, maxReadyOrExecuting),
	}
}

// Queue returns the named ExecutionQueue, for wiring ready/discard/
// all-completed hooks before the scheduler is put into service.
func (s *Scheduler) Queue(name PoolName) *ExecutionQueue {
	if name == NonBlocking {
		return s.nonBlocking
	}
	return s.general
}

// Schedule submits t to the named pool, returning false if it was discarded
// (ready still fires, with ErrOperationAborted, in that case).
func (s *Scheduler) Schedule(name PoolName, t *Task, ready ReadyCallback) bool {
	return s.Queue(name).Schedule(t, ready)
}

// Close tears down both pools, discarding (and canceling the ready_callback
// of) any task still queued.
func (s *Scheduler) Close() {
	s.general.close()
	s.nonBlocking.close()
}
