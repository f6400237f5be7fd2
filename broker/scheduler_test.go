package broker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerRunsSubmittedTasks(t *testing.T) {
	s := NewScheduler(2, 1, 4)
	defer s.Close()

	var wg sync.WaitGroup
	var ran int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := s.Schedule(GeneralPurpose, NewTask(func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		}), func(err error) {
			assert.Nil(t, err)
			wg.Done()
		})
		assert.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
}

func TestSchedulerDiscardsOnFullQueue(t *testing.T) {
	s := NewScheduler(1, 1, 2)
	defer s.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	assert.True(t, s.Schedule(GeneralPurpose, NewTask(func() error {
		close(started)
		<-block
		return nil
	}), func(error) {}))
	<-started

	// one worker is blocked in Run, one ready-or-executing slot remains:
	// the next submission fills it, the one after that is discarded.
	assert.True(t, s.Schedule(GeneralPurpose, NewTask(func() error { return nil }), func(error) {}))

	var discarded int32
	ok := s.Schedule(GeneralPurpose, NewTask(func() error { return nil }), func(err error) {
		if err == ErrOperationAborted {
			atomic.AddInt32(&discarded, 1)
		}
	})
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&discarded))

	close(block)
}

func TestSchedulerCloseDiscardsQueuedTasks(t *testing.T) {
	s := NewScheduler(1, 1, 4)

	block := make(chan struct{})
	started := make(chan struct{})
	s.Schedule(GeneralPurpose, NewTask(func() error {
		close(started)
		<-block
		return nil
	}), func(error) {})
	<-started

	var aborted int32
	s.Schedule(GeneralPurpose, NewTask(func() error { return nil }), func(err error) {
		if err == ErrOperationAborted {
			atomic.AddInt32(&aborted, 1)
		}
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	s.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&aborted))
}

func TestExecutionQueueFiresReadyAndDiscardEvents(t *testing.T) {
	q := newExecutionQueue(GeneralPurpose, 1, 1)
	defer q.close()

	var ready, discarded int32
	q.OnReady(func(*Task) { atomic.AddInt32(&ready, 1) })
	q.OnDiscard(func(*Task, error) { atomic.AddInt32(&discarded, 1) })

	block := make(chan struct{})
	started := make(chan struct{})
	q.Schedule(NewTask(func() error {
		close(started)
		<-block
		return nil
	}), func(error) {})
	<-started

	// the ready-or-executing bound is 1 and already held by the blocked
	// task above, so this submission is discarded outright.
	ok := q.Schedule(NewTask(func() error { return nil }), func(error) {})
	assert.False(t, ok)

	close(block)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ready))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&discarded) == 1 }, time.Second, time.Millisecond)
}

func TestExecutionQueueAllCompletedFiresWhenPendingReturnsToZero(t *testing.T) {
	q := newExecutionQueue(GeneralPurpose, 2, 4)
	defer q.close()

	var allCompleted int32
	q.OnAllCompleted(func() { atomic.AddInt32(&allCompleted, 1) })

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		q.Schedule(NewTask(func() error { return nil }), func(error) { wg.Done() })
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&allCompleted) >= 1 }, time.Second, time.Millisecond)
}

func TestExecutionQueueRequestCancelFiresOperationAborted(t *testing.T) {
	q := newExecutionQueue(GeneralPurpose, 1, 4)
	defer q.close()

	block := make(chan struct{})
	started := make(chan struct{})
	q.Schedule(NewTask(func() error {
		close(started)
		<-block
		return nil
	}), func(error) {})
	<-started

	// this task sits ready (queued behind the blocked one) and is never run.
	task := NewTask(func() error {
		t.Fatal("canceled task must not run")
		return nil
	})
	done := make(chan error, 1)
	q.Schedule(task, func(err error) { done <- err })
	task.RequestCancel()

	close(block)
	select {
	case err := <-done:
		assert.Equal(t, ErrOperationAborted, err)
	case <-time.After(time.Second):
		t.Fatal("ready_callback never fired")
	}
}

func TestExecutionQueueContinuationTaskRunsChained(t *testing.T) {
	q := newExecutionQueue(GeneralPurpose, 1, 1)
	defer q.close()

	var ranFirst, ranSecond int32
	done := make(chan struct{})
	first := NewTask(func() error {
		atomic.AddInt32(&ranFirst, 1)
		return nil
	})
	first.Next = func() *Task {
		second := NewTask(func() error {
			atomic.AddInt32(&ranSecond, 1)
			return nil
		})
		second.ready = func(error) { close(done) }
		return second
	}

	ok := q.Schedule(first, func(error) {})
	assert.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuation never ran")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ranFirst))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ranSecond))
}
