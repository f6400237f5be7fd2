package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// concurrencyTrackingStorage wraps Memory and records the highest number of
// concurrent Save calls observed globally and per session, so tests can
// assert the adapter's concurrency ceilings actually hold.
type concurrencyTrackingStorage struct {
	*Memory

	mu          sync.Mutex
	inFlight    int32
	maxInFlight int32

	perSessionMu  sync.Mutex
	perSession    map[string]*int32
	maxPerSession map[string]*int32

	hold chan struct{}
}

func newConcurrencyTrackingStorage() *concurrencyTrackingStorage {
	return &concurrencyTrackingStorage{
		Memory:        NewMemory(),
		perSession:    make(map[string]*int32),
		maxPerSession: make(map[string]*int32),
		hold:          make(chan struct{}),
	}
}

func (s *concurrencyTrackingStorage) Save(ctx context.Context, key Key, data []byte) error {
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	s.mu.Lock()
	if cur > s.maxInFlight {
		s.maxInFlight = cur
	}
	s.mu.Unlock()

	s.perSessionMu.Lock()
	ctr, ok := s.perSession[key.SessionID]
	if !ok {
		var zero int32
		ctr = &zero
		s.perSession[key.SessionID] = ctr
		var zero2 int32
		s.maxPerSession[key.SessionID] = &zero2
	}
	s.perSessionMu.Unlock()

	curSess := atomic.AddInt32(ctr, 1)
	defer atomic.AddInt32(ctr, -1)

	s.perSessionMu.Lock()
	if curSess > *s.maxPerSession[key.SessionID] {
		*s.maxPerSession[key.SessionID] = curSess
	}
	s.perSessionMu.Unlock()

	<-s.hold
	return s.Memory.Save(ctx, key, data)
}

func TestAdapterRespectsGlobalConcurrencyCeiling(t *testing.T) {
	backend := newConcurrencyTrackingStorage()
	adapter := NewAdapter(context.Background(), backend, 2, 10)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		adapter.Put(Key{SessionID: "same", ChunkID: string(rune('a' + i))}, []byte("x"), func(data []byte, err error) {
			wg.Done()
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(backend.hold)
	wg.Wait()

	assert.True(t, backend.maxInFlight <= 2, "global ceiling exceeded: %d", backend.maxInFlight)
}

func TestAdapterRespectsPerSessionConcurrencyCeiling(t *testing.T) {
	backend := newConcurrencyTrackingStorage()
	adapter := NewAdapter(context.Background(), backend, 16, 1)

	const n = 6
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		adapter.Put(Key{SessionID: "busy", ChunkID: string(rune('a' + i))}, []byte("x"), func(data []byte, err error) {
			wg.Done()
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(backend.hold)
	wg.Wait()

	max := atomic.LoadInt32(backend.maxPerSession["busy"])
	assert.True(t, max <= 1, "per-session ceiling exceeded: %d", max)
}

func TestAdapterPutGetRemove(t *testing.T) {
	backend := NewMemory()
	adapter := NewAdapter(context.Background(), backend, 4, 4)

	key := Key{SessionID: "s1", ChunkID: "c1"}

	done := make(chan error, 1)
	adapter.Put(key, []byte("payload"), func(data []byte, err error) {
		done <- err
	})
	assert.Nil(t, <-done)

	got := make(chan []byte, 1)
	adapter.Get(key, func(data []byte, err error) {
		assert.Nil(t, err)
		got <- data
	})
	assert.Equal(t, []byte("payload"), <-got)

	removed := make(chan error, 1)
	adapter.Remove(key, func(data []byte, err error) {
		removed <- err
	})
	assert.Nil(t, <-removed)

	assert.Nil(t, adapter.Wait())
}

func TestAdapterFlushSessionAbortsQueuedOp(t *testing.T) {
	backend := newConcurrencyTrackingStorage()
	adapter := NewAdapter(context.Background(), backend, 1, 1)

	// the first Put occupies the only per-session slot, held open by
	// backend.hold; a second Put for the same session queues behind it.
	adapter.Put(Key{SessionID: "busy", ChunkID: "a"}, []byte("1"), func(data []byte, err error) {})
	time.Sleep(10 * time.Millisecond) // let the first Put claim its slot and block in Save

	queued := make(chan error, 1)
	adapter.Put(Key{SessionID: "busy", ChunkID: "b"}, []byte("2"), func(data []byte, err error) {
		queued <- err
	})

	flushed := make(chan error, 1)
	adapter.FlushSession("busy", func(err error) { flushed <- err })

	close(backend.hold)

	assert.Equal(t, ErrOperationAborted, <-queued)
	assert.Nil(t, <-flushed)
}

func TestAdapterFlushSession(t *testing.T) {
	backend := NewMemory()
	adapter := NewAdapter(context.Background(), backend, 4, 4)

	done := make(chan struct{})
	adapter.Put(Key{SessionID: "s1", ChunkID: "a"}, []byte("1"), func(data []byte, err error) {
		close(done)
	})
	<-done

	flushed := make(chan error, 1)
	adapter.FlushSession("s1", func(err error) {
		flushed <- err
	})
	assert.Nil(t, <-flushed)

	_, err := backend.Load(context.Background(), Key{SessionID: "s1", ChunkID: "a"})
	assert.Equal(t, ErrNotFound, err)
}
