package broker

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/xtaci/blockbroker/auth"
	"github.com/xtaci/blockbroker/storage"
)

// TestBrokerCloseDrainsWithinTimeoutThenForceCloses exercises the ordered
// shutdown sequence a SIGTERM triggers in production (cmd/broker/main.go
// cancels Run's context, which calls Broker.Close): a peer with a backlog
// it never reads gets a bounded grace period to drain, after which Close
// force-closes the connection and fails whatever is still queued rather
// than hanging forever.
func TestBrokerCloseDrainsWithinTimeoutThenForceCloses(t *testing.T) {
	cb := auth.CallbackFunc(func(ctx context.Context, token auth.Token, now time.Time) (*auth.Principal, error) {
		return &auth.Principal{PrincipalID: "tester", ExpiresAt: now.Add(time.Hour)}, nil
	})
	cache, err := auth.NewCache(cb, 0, 0)
	assert.Nil(t, err)

	cfg := &Config{
		InboundAddr:    "127.0.0.1:0",
		OutboundAddr:   "127.0.0.1:0",
		TLSConfig:      &tls.Config{},
		DrainTimeout:   50 * time.Millisecond,
		StorageBackend: storage.NewMemory(),
	}

	b, err := NewBroker(cfg, cache)
	assert.Nil(t, err)

	// register a peer directly against the broker's own Registry/Dispatcher,
	// bypassing the acceptor (which would require a real TLS handshake);
	// this is the same Registry/Dispatcher Close() tears down.
	peerID := uuid.New()
	local, remote := net.Pipe()
	defer remote.Close()
	conn := NewConnection(local, DirectionOutbound, NewCodec())
	b.Registry.RegisterOutbound(peerID, conn)

	entry := b.Registry.Lookup(peerID)
	assert.NotNil(t, entry)

	completion := make(chan error, 1)
	block := &Block{Envelope: []byte(`{}`), Payload: []byte("backlog")}
	ok := entry.Queue.TryEnqueue(block, 0, func(err error) { completion <- err })
	assert.True(t, ok)

	start := time.Now()
	assert.Nil(t, b.Close())
	elapsed := time.Since(start)

	// bounded by DrainTimeout, not by the pipe's reader never showing up.
	assert.True(t, elapsed < 2*time.Second, "Close took too long: %v", elapsed)

	select {
	case err := <-completion:
		assert.NotNil(t, err, "queued entry should have been failed or errored on the forced close")
	case <-time.After(time.Second):
		t.Fatal("backlog entry's completion never fired")
	}

	assert.Equal(t, StateClosed, conn.State())
	assert.NotNil(t, b.Storage, "configured StorageBackend should have been wired into the broker's Storage adapter")
}
