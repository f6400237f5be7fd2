package broker

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestConnectionBindAndRebind(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewConnection(client, DirectionInbound, NewCodec())
	id := uuid.New()

	err := conn.Bind(id)
	assert.Nil(t, err)
	assert.Equal(t, StateRegistered, conn.State())

	got, bound := conn.PeerID()
	assert.True(t, bound)
	assert.Equal(t, id, got)

	// binding again to the same id is a no-op
	err = conn.Bind(id)
	assert.Nil(t, err)

	err = conn.Bind(uuid.New())
	assert.Equal(t, ErrAlreadyBound, err)
}

func TestConnectionCloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := NewConnection(client, DirectionInbound, NewCodec())

	closes := 0
	conn.SetOnClose(func(c *Connection, reason error) {
		closes++
	})

	conn.Close(ErrOperationAborted)
	conn.Close(ErrOperationAborted)

	assert.Equal(t, 1, closes)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, ErrOperationAborted, conn.CloseErr())
}

func TestConnectionReadOneIdleTimeoutClosesAfterMissedHeartbeats(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := NewConnection(server, DirectionOutbound, NewCodec())
	conn.idleTimeout = 10 * time.Millisecond
	conn.writeWatermark = 10 * time.Millisecond

	// the peer never reads, so the heartbeat write itself will eventually
	// time out too, terminating the retry loop with a close.
	_, err := conn.ReadOne()
	assert.NotNil(t, err)
	assert.Equal(t, StateClosed, conn.State())
}
