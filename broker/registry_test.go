package broker

import (
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func pipeConnection(direction Direction) (*Connection, net.Conn) {
	local, remote := net.Pipe()
	return NewConnection(local, direction, NewCodec()), remote
}

func TestRegistryRegisterInboundThenOutbound(t *testing.T) {
	r := NewRegistry(0, 0)
	defer r.Close()

	var mu sync.Mutex
	var events []Event
	r.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	id := uuid.New()
	in, inRemote := pipeConnection(DirectionInbound)
	defer inRemote.Close()
	out, outRemote := pipeConnection(DirectionOutbound)
	defer outRemote.Close()

	superseded := r.RegisterInbound(id, in)
	assert.Nil(t, superseded)

	superseded = r.RegisterOutbound(id, out)
	assert.Nil(t, superseded)

	entry := r.Lookup(id)
	assert.NotNil(t, entry)
	inbound, outbound := entry.snapshot()
	assert.Equal(t, in, inbound)
	assert.Equal(t, out, outbound)

	r.Close()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, len(events))
	assert.Equal(t, EventPeerConnected, events[0].Type)
	assert.Equal(t, EventPeerReconnected, events[1].Type)
}

func TestRegistrySupersessionDrainsPrevious(t *testing.T) {
	r := NewRegistry(0, 0)
	defer r.Close()

	id := uuid.New()
	first, firstRemote := pipeConnection(DirectionInbound)
	defer firstRemote.Close()
	second, secondRemote := pipeConnection(DirectionInbound)
	defer secondRemote.Close()

	r.RegisterInbound(id, first)
	superseded := r.RegisterInbound(id, second)

	assert.Equal(t, first, superseded)
	assert.Equal(t, StateClosed, first.State())

	entry := r.Lookup(id)
	inbound, _ := entry.snapshot()
	assert.Equal(t, second, inbound)
}

func TestRegistryUnregisterBothDirectionsEmitsDisconnected(t *testing.T) {
	r := NewRegistry(0, 0)
	defer r.Close()

	var mu sync.Mutex
	var events []Event
	r.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	id := uuid.New()
	in, inRemote := pipeConnection(DirectionInbound)
	defer inRemote.Close()

	r.RegisterInbound(id, in)
	r.Unregister(id, DirectionInbound)

	assert.Nil(t, r.Lookup(id))

	r.Close()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, len(events))
	assert.Equal(t, EventPeerConnected, events[0].Type)
	assert.Equal(t, EventPeerDisconnected, events[1].Type)
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry(0, 0)
	defer r.Close()

	id1, id2 := uuid.New(), uuid.New()
	c1, r1 := pipeConnection(DirectionInbound)
	defer r1.Close()
	c2, r2 := pipeConnection(DirectionInbound)
	defer r2.Close()

	r.RegisterInbound(id1, c1)
	r.RegisterInbound(id2, c2)

	snap := r.Snapshot()
	assert.Equal(t, 2, len(snap))
}
