package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/xtaci/blockbroker/auth"
)

func allowAllCache(t *testing.T) *auth.Cache {
	cb := auth.CallbackFunc(func(ctx context.Context, token auth.Token, now time.Time) (*auth.Principal, error) {
		return &auth.Principal{
			PrincipalID: "tester",
			Attributes:  map[string]string{"scopes": "admin"},
			ExpiresAt:   now.Add(time.Hour),
		}, nil
	})
	c, err := auth.NewCache(cb, 0, 0)
	assert.Nil(t, err)
	return c
}

func buildRequestBlock(t *testing.T, source, target uuid.UUID) *Block {
	env := &Envelope{
		MessageType:  MessageTypeAsyncRPCRequest,
		MessageID:    uuid.New(),
		SourcePeerID: source,
		TargetPeerID: target,
	}
	body, err := MarshalEnvelope(env)
	assert.Nil(t, err)
	return &Block{Envelope: body, Payload: []byte("hi")}
}

func TestDispatcherRoutesToRegisteredTarget(t *testing.T) {
	registry := NewRegistry(0, 0)
	defer registry.Close()
	cache := allowAllCache(t)
	d := NewDispatcher(registry, cache, nil)

	targetID := uuid.New()
	targetLocal, targetRemote := net.Pipe()
	defer targetLocal.Close()
	defer targetRemote.Close()
	targetConn := NewConnection(targetLocal, DirectionOutbound, NewCodec())
	registry.RegisterOutbound(targetID, targetConn)

	sourceID := uuid.New()
	sourceLocal, sourceRemote := net.Pipe()
	defer sourceLocal.Close()
	defer sourceRemote.Close()
	sourceConn := NewConnection(sourceLocal, DirectionInbound, NewCodec())

	block := buildRequestBlock(t, sourceID, targetID)

	readDone := make(chan *Block, 1)
	go func() {
		got, err := NewCodec().ReadOne(targetRemote)
		assert.Nil(t, err)
		readDone <- got
	}()

	err := d.dispatch(context.Background(), sourceConn, block)
	assert.Nil(t, err)

	select {
	case got := <-readDone:
		assert.Equal(t, []byte("hi"), got.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded block")
	}
}

func TestDispatcherRejectsUnknownTarget(t *testing.T) {
	registry := NewRegistry(0, 0)
	defer registry.Close()
	cache := allowAllCache(t)
	d := NewDispatcher(registry, cache, nil)

	sourceID := uuid.New()
	sourceLocal, sourceRemote := net.Pipe()
	defer sourceLocal.Close()
	sourceConn := NewConnection(sourceLocal, DirectionInbound, NewCodec())

	block := buildRequestBlock(t, sourceID, uuid.New())

	readDone := make(chan *Block, 1)
	go func() {
		got, err := NewCodec().ReadOne(sourceRemote)
		assert.Nil(t, err)
		readDone <- got
	}()

	err := d.dispatch(context.Background(), sourceConn, block)
	assert.NotNil(t, err)
	assert.True(t, IsProtocolValidation(err))

	select {
	case got := <-readDone:
		env, uerr := UnmarshalEnvelope(got.Envelope)
		assert.Nil(t, uerr)
		assert.Equal(t, MessageTypeAsyncRPCResponse, env.MessageType)
		assert.Equal(t, int(ErrCodeTargetPeerNotFound), env.Result.ErrorCode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection response")
	}
}

func TestDispatcherRejectsMalformedEnvelope(t *testing.T) {
	registry := NewRegistry(0, 0)
	defer registry.Close()
	cache := allowAllCache(t)
	d := NewDispatcher(registry, cache, nil)

	sourceLocal, sourceRemote := net.Pipe()
	defer sourceLocal.Close()
	sourceConn := NewConnection(sourceLocal, DirectionInbound, NewCodec())

	block := &Block{Envelope: []byte("not json"), Payload: nil}

	readDone := make(chan struct{})
	go func() {
		NewCodec().ReadOne(sourceRemote)
		close(readDone)
	}()

	err := d.dispatch(context.Background(), sourceConn, block)
	assert.NotNil(t, err)
	assert.True(t, IsProtocolValidation(err))

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection response")
	}
}

func TestDispatcherHandleAdminRequiresScope(t *testing.T) {
	registry := NewRegistry(0, 0)
	defer registry.Close()

	noScopeCache, err := auth.NewCache(auth.CallbackFunc(func(ctx context.Context, token auth.Token, now time.Time) (*auth.Principal, error) {
		return &auth.Principal{PrincipalID: "nobody", ExpiresAt: now.Add(time.Hour)}, nil
	}), 0, 0)
	assert.Nil(t, err)

	d := NewDispatcher(registry, noScopeCache, nil)

	sourceID := uuid.New()
	sourceLocal, sourceRemote := net.Pipe()
	defer sourceLocal.Close()
	sourceConn := NewConnection(sourceLocal, DirectionInbound, NewCodec())

	env := &Envelope{
		MessageType:  MessageTypeAdminFlush,
		MessageID:    uuid.New(),
		SourcePeerID: sourceID,
		TargetPeerID: sourceID,
	}
	body, err := MarshalEnvelope(env)
	assert.Nil(t, err)
	block := &Block{Envelope: body}

	readDone := make(chan struct{})
	go func() {
		NewCodec().ReadOne(sourceRemote)
		close(readDone)
	}()

	err = d.dispatch(context.Background(), sourceConn, block)
	assert.NotNil(t, err)

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection response")
	}
}
