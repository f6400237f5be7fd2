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
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtaci/blockbroker/auth"
	"github.com/xtaci/blockbroker/storage"
)

// ChainRouter resolves a peer-id this broker cannot serve locally to a
// next-hop broker connection, for one-hop forwarding. A nil ChainRouter
// disables forwarding entirely: unresolved targets simply fail with
// ErrCodeTargetPeerNotFound.
type ChainRouter interface {
	RouteFor(peerID uuid.UUID) (*Connection, bool)
}

// Dispatcher implements the per-connection state machine: parse -> bind ->
// authorize -> classify by message type -> route or reject, mapping every
// failure to a stable ErrorCode returned to the sender.
type Dispatcher struct {
	Registry *Registry
	Cache    *auth.Cache
	Chain    ChainRouter

	// ChainControl, when set, receives administrative control frames
	// (envelope-less blocks carrying FlagAdmin) as ChainAdvertisements
	// rather than routing them as client traffic. nil on a broker that
	// does not participate in chaining.
	ChainControl *Chain

	// MaxForwardHops is not consulted by routing: forwarding is limited to
	// one hop by FlagForwarded alone, since a block already carrying it is
	// never forwarded again.
	MaxForwardHops int

	// Scheduler, when set, runs queue drains as tasks on the NonBlocking
	// pool instead of inline on the calling read-loop goroutine. nil falls
	// back to running them synchronously, which is what the dispatcher-only
	// tests rely on. Chunk-storage completions run on the storage adapter's
	// own goroutines either way.
	Scheduler *Scheduler

	// Storage, when set, fronts chunk put/get/remove message types. nil
	// rejects them with ErrCodeStorageFailed.
	Storage *storage.Adapter

	sessMu   sync.Mutex
	sessions map[uuid.UUID]map[string]struct{} // peer-id -> session-ids used for chunk ops
}

// NewDispatcher builds a Dispatcher wired to registry and cache. chain may
// be nil to disable forwarding.
func NewDispatcher(registry *Registry, cache *auth.Cache, chain ChainRouter) *Dispatcher {
	return &Dispatcher{
		Registry:       registry,
		Cache:          cache,
		Chain:          chain,
		MaxForwardHops: 1,
	}
}

// Serve runs conn's read loop until it errors or closes, dispatching every
// received Block. It is meant to be called on its own goroutine per
// Connection by the acceptor.
func (d *Dispatcher) Serve(ctx context.Context, conn *Connection) {
	for {
		block, err := conn.ReadOne()
		if err != nil {
			if !isTimeoutOrClosed(err) {
				log.Printf("broker: dispatcher: read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		if err := d.dispatch(ctx, conn, block); err != nil {
			log.Printf("broker: dispatcher: %v", err)
		}
	}
}

// dispatch handles exactly one Block already read off conn.
func (d *Dispatcher) dispatch(ctx context.Context, conn *Connection, block *Block) error {
	if block.Header.Flags&FlagHeartbeat != 0 {
		return nil
	}

	if block.Header.Flags&FlagAdmin != 0 && len(block.Envelope) == 0 {
		return d.dispatchChainControl(conn, block)
	}

	env, err := UnmarshalEnvelope(block.Envelope)
	if err != nil {
		return d.rejectAndClose(conn, block, ErrCodeProtocolValidationFailed, "malformed envelope")
	}

	if err := conn.Bind(env.SourcePeerID); err != nil {
		return d.rejectAndClose(conn, block, ErrCodeProtocolValidationFailed, "connection already bound to a different source peer")
	}
	d.installConnection(conn, env.SourcePeerID)

	principal, err := d.authorize(ctx, env)
	if err != nil {
		return d.reject(conn, block, ErrCodeAuthorizationFailed, err.Error())
	}

	switch env.MessageType {
	case MessageTypeAsyncRPCRequest, MessageTypeAsyncRPCResponse, MessageTypeNotification:
		return d.route(conn, block, env)
	case MessageTypeAdminFlush:
		return d.handleAdmin(conn, block, env, principal)
	case MessageTypeChunkPut, MessageTypeChunkGet, MessageTypeChunkRemove:
		return d.handleChunk(conn, block, env)
	default:
		return d.rejectAndClose(conn, block, ErrCodeProtocolValidationFailed, "unsupported messageType for relay")
	}
}

// dispatchChainControl decodes an envelope-less administrative block as a
// ChainAdvertisement and applies it to the hop conn is associated with. A
// block from a connection that is not a known chain hop is silently
// dropped.
func (d *Dispatcher) dispatchChainControl(conn *Connection, block *Block) error {
	if d.ChainControl == nil {
		return nil
	}
	hop, ok := d.ChainControl.HopForConn(conn)
	if !ok {
		return nil
	}
	adv, err := UnmarshalChainAdvertisement(block.Payload)
	if err != nil {
		return err
	}
	d.ChainControl.HandleAdvertisement(hop, adv)
	return nil
}

// installConnection registers conn in the Registry under its direction, the
// first time a given connection is seen bound.
func (d *Dispatcher) installConnection(conn *Connection, peerID uuid.UUID) {
	if entry := d.Registry.Lookup(peerID); entry != nil {
		inbound, outbound := entry.snapshot()
		if (conn.Direction() == DirectionInbound && inbound == conn) ||
			(conn.Direction() == DirectionOutbound && outbound == conn) {
			return
		}
	}
	switch conn.Direction() {
	case DirectionInbound:
		if superseded := d.Registry.RegisterInbound(peerID, conn); superseded != nil {
			log.Printf("broker: peer %s inbound connection superseded", peerID)
		}
	case DirectionOutbound:
		if superseded := d.Registry.RegisterOutbound(peerID, conn); superseded != nil {
			log.Printf("broker: peer %s outbound connection superseded", peerID)
		}
		d.flushQueue(peerID)
	}
}

// flushQueue drains any backlog accumulated before the peer's outbound
// connection registered.
func (d *Dispatcher) flushQueue(peerID uuid.UUID) {
	entry := d.Registry.Lookup(peerID)
	if entry == nil {
		return
	}
	_, outbound := entry.snapshot()
	if outbound == nil {
		return
	}
	d.scheduleDrain(entry, outbound)
}

// scheduleDrain drains entry's queue into outbound. When a Scheduler is
// attached, the drain runs as a continuation on the NonBlocking pool so it
// never shares a goroutine with a connection's read loop; otherwise it runs
// inline, which is what the dispatcher-only tests rely on.
func (d *Dispatcher) scheduleDrain(entry *PeerEntry, outbound *Connection) {
	drain := func() error {
		if err := entry.Queue.DrainTo(outbound); err != nil {
			entry.Queue.FailAll(err)
		}
		return nil
	}
	if d.Scheduler == nil {
		drain()
		return
	}
	d.Scheduler.Schedule(NonBlocking, NewTask(drain), func(error) {})
}

func (d *Dispatcher) authorize(ctx context.Context, env *Envelope) (*auth.Principal, error) {
	token := auth.Token{
		Type: env.PrincipalIdentityInfo.AuthenticationToken.Type,
		Data: env.PrincipalIdentityInfo.AuthenticationToken.Data,
	}
	return d.Cache.Authorize(ctx, token, time.Now())
}

// route delivers block to its target: the local outbound Queue if the
// target peer is known, one forwarding hop via Chain otherwise, or a
// TargetPeerNotFound rejection if neither applies.
func (d *Dispatcher) route(conn *Connection, block *Block, env *Envelope) error {
	target := env.TargetPeerID
	if entry := d.Registry.Lookup(target); entry != nil {
		_, outbound := entry.snapshot()
		completion := func(err error) {
			if err != nil {
				log.Printf("broker: delivery to %s failed: %v", target, err)
			}
		}
		if !entry.Queue.TryEnqueue(block, block.Header.Flags, completion) {
			return d.reject(conn, block, ErrCodeTargetPeerQueueFull, "target outbound queue full")
		}
		if outbound != nil {
			d.scheduleDrain(entry, outbound)
		}
		return nil
	}

	if d.Chain != nil && block.Header.Flags&FlagForwarded == 0 {
		if next, ok := d.Chain.RouteFor(target); ok {
			return next.WriteOne(block, block.Header.Flags|FlagForwarded)
		}
	}

	return d.reject(conn, block, ErrCodeTargetPeerNotFound, "target peer not found")
}

// handleAdmin processes an AdminFlush control message: the caller's
// principal must carry the "admin" scope, and the effect is to drain the
// caller's own outbound queue via scheduleDrain (on the NonBlocking pool
// when a Scheduler is attached). No response block is sent to the caller.
func (d *Dispatcher) handleAdmin(conn *Connection, block *Block, env *Envelope, principal *auth.Principal) error {
	if !principal.HasScope("admin") {
		return d.reject(conn, block, ErrCodeAuthorizationFailed, "admin scope required")
	}

	entry := d.Registry.Lookup(env.SourcePeerID)
	if entry == nil {
		return nil
	}
	_, outbound := entry.snapshot()
	if outbound == nil {
		return nil
	}
	d.scheduleDrain(entry, outbound)
	return nil
}

// handleChunk services a ChunkPut/ChunkGet/ChunkRemove message against
// Storage. The backend call runs off-goroutine on the adapter's own worker
// pool; handleChunk returns as soon as the operation is submitted, leaving
// the read loop free to process the connection's next frame.
func (d *Dispatcher) handleChunk(conn *Connection, block *Block, env *Envelope) error {
	if d.Storage == nil {
		return d.reject(conn, block, ErrCodeStorageFailed, "chunk storage not configured")
	}

	d.recordSession(env.SourcePeerID, env.SessionID)
	key := storage.Key{SessionID: env.SessionID, ChunkID: env.ChunkID}
	done := d.chunkCompletion(conn, env)

	switch env.MessageType {
	case MessageTypeChunkPut:
		d.Storage.Put(key, block.Payload, done)
	case MessageTypeChunkGet:
		d.Storage.Get(key, done)
	case MessageTypeChunkRemove:
		d.Storage.Remove(key, done)
	}
	return nil
}

// chunkCompletion builds the storage.Completion that reports a chunk
// operation's outcome back to conn as an AsyncRpcResponse, carrying the
// loaded bytes as the response payload on a successful ChunkGet.
func (d *Dispatcher) chunkCompletion(conn *Connection, env *Envelope) storage.Completion {
	conversationID := env.MessageID
	return func(data []byte, err error) {
		resp := &Envelope{
			MessageType:    MessageTypeAsyncRPCResponse,
			MessageID:      uuid.New(),
			ConversationID: conversationID,
		}
		if err != nil {
			resp.Result = &RPCResult{ErrorCode: int(ErrCodeStorageFailed), Message: err.Error()}
		}
		body, merr := MarshalEnvelope(resp)
		if merr != nil {
			log.Printf("broker: dispatcher: marshal chunk response: %v", merr)
			return
		}
		if werr := conn.rawWrite(0, messageIDHash(resp.MessageID), body, data); werr != nil {
			log.Printf("broker: dispatcher: write chunk response to %s: %v", conn.RemoteAddr(), werr)
		}
	}
}

// recordSession remembers that peerID has used sessionID for a chunk
// operation, so FlushPeer can clean up every session a peer touched once
// its registration is torn down.
func (d *Dispatcher) recordSession(peerID uuid.UUID, sessionID string) {
	if sessionID == "" {
		return
	}
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	if d.sessions == nil {
		d.sessions = make(map[uuid.UUID]map[string]struct{})
	}
	set, ok := d.sessions[peerID]
	if !ok {
		set = make(map[string]struct{})
		d.sessions[peerID] = set
	}
	set[sessionID] = struct{}{}
}

// FlushPeer cancels and clears every chunk-storage session peerID has used,
// aborting any operation still queued for them with ErrCodeStorageFailed. It
// is called once a peer's last connection is torn down.
func (d *Dispatcher) FlushPeer(peerID uuid.UUID) {
	if d.Storage == nil {
		return
	}
	d.sessMu.Lock()
	set := d.sessions[peerID]
	delete(d.sessions, peerID)
	d.sessMu.Unlock()

	for sessionID := range set {
		d.Storage.FlushSession(sessionID, func(err error) {
			if err != nil {
				log.Printf("broker: dispatcher: flush session %s for peer %s: %v", sessionID, peerID, err)
			}
		})
	}
}

// reject writes an AsyncRpcResponse carrying code back to conn and returns
// a descriptive error for logging. A write failure here is not itself
// escalated: the read loop will observe the connection's subsequent
// failure on its own.
func (d *Dispatcher) reject(conn *Connection, block *Block, code ErrorCode, reason string) error {
	resp := &Envelope{
		MessageType:    MessageTypeAsyncRPCResponse,
		MessageID:      uuid.New(),
		ConversationID: conversationID(block),
		Result:         &RPCResult{ErrorCode: int(code), Message: reason},
	}
	body, err := MarshalEnvelope(resp)
	if err != nil {
		return err
	}
	if werr := conn.rawWrite(0, messageIDHash(resp.MessageID), body, nil); werr != nil {
		return werr
	}
	return ErrProtocolValidation(reason)
}

// rejectAndClose is reject plus a hard close of conn: reserved for
// protocol-class failures (a frame the codec or envelope layer cannot make
// sense of, or a source peer-id that contradicts the connection's existing
// binding), where nothing short of reconnecting can recover the stream.
// Auth and routing rejections leave the connection open since the caller
// may simply retry with a different token or target.
func (d *Dispatcher) rejectAndClose(conn *Connection, block *Block, code ErrorCode, reason string) error {
	err := d.reject(conn, block, code, reason)
	conn.Close(err)
	return err
}

func conversationID(block *Block) uuid.UUID {
	env, err := UnmarshalEnvelope(block.Envelope)
	if err != nil || env.MessageID == uuid.Nil {
		return uuid.Nil
	}
	return env.MessageID
}
