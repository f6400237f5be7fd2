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
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnState is one state in the Connection lifecycle:
// Connecting -> Handshaking -> Registered -> Draining -> Closed.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateRegistered
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateRegistered:
		return "Registered"
	case StateDraining:
		return "Draining"
	default:
		return "Closed"
	}
}

const (
	// DefaultIdleTimeout is the read-idle duration that triggers a
	// protocol-level heartbeat probe.
	DefaultIdleTimeout = 90 * time.Second
	// DefaultWriteWatermark bounds how long a single framed write may take.
	DefaultWriteWatermark = 30 * time.Second
	// MaxMissedHeartbeats is how many consecutive idle-timeout ticks are
	// tolerated before the connection is force-closed.
	MaxMissedHeartbeats = 2
)

// Connection owns one TLS-terminated stream bound to at most one peer-id.
// Writes are serialized through a single mutex and cancellation always
// delivers exactly one completion to the caller.
type Connection struct {
	conn      net.Conn
	direction Direction
	codec     *Codec

	idleTimeout    time.Duration
	writeWatermark time.Duration

	state atomic.Int32

	boundMu sync.Mutex
	bound   bool
	peerID  uuid.UUID

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	die       chan struct{}

	missedHeartbeats int

	onClose func(c *Connection, reason error)
}

// NewConnection wraps conn (expected to already be a *tls.Conn for network
// use, or any net.Conn in tests) as a broker Connection.
func NewConnection(conn net.Conn, direction Direction, codec *Codec) *Connection {
	c := &Connection{
		conn:           conn,
		direction:      direction,
		codec:          codec,
		idleTimeout:    DefaultIdleTimeout,
		writeWatermark: DefaultWriteWatermark,
		die:            make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// SetOnClose installs a callback invoked exactly once when the connection
// closes, so the owner (acceptor/dispatcher) can unregister it.
func (c *Connection) SetOnClose(fn func(c *Connection, reason error)) {
	c.onClose = fn
}

// Direction reports whether this is an inbound (client->broker) or outbound
// (broker->client) connection.
func (c *Connection) Direction() Direction { return c.direction }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

func (c *Connection) setState(s ConnState) { c.state.Store(int32(s)) }

// Bind associates this connection with peerID on its first valid frame.
// Returns ErrAlreadyBound if already bound to a different peer-id.
func (c *Connection) Bind(peerID uuid.UUID) error {
	c.boundMu.Lock()
	defer c.boundMu.Unlock()
	if c.bound && c.peerID != peerID {
		return ErrAlreadyBound
	}
	if !c.bound {
		c.bound = true
		c.peerID = peerID
		c.setState(StateRegistered)
	}
	return nil
}

// PeerID returns the bound peer-id and whether binding has occurred yet.
func (c *Connection) PeerID() (uuid.UUID, bool) {
	c.boundMu.Lock()
	defer c.boundMu.Unlock()
	return c.peerID, c.bound
}

// ReadOne produces exactly one Block, or a typed error: io.EOF at a clean
// peer close, ErrIdleTimeout once more than MaxMissedHeartbeats consecutive
// read-deadline windows pass in silence, a codec error for a malformed frame, or the
// underlying transport/TLS error otherwise. On an idle-timeout tick short of
// the close threshold it transparently emits a heartbeat probe and retries.
func (c *Connection) ReadOne() (*Block, error) {
	for {
		select {
		case <-c.die:
			return nil, ErrOperationAborted
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return nil, err
		}

		block, err := c.codec.ReadOne(c.conn)
		if err == nil {
			c.missedHeartbeats = 0
			return block, nil
		}

		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.missedHeartbeats++
			if c.missedHeartbeats > MaxMissedHeartbeats {
				c.Close(ErrIdleTimeout)
				return nil, ErrIdleTimeout
			}
			if werr := c.writeHeartbeat(); werr != nil {
				c.Close(werr)
				return nil, werr
			}
			continue
		}

		return nil, err
	}
}

func (c *Connection) writeHeartbeat() error {
	env := &Envelope{MessageType: MessageTypeHeartbeat, MessageID: uuid.New()}
	body, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return c.rawWrite(FlagHeartbeat, messageIDHash(env.MessageID), body, nil)
}

// WriteOne attempts a single framed write of block and returns its result.
// Writes on one Connection are serialized through writeMu, so a concurrent
// call waits until the write in progress has returned.
func (c *Connection) WriteOne(block *Block, flags uint16) error {
	return c.rawWrite(flags|block.Header.Flags, block.Header.MessageIDHash, block.Envelope, block.Payload)
}

func (c *Connection) rawWrite(flags uint16, messageIDHash uint64, envelope, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.die:
		return ErrOperationAborted
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWatermark)); err != nil {
		return err
	}
	return c.codec.WriteOne(c.conn, flags, messageIDHash, envelope, payload)
}

// beginDraining marks the connection Draining, waits for any write already
// holding writeMu to finish, then closes it; the close also ends a read in
// progress.
func (c *Connection) beginDraining() {
	c.setState(StateDraining)
	c.writeMu.Lock()
	c.writeMu.Unlock()
	c.Close(ErrOperationAborted)
}

// Close is idempotent: it cancels any outstanding read/write with
// ErrOperationAborted and invokes the registered onClose callback exactly
// once.
func (c *Connection) Close(reason error) error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.closeErr = reason
		close(c.die)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
	return nil
}

// CloseErr returns the reason passed to the first Close call, if any.
func (c *Connection) CloseErr() error { return c.closeErr }

// RemoteAddr exposes the underlying transport's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// TLSHandshake drives the TLS handshake to completion (a no-op for
// non-TLS test connections that don't implement it), transitioning the
// state to Handshaking while it runs.
func (c *Connection) TLSHandshake() error {
	c.setState(StateHandshaking)
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("broker: tls handshake: %w", err)
		}
	}
	return nil
}

// isTimeoutOrClosed reports whether err indicates the read/write loop should
// stop without being treated as a protocol violation.
func isTimeoutOrClosed(err error) bool {
	if err == io.EOF || err == ErrOperationAborted {
		return true
	}
	_, ok := err.(net.Error)
	return ok
}
