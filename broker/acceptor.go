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
	"crypto/tls"
	"log"
	"net"
	"sync"
)

// Acceptor owns one listening socket and hands every accepted connection to
// a Dispatcher on its own goroutine. A broker runs two Acceptors: one for
// the inbound (client-facing) port and one for the outbound (peer-serving)
// port, distinguished by Direction.
type Acceptor struct {
	listener  net.Listener
	tlsConfig *tls.Config
	direction Direction
	codec     *Codec
	dispatch  *Dispatcher

	die     chan struct{}
	dieOnce sync.Once
	wg      sync.WaitGroup
}

// NewAcceptor wraps listener (already bound) to serve direction-typed
// connections through dispatch. tlsConfig may be nil for plaintext test
// listeners; production listeners are expected to pass a configured
// *tls.Config.
func NewAcceptor(listener net.Listener, tlsConfig *tls.Config, direction Direction, codec *Codec, dispatch *Dispatcher) (*Acceptor, error) {
	if listener == nil {
		return nil, ErrListenerNotSpecified
	}
	return &Acceptor{
		listener:  listener,
		tlsConfig: tlsConfig,
		direction: direction,
		codec:     codec,
		dispatch:  dispatch,
		die:       make(chan struct{}),
	}, nil
}

// Serve accepts connections until Close is called or the listener errors.
// It blocks; callers run it on its own goroutine.
func (a *Acceptor) Serve(ctx context.Context) {
	for {
		raw, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.die:
				return
			default:
				log.Printf("broker: acceptor: accept error: %v", err)
				return
			}
		}

		if a.tlsConfig != nil {
			raw = tls.Server(raw, a.tlsConfig)
		}

		conn := NewConnection(raw, a.direction, a.codec)
		a.wg.Add(1)
		go a.serveOne(ctx, conn)
	}
}

func (a *Acceptor) serveOne(ctx context.Context, conn *Connection) {
	defer a.wg.Done()

	if err := conn.TLSHandshake(); err != nil {
		log.Printf("broker: acceptor: handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close(err)
		return
	}

	conn.SetOnClose(func(c *Connection, reason error) {
		peerID, bound := c.PeerID()
		if !bound {
			return
		}
		entry := a.dispatch.Registry.Lookup(peerID)
		if entry == nil {
			return
		}
		inbound, outbound := entry.snapshot()
		if (c.Direction() == DirectionInbound && inbound == c) ||
			(c.Direction() == DirectionOutbound && outbound == c) {
			a.dispatch.Registry.Unregister(peerID, c.Direction())
		}
	})

	defer conn.Close(nil)
	a.dispatch.Serve(ctx, conn)
}

// Close stops accepting new connections and waits for in-flight
// dispatcher goroutines to return.
func (a *Acceptor) Close() {
	a.dieOnce.Do(func() {
		close(a.die)
		a.listener.Close()
	})
	a.wg.Wait()
}
