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

	"github.com/google/uuid"
)

// ChainHop is one configured next-hop broker: an outbound Connection to
// its peering port, plus the most recent set of peer-ids it has
// advertised serving.
type ChainHop struct {
	BrokerID uuid.UUID
	Conn     *Connection

	mu      sync.RWMutex
	served  map[uuid.UUID]struct{}
	epoch   uint64
}

func newChainHop(brokerID uuid.UUID, conn *Connection) *ChainHop {
	return &ChainHop{BrokerID: brokerID, Conn: conn, served: make(map[uuid.UUID]struct{})}
}

// applyAdvertisement replaces the hop's served set if adv.Epoch is not
// older than the last one applied (stale, out-of-order advertisements are
// dropped).
func (h *ChainHop) applyAdvertisement(adv *ChainAdvertisement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if adv.Epoch < h.epoch {
		return
	}
	served := make(map[uuid.UUID]struct{}, len(adv.PeerIDs))
	for _, id := range adv.PeerIDs {
		served[id] = struct{}{}
	}
	h.served = served
	h.epoch = adv.Epoch
}

func (h *ChainHop) serves(peerID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.served[peerID]
	return ok
}

// Chain maintains the one-hop routing table for Broker Chaining: a fixed
// set of next-hop brokers, each periodically advertising the peer-ids it
// currently serves. It implements ChainRouter.
type Chain struct {
	mu      sync.RWMutex
	hops    []*ChainHop
	connHop map[*Connection]*ChainHop

	selfBrokerID uuid.UUID
	localEpoch   uint64
}

// NewChain creates an empty Chain identified by selfBrokerID (used when
// this broker advertises its own locally-registered peers to its hops).
func NewChain(selfBrokerID uuid.UUID) *Chain {
	return &Chain{selfBrokerID: selfBrokerID, connHop: make(map[*Connection]*ChainHop)}
}

// AddHop registers conn as a next-hop broker connection. brokerID
// identifies the hop for advertisement bookkeeping; it is learned from
// the hop's own advertisements if not known ahead of time (pass uuid.Nil
// and it will be filled in on first HandleAdvertisement).
func (c *Chain) AddHop(brokerID uuid.UUID, conn *Connection) *ChainHop {
	hop := newChainHop(brokerID, conn)
	c.mu.Lock()
	c.hops = append(c.hops, hop)
	c.connHop[conn] = hop
	c.mu.Unlock()
	return hop
}

// RemoveHop drops hop from the routing table, e.g. after its connection
// closes.
func (c *Chain) RemoveHop(hop *ChainHop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.hops {
		if h == hop {
			c.hops = append(c.hops[:i], c.hops[i+1:]...)
			break
		}
	}
	delete(c.connHop, hop.Conn)
}

// HopForConn returns the ChainHop associated with conn, if conn is a
// registered next-hop connection.
func (c *Chain) HopForConn(conn *Connection) (*ChainHop, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hop, ok := c.connHop[conn]
	return hop, ok
}

// RouteFor implements ChainRouter: it returns the connection of the first
// hop, in registration order, whose latest advertisement lists peerID.
func (c *Chain) RouteFor(peerID uuid.UUID) (*Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, hop := range c.hops {
		if hop.serves(peerID) {
			return hop.Conn, true
		}
	}
	return nil, false
}

// HandleAdvertisement applies an incoming ChainAdvertisement to the hop it
// arrived on, learning the hop's broker-id from the advertisement the
// first time one is received.
func (c *Chain) HandleAdvertisement(hop *ChainHop, adv *ChainAdvertisement) {
	if hop.BrokerID == uuid.Nil {
		hop.BrokerID = adv.BrokerID
	}
	hop.applyAdvertisement(adv)
}

// BuildAdvertisement snapshots registry's currently-registered peer-ids
// into a ChainAdvertisement this broker can send to its hops.
func (c *Chain) BuildAdvertisement(registry *Registry) *ChainAdvertisement {
	entries := registry.Snapshot()
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PeerID)
	}
	c.mu.Lock()
	c.localEpoch++
	epoch := c.localEpoch
	c.mu.Unlock()
	return &ChainAdvertisement{BrokerID: c.selfBrokerID, PeerIDs: ids, Epoch: epoch}
}

// SendAdvertisement marshals adv and writes it to hop's connection as an
// administrative block.
func (c *Chain) SendAdvertisement(hop *ChainHop, adv *ChainAdvertisement) error {
	body, err := MarshalChainAdvertisement(adv)
	if err != nil {
		return err
	}
	block := &Block{
		Header:  Header{Flags: FlagAdmin},
		Payload: body,
	}
	return hop.Conn.WriteOne(block, FlagAdmin)
}

// Hops returns a snapshot of the currently-registered next-hop brokers,
// for diagnostics.
func (c *Chain) Hops() []*ChainHop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*ChainHop(nil), c.hops...)
}
