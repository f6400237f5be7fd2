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
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/xtaci/blockbroker/auth"
	"github.com/xtaci/blockbroker/storage"
)

// DefaultAdvertisementInterval is how often a chaining broker re-sends its
// locally-served peer-id set to each configured hop.
const DefaultAdvertisementInterval = 30 * time.Second

// Broker wires together the registry, authorization cache, dispatcher,
// scheduler, and the inbound/outbound acceptors into one running server.
type Broker struct {
	cfg *Config

	Registry   *Registry
	Cache      *auth.Cache
	Chain      *Chain
	Scheduler  *Scheduler
	Dispatcher *Dispatcher
	Storage    *storage.Adapter

	inboundListener  net.Listener
	outboundListener net.Listener
	inboundAcceptor  *Acceptor
	outboundAcceptor *Acceptor
	admin            *AdminServer

	storageCancel context.CancelFunc

	hopsWg    sync.WaitGroup
	closeOnce sync.Once
}

// NewBroker validates cfg, binds its listeners, and wires every component
// together. It does not yet accept connections; call Run for that.
func NewBroker(cfg *Config, cache *auth.Cache) (*Broker, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if cfg.OutboundAddr == "" {
		addr, err := nextPort(cfg.InboundAddr)
		if err != nil {
			return nil, fmt.Errorf("broker: derive outbound address: %w", err)
		}
		cfg.OutboundAddr = addr
	}

	inboundLn, err := net.Listen("tcp", cfg.InboundAddr)
	if err != nil {
		return nil, fmt.Errorf("broker: listen inbound: %w", err)
	}
	outboundLn, err := net.Listen("tcp", cfg.OutboundAddr)
	if err != nil {
		inboundLn.Close()
		return nil, fmt.Errorf("broker: listen outbound: %w", err)
	}

	registry := NewRegistry(cfg.MaxQueueEntries, cfg.MaxQueueBytes)
	scheduler := NewScheduler(cfg.ProcessingThreads, DefaultNonBlockingWorkers, cfg.MaxOutstandingOperations)

	var chain *Chain
	if len(cfg.ProxyEndpoints) > 0 {
		chain = NewChain(cfg.BrokerID)
	}

	dispatcher := NewDispatcher(registry, cache, nil)
	dispatcher.Scheduler = scheduler
	if chain != nil {
		dispatcher.Chain = chain
		dispatcher.ChainControl = chain
	}

	var storageAdapter *storage.Adapter
	var storageCancel context.CancelFunc
	if cfg.StorageBackend != nil {
		var storageCtx context.Context
		storageCtx, storageCancel = context.WithCancel(context.Background())
		storageAdapter = storage.NewAdapter(storageCtx, cfg.StorageBackend, cfg.StorageWorkers, cfg.StoragePerSessionConcurrency)
		dispatcher.Storage = storageAdapter
	}

	registry.Subscribe(func(ev Event) {
		if ev.Type == EventPeerDisconnected {
			dispatcher.FlushPeer(ev.PeerID)
		}
	})

	codec := NewCodec()

	inboundAcceptor, err := NewAcceptor(inboundLn, cfg.TLSConfig, DirectionInbound, codec, dispatcher)
	if err != nil {
		inboundLn.Close()
		outboundLn.Close()
		return nil, err
	}
	outboundAcceptor, err := NewAcceptor(outboundLn, cfg.TLSConfig, DirectionOutbound, codec, dispatcher)
	if err != nil {
		inboundLn.Close()
		outboundLn.Close()
		return nil, err
	}

	var admin *AdminServer
	if cfg.AdminSocket != "" {
		admin, err = NewAdminServer(registry, cfg.AdminSocket)
		if err != nil {
			inboundLn.Close()
			outboundLn.Close()
			return nil, fmt.Errorf("broker: admin socket: %w", err)
		}
	}

	return &Broker{
		cfg:              cfg,
		Registry:         registry,
		Cache:            cache,
		Chain:            chain,
		Scheduler:        scheduler,
		Dispatcher:       dispatcher,
		Storage:          storageAdapter,
		inboundListener:  inboundLn,
		outboundListener: outboundLn,
		inboundAcceptor:  inboundAcceptor,
		outboundAcceptor: outboundAcceptor,
		admin:            admin,
		storageCancel:    storageCancel,
	}, nil
}

// Run starts accepting connections and, if chaining is configured, dials
// every proxy endpoint. It returns once ctx is canceled, after running the
// orderly shutdown sequence.
func (b *Broker) Run(ctx context.Context) error {
	go b.inboundAcceptor.Serve(ctx)
	go b.outboundAcceptor.Serve(ctx)
	if b.admin != nil {
		go b.admin.Serve()
	}

	if b.Chain != nil {
		for _, ep := range b.cfg.ProxyEndpoints {
			b.connectHop(ctx, ep)
		}
	}

	<-ctx.Done()
	return b.Close()
}

// connectHop dials a configured next-hop broker and starts the goroutines
// that read its control frames and periodically advertise this broker's
// locally-served peer-ids to it. A dial failure is logged and retried
// with backoff rather than failing Run.
func (b *Broker) connectHop(ctx context.Context, ep ProxyEndpoint) {
	b.hopsWg.Add(1)
	go func() {
		defer b.hopsWg.Done()

		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			raw, err := tls.Dial("tcp", ep.Address, b.cfg.TLSConfig)
			if err != nil {
				log.Printf("broker: dial hop %s: %v", ep.Address, err)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second

			conn := NewConnection(raw, DirectionOutbound, NewCodec())
			hop := b.Chain.AddHop(ep.BrokerID, conn)

			done := make(chan struct{})
			go func() {
				defer close(done)
				b.Dispatcher.Serve(ctx, conn)
			}()

			b.advertiseLoop(ctx, hop, done)

			b.Chain.RemoveHop(hop)
			conn.Close(ErrOperationAborted)
			<-done

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
}

func (b *Broker) advertiseLoop(ctx context.Context, hop *ChainHop, done <-chan struct{}) {
	ticker := time.NewTicker(DefaultAdvertisementInterval)
	defer ticker.Stop()

	adv := b.Chain.BuildAdvertisement(b.Registry)
	if err := b.Chain.SendAdvertisement(hop, adv); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			adv := b.Chain.BuildAdvertisement(b.Registry)
			if err := b.Chain.SendAdvertisement(hop, adv); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close runs the broker's ordered teardown: stop accepting new
// connections, drain per-peer outbound queues up to the configured
// timeout, force-close remaining connections, then stop the registry's
// event loop and the scheduler's worker pools. Safe to call more than
// once; only the first call does anything.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.inboundAcceptor.Close()
		b.outboundAcceptor.Close()
		if b.admin != nil {
			b.admin.Close()
		}
		b.hopsWg.Wait()

		drained := make(chan struct{})
		go func() {
			for _, e := range b.Registry.Snapshot() {
				_, outbound := e.snapshot()
				if outbound != nil {
					if err := e.Queue.DrainTo(outbound); err != nil {
						e.Queue.FailAll(err)
					}
				}
			}
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(b.cfg.DrainTimeout):
		}

		for _, e := range b.Registry.Snapshot() {
			e.Queue.FailAll(ErrOperationAborted)
			inbound, outbound := e.snapshot()
			if inbound != nil {
				inbound.Close(ErrOperationAborted)
			}
			if outbound != nil {
				outbound.Close(ErrOperationAborted)
			}
		}

		b.Registry.Close()
		b.Scheduler.Close()

		if b.storageCancel != nil {
			b.storageCancel()
			b.Storage.Wait()
		}
	})
	return nil
}

// nextPort derives a "host:port+1" address from addr, for the default
// outbound listener when one is not explicitly configured.
func nextPort(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}
