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
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/xtaci/blockbroker/storage"
)

const (
	// DefaultInboundPort is the default client-facing listening port.
	DefaultInboundPort = 29300
	// DefaultProcessingThreads is the default GeneralPurpose pool size.
	DefaultProcessingThreads = 32
	// DefaultMaxOutstandingOperations is the default queue depth of each
	// scheduler pool; the bound applies to each pool separately.
	DefaultMaxOutstandingOperations = 4096
	// DefaultDrainTimeout bounds how long graceful shutdown waits for
	// in-flight queues to empty before forcing connections closed.
	DefaultDrainTimeout = 5 * time.Second
)

// ProxyEndpoint is one configured next-hop broker to chain to.
type ProxyEndpoint struct {
	Address  string
	BrokerID uuid.UUID
}

// Config collects every broker-wide tunable. Fields left at their zero
// value fall back to package defaults where one exists; fields with no
// default (InboundAddr, TLSConfig) must be set explicitly.
type Config struct {
	// InboundAddr is the client-facing listen address (":29300" style).
	InboundAddr string
	// OutboundAddr is the peer-serving listen address. Defaults to
	// InboundAddr's port + 1 if empty.
	OutboundAddr string

	TLSConfig *tls.Config

	// BrokerID identifies this broker in ChainAdvertisements it sends.
	BrokerID uuid.UUID

	// ProxyEndpoints are the next-hop brokers this broker chains to.
	ProxyEndpoints []ProxyEndpoint

	ProcessingThreads        int
	MaxOutstandingOperations int
	DrainTimeout             time.Duration

	MaxQueueEntries int
	MaxQueueBytes   uint64

	AuthCacheCapacity int
	AuthCacheTTL      time.Duration

	// AdminSocket, if set, is the Unix domain socket path the inspect CLI
	// command reads a peer snapshot from.
	AdminSocket string

	// StorageBackend, if set, fronts ChunkPut/ChunkGet/ChunkRemove traffic
	// through a storage.Adapter. nil rejects chunk operations with
	// ErrCodeStorageFailed.
	StorageBackend storage.Storage
	// StorageWorkers and StoragePerSessionConcurrency bound the adapter's
	// worker pool; zero falls back to storage package defaults.
	StorageWorkers               int
	StoragePerSessionConcurrency int
}

var (
	// ErrConfigNoInboundAddr is returned when no client-facing listen
	// address is configured.
	ErrConfigNoInboundAddr = errors.New("broker: config has no inbound address")
	// ErrConfigNoTLS is returned when no TLS configuration is supplied.
	ErrConfigNoTLS = errors.New("broker: config has no tls configuration")
	// ErrConfigNoBrokerID is returned when BrokerID is the nil UUID while
	// proxy endpoints are configured (chaining requires a stable identity).
	ErrConfigNoBrokerID = errors.New("broker: config has no broker id but proxy endpoints are set")
)

// VerifyConfig validates c, mirroring the sequential-check style used
// throughout this codebase's configuration validators.
func VerifyConfig(c *Config) error {
	if c.InboundAddr == "" {
		return ErrConfigNoInboundAddr
	}

	if c.TLSConfig == nil {
		return ErrConfigNoTLS
	}

	if len(c.ProxyEndpoints) > 0 && c.BrokerID == uuid.Nil {
		return ErrConfigNoBrokerID
	}

	return nil
}

// applyDefaults fills zero-valued tunables with package defaults. Called
// internally by NewBroker after VerifyConfig succeeds.
func applyDefaults(c *Config) {
	if c.ProcessingThreads <= 0 {
		c.ProcessingThreads = DefaultProcessingThreads
	}
	if c.MaxOutstandingOperations <= 0 {
		c.MaxOutstandingOperations = DefaultMaxOutstandingOperations
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}
