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
	"encoding/json"
	"log"
	"net"
	"os"
	"sync"
)

// PeerSnapshot is one row of the diagnostic peer listing the admin socket
// serves, and what the CLI inspect command renders.
type PeerSnapshot struct {
	PeerID     string `json:"peerId"`
	Inbound    bool   `json:"inbound"`
	Outbound   bool   `json:"outbound"`
	QueueLen   int    `json:"queueLen"`
	QueueBytes uint64 `json:"queueBytes"`
}

// AdminServer exposes a read-only JSON snapshot of the Registry over a
// Unix domain socket: each accepted connection receives exactly one JSON
// array and the connection is then closed. There is no request payload —
// connecting is the request.
type AdminServer struct {
	registry *Registry
	listener net.Listener

	dieOnce sync.Once
	wg      sync.WaitGroup
}

// NewAdminServer binds a Unix domain socket at socketPath. Any existing
// socket file at that path is removed first, matching the usual
// Unix-socket server convention for a path left behind by a prior crash.
func NewAdminServer(registry *Registry, socketPath string) (*AdminServer, error) {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &AdminServer{registry: registry, listener: ln}, nil
}

// Serve accepts connections until Close is called. Callers run it on its
// own goroutine.
func (s *AdminServer) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveOne(conn)
	}
}

func (s *AdminServer) serveOne(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	rows := s.snapshot()
	if err := json.NewEncoder(conn).Encode(rows); err != nil {
		log.Printf("broker: admin server: encode snapshot: %v", err)
	}
}

func (s *AdminServer) snapshot() []PeerSnapshot {
	entries := s.registry.Snapshot()
	rows := make([]PeerSnapshot, 0, len(entries))
	for _, e := range entries {
		inbound, outbound := e.snapshot()
		rows = append(rows, PeerSnapshot{
			PeerID:     e.PeerID.String(),
			Inbound:    inbound != nil,
			Outbound:   outbound != nil,
			QueueLen:   e.Queue.Len(),
			QueueBytes: e.Queue.Bytes(),
		})
	}
	return rows
}

// Close stops accepting new connections and waits for in-flight requests
// to finish.
func (s *AdminServer) Close() {
	s.dieOnce.Do(func() {
		s.listener.Close()
	})
	s.wg.Wait()
}
