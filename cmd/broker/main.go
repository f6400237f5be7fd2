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

package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/xtaci/blockbroker/auth"
	"github.com/xtaci/blockbroker/broker"
)

func main() {
	app := &cli.App{
		Name:                 "blockbroker",
		Usage:                "run and administer a TLS-terminating peer message broker",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			runCommand(),
			issueTokenCommand(),
			genKeyCommand(),
			inspectCommand(),
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the broker server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "inbound-port",
				Value: strconv.Itoa(broker.DefaultInboundPort),
				Usage: "client-facing listening port",
			},
			&cli.StringFlag{
				Name:  "outbound-port",
				Usage: "peer-serving listening port (default: inbound-port + 1)",
			},
			&cli.StringFlag{
				Name:     "private-key-file",
				Required: true,
				Usage:    "PEM-encoded ECDSA private key for the TLS certificate",
			},
			&cli.StringFlag{
				Name:     "certificate-file",
				Required: true,
				Usage:    "PEM-encoded TLS certificate chain",
			},
			&cli.StringFlag{
				Name:  "authorization-config-file",
				Usage: "JSON file listing trusted root public keys for the reference authorization callback",
			},
			&cli.IntFlag{
				Name:  "processing-threads-count",
				Value: broker.DefaultProcessingThreads,
				Usage: "worker count for the general-purpose task pool",
			},
			&cli.StringFlag{
				Name:  "max-outstanding-operations",
				Value: bytefmt.ByteSize(broker.DefaultMaxOutstandingOperations),
				Usage: "queue depth bound per scheduler pool (accepts byte-size suffixes, interpreted as a count)",
			},
			&cli.StringSliceFlag{
				Name:  "proxy-endpoints",
				Usage: "address[,brokerId] of a next-hop broker to chain to; repeatable",
			},
			&cli.StringFlag{
				Name:  "verify-root-ca",
				Usage: "PEM-encoded CA bundle used to verify chained-broker and client certificates",
			},
			&cli.StringFlag{
				Name:  "admin-socket",
				Usage: "Unix domain socket path to expose a peer snapshot on, for the inspect command",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cert, err := tls.LoadX509KeyPair(c.String("certificate-file"), c.String("private-key-file"))
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if ca := c.String("verify-root-ca"); ca != "" {
		pool, err := loadCertPool(ca)
		if err != nil {
			return fmt.Errorf("load root ca: %w", err)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.RootCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	callback, err := loadAuthCallback(c.String("authorization-config-file"))
	if err != nil {
		return err
	}
	cache, err := auth.NewCache(callback, 0, 0)
	if err != nil {
		return fmt.Errorf("build authorization cache: %w", err)
	}

	maxOutstanding, err := parseCount(c.String("max-outstanding-operations"), broker.DefaultMaxOutstandingOperations)
	if err != nil {
		return err
	}

	proxies, err := parseProxyEndpoints(c.StringSlice("proxy-endpoints"))
	if err != nil {
		return err
	}

	cfg := &broker.Config{
		InboundAddr:              ":" + c.String("inbound-port"),
		OutboundAddr:             outboundAddr(c.String("outbound-port")),
		TLSConfig:                tlsConfig,
		BrokerID:                 uuid.New(),
		ProxyEndpoints:           proxies,
		ProcessingThreads:        c.Int("processing-threads-count"),
		MaxOutstandingOperations: maxOutstanding,
		AdminSocket:              c.String("admin-socket"),
	}

	b, err := broker.NewBroker(cfg, cache)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("broker: shutdown signal received, draining")
		cancel()
	}()

	log.Printf("broker: listening inbound=%s outbound=%s", cfg.InboundAddr, cfg.OutboundAddr)
	return b.Run(ctx)
}

func outboundAddr(port string) string {
	if port == "" {
		return ""
	}
	return ":" + port
}

func parseCount(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", s, err)
	}
	return int(n), nil
}

func parseProxyEndpoints(raw []string) ([]broker.ProxyEndpoint, error) {
	out := make([]broker.ProxyEndpoint, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, ",", 2)
		ep := broker.ProxyEndpoint{Address: parts[0]}
		if len(parts) == 2 {
			id, err := uuid.Parse(parts[1])
			if err != nil {
				return nil, fmt.Errorf("parse proxy endpoint broker id %q: %w", parts[1], err)
			}
			ep.BrokerID = id
		}
		out = append(out, ep)
	}
	return out, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates found in CA bundle")
	}
	return pool, nil
}

// trustedRootsFile is the JSON document format accepted by
// --authorization-config-file: a list of PEM-encoded ECDSA public keys
// trusted to sign reference tokens.
type trustedRootsFile struct {
	TrustedRootKeysPEM []string `json:"trustedRootKeysPem"`
}

func loadAuthCallback(path string) (auth.Callback, error) {
	if path == "" {
		return nil, errors.New("--authorization-config-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorization config: %w", err)
	}
	var doc trustedRootsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse authorization config: %w", err)
	}

	roots := make([]*ecdsa.PublicKey, 0, len(doc.TrustedRootKeysPEM))
	for _, pemStr := range doc.TrustedRootKeysPEM {
		block, _ := pem.Decode([]byte(pemStr))
		if block == nil {
			return nil, errors.New("authorization config: invalid PEM block")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("authorization config: parse public key: %w", err)
		}
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.New("authorization config: only ECDSA public keys are supported")
		}
		roots = append(roots, ecPub)
	}

	return auth.NewStaticRootValidator(roots), nil
}

func issueTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "issue-token",
		Usage: "sign a reference authorization token for a principal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "private-key-file",
				Required: true,
				Usage:    "PEM-encoded ECDSA private key to sign with",
			},
			&cli.StringFlag{
				Name:     "principal-id",
				Required: true,
			},
			&cli.StringFlag{
				Name: "security-id",
			},
			&cli.StringFlag{
				Name:  "scopes",
				Usage: "comma-separated scopes to embed (e.g. admin)",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Value: time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			priv, err := loadPrivateKey(c.String("private-key-file"))
			if err != nil {
				return err
			}

			claims := auth.Claims{
				PrincipalID: c.String("principal-id"),
				SecurityID:  c.String("security-id"),
				Attributes:  map[string]string{"scopes": c.String("scopes")},
				TTLSeconds:  int64(c.Duration("ttl").Seconds()),
			}

			tokenBytes, err := auth.SignToken(priv, claims)
			if err != nil {
				return err
			}

			fmt.Println(pemEncodeToken(tokenBytes))
			return nil
		},
	}
}

func loadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid PEM private key file")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func pemEncodeToken(tokenBytes []byte) string {
	block := &pem.Block{Type: "BLOCKBROKER SIGNED TOKEN", Bytes: tokenBytes}
	return string(pem.EncodeToMemory(block))
}

// genKeyCommand is kept for operators bootstrapping a broker's own TLS
// identity ad hoc; issue-token and run both expect PEM files already on
// disk, produced however the deployment's own PKI does so.
func genKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate-key",
		Usage: "generate an ECDSA P-256 private key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Value: "./broker.key",
			},
		},
		Action: func(c *cli.Context) error {
			priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return err
			}
			der, err := x509.MarshalECPrivateKey(priv)
			if err != nil {
				return err
			}
			file, err := os.Create(c.String("out"))
			if err != nil {
				return err
			}
			defer file.Close()
			return pem.Encode(file, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "print a snapshot of registered peers from a running broker's admin socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "admin-socket",
				Required: true,
				Usage:    "unix socket path exposing the broker's diagnostic snapshot",
			},
		},
		Action: func(c *cli.Context) error {
			rows, err := fetchPeerSnapshot(c.String("admin-socket"))
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Peer ID", "Inbound", "Outbound", "Queue Len", "Queue Bytes"})
			for _, r := range rows {
				table.Append([]string{
					r.PeerID,
					strconv.FormatBool(r.Inbound),
					strconv.FormatBool(r.Outbound),
					strconv.Itoa(r.QueueLen),
					bytefmt.ByteSize(r.QueueBytes),
				})
			}
			table.Render()
			return nil
		},
	}
}

// fetchPeerSnapshot dials a running broker's admin socket and decodes the
// single JSON array it replies with.
func fetchPeerSnapshot(socketPath string) ([]broker.PeerSnapshot, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial admin socket: %w", err)
	}
	defer conn.Close()

	var rows []broker.PeerSnapshot
	if err := json.NewDecoder(conn).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode peer snapshot: %w", err)
	}
	return rows, nil
}
