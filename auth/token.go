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

package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec"
	gogoproto "github.com/gogo/protobuf/proto"

	"github.com/xtaci/blockbroker/internal/protowire"
)

// DefaultCurve is the elliptic curve used to sign and verify reference
// tokens.
var DefaultCurve elliptic.Curve = btcec.S256()

// signaturePrefix is hashed ahead of every signed token as a domain
// separator, so a signature over one message type can never be replayed
// as a signature over another.
const signaturePrefix = "===blockbroker signed token===\n"

// ErrBadSignature is returned when a token's embedded signature does not
// verify against its embedded public key.
var ErrBadSignature = errors.New("auth: bad token signature")

// ErrUntrustedKey is returned when a token's embedded public key is not a
// member of the configured trusted root set.
var ErrUntrustedKey = errors.New("auth: signing key is not a trusted root")

// ErrTokenExpired is returned when a token's claims have already expired.
var ErrTokenExpired = errors.New("auth: token expired")

// SignedToken is the reference wire format for the ECDSA-signed tokens this
// package's reference Callback validates. Its Marshal/Unmarshal methods are
// a hand-written protobuf-wire-compatible encoding (no .proto file or
// generator is available here, so the generated-code shape is reproduced
// by hand).
type SignedToken struct {
	Version uint32
	X       []byte
	Y       []byte
	R       []byte
	S       []byte
	Message []byte // JSON-encoded Claims
}

// Reset implements gogoproto.Message.
func (t *SignedToken) Reset() { *t = SignedToken{} }

// String implements gogoproto.Message.
func (t *SignedToken) String() string {
	return fmt.Sprintf("SignedToken{Version:%d, len(Message):%d}", t.Version, len(t.Message))
}

// ProtoMessage implements gogoproto.Message.
func (t *SignedToken) ProtoMessage() {}

// Marshal implements gogoproto.Marshaler with a hand-written protobuf
// wire-format encoding (field 1 varint, fields 2-6 length-delimited bytes).
func (t *SignedToken) Marshal() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendVarintField(buf, 1, uint64(t.Version))
	buf = protowire.AppendBytesField(buf, 2, t.X)
	buf = protowire.AppendBytesField(buf, 3, t.Y)
	buf = protowire.AppendBytesField(buf, 4, t.R)
	buf = protowire.AppendBytesField(buf, 5, t.S)
	buf = protowire.AppendBytesField(buf, 6, t.Message)
	return buf, nil
}

// Unmarshal implements gogoproto.Unmarshaler, the inverse of Marshal.
func (t *SignedToken) Unmarshal(data []byte) error {
	t.Reset()
	for len(data) > 0 {
		fieldNum, wireType, n, err := protowire.DecodeTag(data)
		if err != nil {
			return err
		}
		data = data[n:]

		switch wireType {
		case protowire.Varint:
			v, n, err := protowire.DecodeVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			if fieldNum == 1 {
				t.Version = uint32(v)
			}
		case protowire.Bytes:
			v, n, err := protowire.DecodeBytes(data)
			if err != nil {
				return err
			}
			data = data[n:]
			switch fieldNum {
			case 2:
				t.X = v
			case 3:
				t.Y = v
			case 4:
				t.R = v
			case 5:
				t.S = v
			case 6:
				t.Message = v
			}
		default:
			return fmt.Errorf("auth: unsupported wire type %d", wireType)
		}
	}
	return nil
}

// Claims is the JSON document carried in SignedToken.Message.
type Claims struct {
	PrincipalID string            `json:"principalId"`
	SecurityID  string            `json:"securityId"`
	Attributes  map[string]string `json:"attributes"`
	TTLSeconds  int64             `json:"ttlSeconds"`
}

// hash computes the signed digest: sha256(prefix || version || X || Y ||
// len(message) || message).
func (t *SignedToken) hash() [32]byte {
	h := sha256.New()
	h.Write([]byte(signaturePrefix))
	binary.Write(h, binary.LittleEndian, t.Version)
	h.Write(t.X)
	h.Write(t.Y)
	binary.Write(h, binary.LittleEndian, uint32(len(t.Message)))
	h.Write(t.Message)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignToken signs claims with privateKey, returning the marshaled token
// bytes ready to place in an envelope's authenticationToken.data field.
func SignToken(privateKey *ecdsa.PrivateKey, claims Claims) ([]byte, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}

	t := &SignedToken{
		Version: 1,
		X:       privateKey.PublicKey.X.Bytes(),
		Y:       privateKey.PublicKey.Y.Bytes(),
		Message: body,
	}
	digest := t.hash()
	r, s, err := ecdsa.Sign(rand.Reader, privateKey, digest[:])
	if err != nil {
		return nil, err
	}
	t.R = r.Bytes()
	t.S = s.Bytes()

	return gogoproto.Marshal(t)
}

// verify checks the embedded signature against the embedded public key.
func (t *SignedToken) verify() bool {
	pub := &ecdsa.PublicKey{
		Curve: DefaultCurve,
		X:     new(big.Int).SetBytes(t.X),
		Y:     new(big.Int).SetBytes(t.Y),
	}
	digest := t.hash()
	r := new(big.Int).SetBytes(t.R)
	s := new(big.Int).SetBytes(t.S)
	return ecdsa.Verify(pub, digest[:], r, s)
}

// StaticRootValidator is a reference Callback implementation: it decodes a
// token as a SignedToken, verifies its signature, checks the signer's
// public key against a fixed trusted-root set, and returns the embedded
// claims as a Principal. Real deployments are expected to supply their own
// Callback against whatever external identity provider issues tokens;
// this one exists to exercise the broker end-to-end without one.
type StaticRootValidator struct {
	roots map[string]struct{}
}

// NewStaticRootValidator builds a validator trusting exactly the given
// public keys.
func NewStaticRootValidator(roots []*ecdsa.PublicKey) *StaticRootValidator {
	set := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		set[rootKey(r)] = struct{}{}
	}
	return &StaticRootValidator{roots: set}
}

func rootKey(pub *ecdsa.PublicKey) string {
	return string(pub.X.Bytes()) + "|" + string(pub.Y.Bytes())
}

// Validate implements Callback.
func (v *StaticRootValidator) Validate(_ context.Context, token Token, now time.Time) (*Principal, error) {
	var st SignedToken
	if err := gogoproto.Unmarshal(token.Data, &st); err != nil {
		return nil, fmt.Errorf("auth: decode token: %w", err)
	}

	if !st.verify() {
		return nil, ErrBadSignature
	}

	key := string(st.X) + "|" + string(st.Y)
	if _, ok := v.roots[key]; !ok {
		return nil, ErrUntrustedKey
	}

	var claims Claims
	if err := json.Unmarshal(st.Message, &claims); err != nil {
		return nil, fmt.Errorf("auth: decode claims: %w", err)
	}

	expiresAt := now.Add(time.Duration(claims.TTLSeconds) * time.Second)
	if !expiresAt.After(now) {
		return nil, ErrTokenExpired
	}

	return &Principal{
		PrincipalID: claims.PrincipalID,
		SecurityID:  claims.SecurityID,
		Attributes:  claims.Attributes,
		ExpiresAt:   expiresAt,
	}, nil
}
