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

	"github.com/google/uuid"
)

// MessageType enumerates the envelope's messageType field.
type MessageType string

const (
	MessageTypeAsyncRPCRequest  MessageType = "AsyncRpcRequest"
	MessageTypeAsyncRPCResponse MessageType = "AsyncRpcResponse"
	MessageTypeNotification     MessageType = "Notification"
	MessageTypeHeartbeat        MessageType = "Heartbeat"
	MessageTypeAdminFlush       MessageType = "AdminFlush"
	// MessageTypeChunkPut, MessageTypeChunkGet, and MessageTypeChunkRemove
	// route to the Chunk Storage Adapter instead of peer relay; they carry
	// sessionId and chunkId rather than a targetPeerId.
	MessageTypeChunkPut    MessageType = "ChunkPut"
	MessageTypeChunkGet    MessageType = "ChunkGet"
	MessageTypeChunkRemove MessageType = "ChunkRemove"
)

// AuthenticationToken carries the opaque token type and data the client
// presents for authorization.
type AuthenticationToken struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// PrincipalIdentityInfo wraps the authentication token field of the
// envelope.
type PrincipalIdentityInfo struct {
	AuthenticationToken AuthenticationToken `json:"authenticationToken"`
}

// RPCResult carries a response's error code, mirroring
// AsyncRpcResponse.result.errorCode on the wire.
type RPCResult struct {
	ErrorCode int    `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Envelope is the structured JSON/UTF-8 document carried after the frame
// header.
type Envelope struct {
	MessageType           MessageType           `json:"messageType"`
	MessageID             uuid.UUID             `json:"messageId"`
	ConversationID        uuid.UUID             `json:"conversationId"`
	SourcePeerID          uuid.UUID             `json:"sourcePeerId"`
	TargetPeerID          uuid.UUID             `json:"targetPeerId"`
	PrincipalIdentityInfo PrincipalIdentityInfo `json:"principalIdentityInfo"`
	PayloadSize           int                   `json:"payloadSize,omitempty"`
	Result                *RPCResult            `json:"result,omitempty"`
	SessionID             string                `json:"sessionId,omitempty"`
	ChunkID                string                `json:"chunkId,omitempty"`
}

// MarshalEnvelope JSON-encodes an envelope for framing.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes envelope bytes, returning
// ErrCodeProtocolValidationFailed-worthy errors on malformed input or
// missing required fields.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := validateEnvelope(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func validateEnvelope(e *Envelope) error {
	switch e.MessageType {
	case MessageTypeAsyncRPCRequest, MessageTypeAsyncRPCResponse, MessageTypeNotification,
		MessageTypeHeartbeat, MessageTypeAdminFlush,
		MessageTypeChunkPut, MessageTypeChunkGet, MessageTypeChunkRemove:
	default:
		return ErrProtocolValidation("unknown messageType")
	}
	if e.MessageID == uuid.Nil {
		return ErrProtocolValidation("missing messageId")
	}
	if e.SourcePeerID == uuid.Nil {
		return ErrProtocolValidation("missing sourcePeerId")
	}
	if isChunkOperation(e.MessageType) {
		if e.SessionID == "" || e.ChunkID == "" {
			return ErrProtocolValidation("missing sessionId/chunkId for chunk operation")
		}
		return nil
	}
	// targetPeerId is not required for Heartbeat frames.
	if e.MessageType != MessageTypeHeartbeat && e.TargetPeerID == uuid.Nil {
		return ErrProtocolValidation("missing targetPeerId")
	}
	return nil
}

// isChunkOperation reports whether mt routes to the Chunk Storage Adapter
// rather than peer relay.
func isChunkOperation(mt MessageType) bool {
	return mt == MessageTypeChunkPut || mt == MessageTypeChunkGet || mt == MessageTypeChunkRemove
}

// protocolValidationError is a typed error the dispatcher maps directly to
// ErrCodeProtocolValidationFailed.
type protocolValidationError struct{ msg string }

func (e protocolValidationError) Error() string { return "broker: protocol validation: " + e.msg }

// ErrProtocolValidation constructs a protocol validation error carrying msg.
func ErrProtocolValidation(msg string) error { return protocolValidationError{msg: msg} }

// IsProtocolValidation reports whether err is a protocol validation error.
func IsProtocolValidation(err error) bool {
	_, ok := err.(protocolValidationError)
	return ok
}

// messageIDHash returns the first 8 bytes of the messageId UUID, big-endian,
// for the header's MessageIdHash field.
func messageIDHash(id uuid.UUID) uint64 {
	b := id[:8]
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}
