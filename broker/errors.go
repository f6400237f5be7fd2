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

import "errors"

// ErrorCode is the stable numeric code carried in an AsyncRpcResponse's
// result.errorCode field.
type ErrorCode int

const (
	// ErrCodeAuthorizationFailed means the token was invalid, expired, or
	// lacked the required scope.
	ErrCodeAuthorizationFailed ErrorCode = 13
	// ErrCodeProtocolValidationFailed means the frame or envelope was
	// malformed.
	ErrCodeProtocolValidationFailed ErrorCode = 22
	// ErrCodeTargetPeerNotFound means no local or chained route to the
	// target peer-id exists.
	ErrCodeTargetPeerNotFound ErrorCode = 99
	// ErrCodeTargetPeerQueueFull means the target's outbound queue exceeded
	// its configured bounds.
	ErrCodeTargetPeerQueueFull ErrorCode = 105
	// ErrCodeServerError is any unhandled internal failure; the connection
	// is closed after this response is sent.
	ErrCodeServerError ErrorCode = 500
	// ErrCodeStorageFailed means a chunk put/get/remove failed against the
	// storage backend (including not-found and flush-aborted); the
	// connection stays open, as this is surfaced to the requesting client
	// only.
	ErrCodeStorageFailed ErrorCode = 60
)

var (
	// ErrListenerNotSpecified is returned by NewAcceptor when it is given no
	// listener.
	ErrListenerNotSpecified = errors.New("broker: listener not specified")
	// ErrPeerExists names a peer-id already bound on a direction. No
	// function in this package returns it: registering a second connection
	// on a direction supersedes the first instead.
	ErrPeerExists = errors.New("broker: peer already registered on this direction")
	// ErrClosed names an operation attempted after Close. No function in
	// this package returns it; work cut short by a close completes with
	// ErrOperationAborted.
	ErrClosed = errors.New("broker: closed")
	// ErrOperationAborted is the completion error delivered to queued and
	// in-flight work when a connection drains or the broker shuts down.
	ErrOperationAborted = errors.New("broker: operation aborted")
	// ErrHeaderCRC is returned by the block codec when the header CRC32
	// does not verify.
	ErrHeaderCRC = errors.New("broker: header crc mismatch")
	// ErrBadMagic is returned by the block codec when the frame magic does
	// not match the expected constant.
	ErrBadMagic = errors.New("broker: bad frame magic")
	// ErrBadVersion is returned by the block codec when the frame's wire
	// version is not supported.
	ErrBadVersion = errors.New("broker: unsupported protocol version")
	// ErrEnvelopeTooLarge is returned when the header-declared envelope
	// length exceeds the configured maximum.
	ErrEnvelopeTooLarge = errors.New("broker: envelope length exceeds maximum")
	// ErrPayloadTooLarge is returned when the header-declared payload
	// length exceeds the configured maximum.
	ErrPayloadTooLarge = errors.New("broker: payload length exceeds maximum")
	// ErrIdleTimeout is the close reason used when two heartbeats are
	// missed in a row.
	ErrIdleTimeout = errors.New("broker: idle timeout")
	// ErrQueueFull names a per-peer queue whose bound would be exceeded.
	// TryEnqueue reports that case by returning false, not this error.
	ErrQueueFull = errors.New("broker: per-peer queue full")
	// ErrAlreadyBound is returned when a connection's source-peer-id is
	// re-bound to a different peer-id mid-connection.
	ErrAlreadyBound = errors.New("broker: connection already bound to a different peer-id")
	// ErrChainDepthExceeded names a block that already carries the
	// forwarded flag. No function in this package returns it: the
	// dispatcher rejects such a block with ErrCodeTargetPeerNotFound when
	// its target is not local.
	ErrChainDepthExceeded = errors.New("broker: chain forwarding depth exceeded")
	// ErrNotAuthorized is the generic authorization-callback failure.
	ErrNotAuthorized = errors.New("broker: authorization failed")
)

// String renders the error code the way it is logged and compared in tests.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeAuthorizationFailed:
		return "AuthorizationFailed"
	case ErrCodeProtocolValidationFailed:
		return "ProtocolValidationFailed"
	case ErrCodeTargetPeerNotFound:
		return "TargetPeerNotFound"
	case ErrCodeStorageFailed:
		return "StorageFailed"
	case ErrCodeTargetPeerQueueFull:
		return "TargetPeerQueueFull"
	default:
		return "ServerError"
	}
}
