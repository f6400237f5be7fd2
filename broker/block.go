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
	"encoding/binary"
	"hash/crc32"
	"io"
)

const (
	// FrameMagic identifies a valid block header.
	FrameMagic uint32 = 0xBA5E10B1

	// ProtocolVersionMajor and ProtocolVersionMinor are the only wire
	// version this codec accepts.
	ProtocolVersionMajor uint8 = 1
	ProtocolVersionMinor uint8 = 0

	// HeaderSize is the fixed size in bytes of the frame header.
	HeaderSize = 32

	// FlagForwarded marks a block that has already traversed one broker
	// chain hop.
	FlagForwarded uint16 = 1 << 0
	// FlagHeartbeat marks a heartbeat frame.
	FlagHeartbeat uint16 = 1 << 1
	// FlagAdmin marks an administrative frame.
	FlagAdmin uint16 = 1 << 2

	// DefaultMaxEnvelopeLength is the default cap on header.EnvelopeLength.
	DefaultMaxEnvelopeLength = 1 << 20 // 1 MiB
	// DefaultMaxPayloadLength is the default cap on header.PayloadLength.
	DefaultMaxPayloadLength = 16 << 20 // 16 MiB
)

// Header is the fixed 32-byte frame header that precedes every envelope
// on the wire.
type Header struct {
	Magic          uint32
	VersionMajor   uint8
	VersionMinor   uint8
	Flags          uint16
	EnvelopeLength uint32
	PayloadLength  uint64
	MessageIDHash  uint64
	CRC32          uint32
}

// Block is an immutable, fully-validated frame: header plus the raw envelope
// and payload bytes that follow it on the wire. A consumer only ever
// receives a Block that has already passed CRC and length checks.
type Block struct {
	Header   Header
	Envelope []byte
	Payload  []byte
}

// Codec encodes and decodes Blocks against configured size limits.
type Codec struct {
	MaxEnvelopeLength uint32
	MaxPayloadLength  uint64
}

// NewCodec returns a Codec with the package's default size limits.
func NewCodec() *Codec {
	return &Codec{
		MaxEnvelopeLength: DefaultMaxEnvelopeLength,
		MaxPayloadLength:  DefaultMaxPayloadLength,
	}
}

func headerCRC(buf [HeaderSize]byte) uint32 {
	return crc32.ChecksumIEEE(buf[:28])
}

func encodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.VersionMajor
	buf[5] = h.VersionMinor
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.EnvelopeLength)
	binary.BigEndian.PutUint64(buf[12:20], h.PayloadLength)
	binary.BigEndian.PutUint64(buf[20:28], h.MessageIDHash)
	binary.BigEndian.PutUint32(buf[28:32], headerCRC(buf))
	return buf
}

func decodeHeader(buf [HeaderSize]byte) Header {
	var h Header
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.VersionMajor = buf[4]
	h.VersionMinor = buf[5]
	h.Flags = binary.BigEndian.Uint16(buf[6:8])
	h.EnvelopeLength = binary.BigEndian.Uint32(buf[8:12])
	h.PayloadLength = binary.BigEndian.Uint64(buf[12:20])
	h.MessageIDHash = binary.BigEndian.Uint64(buf[20:28])
	h.CRC32 = binary.BigEndian.Uint32(buf[28:32])
	return h
}

// Encode assembles header+envelope+payload into a single contiguous byte
// slice so the caller can submit it as one atomic write (no partial frame is
// ever observable to the peer).
func (c *Codec) Encode(flags uint16, messageIDHash uint64, envelope, payload []byte) ([]byte, error) {
	if uint32(len(envelope)) > c.maxEnvelopeLength() {
		return nil, ErrEnvelopeTooLarge
	}
	if uint64(len(payload)) > c.maxPayloadLength() {
		return nil, ErrPayloadTooLarge
	}

	h := Header{
		Magic:          FrameMagic,
		VersionMajor:   ProtocolVersionMajor,
		VersionMinor:   ProtocolVersionMinor,
		Flags:          flags,
		EnvelopeLength: uint32(len(envelope)),
		PayloadLength:  uint64(len(payload)),
		MessageIDHash:  messageIDHash,
	}
	hdr := encodeHeader(h)

	out := make([]byte, 0, HeaderSize+len(envelope)+len(payload))
	out = append(out, hdr[:]...)
	out = append(out, envelope...)
	out = append(out, payload...)
	return out, nil
}

// ReadOne reads exactly one Block from r, or returns a typed error. The
// caller never observes a partially-decoded Block.
func (c *Codec) ReadOne(r io.Reader) (*Block, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, err
	}

	h := decodeHeader(hdrBuf)
	if h.Magic != FrameMagic {
		return nil, ErrBadMagic
	}
	if h.VersionMajor != ProtocolVersionMajor {
		return nil, ErrBadVersion
	}
	if headerCRC(hdrBuf) != h.CRC32 {
		return nil, ErrHeaderCRC
	}
	if h.EnvelopeLength > c.maxEnvelopeLength() {
		return nil, ErrEnvelopeTooLarge
	}
	if h.PayloadLength > c.maxPayloadLength() {
		return nil, ErrPayloadTooLarge
	}

	envelope := make([]byte, h.EnvelopeLength)
	if _, err := io.ReadFull(r, envelope); err != nil {
		return nil, err
	}

	payload := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Block{Header: h, Envelope: envelope, Payload: payload}, nil
}

// WriteOne encodes and writes a single frame in one Write call.
func (c *Codec) WriteOne(w io.Writer, flags uint16, messageIDHash uint64, envelope, payload []byte) error {
	out, err := c.Encode(flags, messageIDHash, envelope, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (c *Codec) maxEnvelopeLength() uint32 {
	if c.MaxEnvelopeLength == 0 {
		return DefaultMaxEnvelopeLength
	}
	return c.MaxEnvelopeLength
}

func (c *Codec) maxPayloadLength() uint64 {
	if c.MaxPayloadLength == 0 {
		return DefaultMaxPayloadLength
	}
	return c.MaxPayloadLength
}
