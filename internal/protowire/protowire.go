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

// Package protowire provides the minimal protobuf wire-format primitives
// needed by this repo's hand-written Marshal/Unmarshal methods (auth's
// SignedToken, broker's ChainAdvertisement) — the generated-code shape
// gogo/protobuf and golang/protobuf would otherwise produce from a .proto
// file, reproduced by hand since no protoc invocation is available here.
package protowire

import "errors"

const (
	Varint = 0
	Bytes  = 2
)

// ErrTruncated is returned when a buffer ends in the middle of a field.
var ErrTruncated = errors.New("protowire: truncated input")

// AppendVarint appends v as a base-128 varint.
func AppendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// AppendTag appends the (fieldNumber, wireType) tag varint.
func AppendTag(buf []byte, fieldNumber int, wireType int) []byte {
	return AppendVarint(buf, uint64(fieldNumber)<<3|uint64(wireType))
}

// AppendVarintField appends a complete varint field (tag + value).
func AppendVarintField(buf []byte, fieldNumber int, v uint64) []byte {
	buf = AppendTag(buf, fieldNumber, Varint)
	return AppendVarint(buf, v)
}

// AppendBytesField appends a complete length-delimited field (tag + length
// + bytes). A nil/empty value is omitted entirely, matching proto3's
// default-value-is-not-serialized convention.
func AppendBytesField(buf []byte, fieldNumber int, v []byte) []byte {
	if len(v) == 0 {
		return buf
	}
	buf = AppendTag(buf, fieldNumber, Bytes)
	buf = AppendVarint(buf, uint64(len(v)))
	return append(buf, v...)
}

// DecodeVarint reads a varint from the front of data, returning its value
// and the number of bytes consumed.
func DecodeVarint(data []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(data); i++ {
		b := data[i]
		v |= uint64(b&0x7f) << (7 * uint(i))
		if b < 0x80 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrTruncated
}

// DecodeTag reads a (fieldNumber, wireType) tag from the front of data.
func DecodeTag(data []byte) (fieldNumber int, wireType int, n int, err error) {
	v, n, err := DecodeVarint(data)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(v >> 3), int(v & 0x7), n, nil
}

// DecodeBytes reads a length-delimited value from the front of data,
// returning the value and the total number of bytes consumed (length
// prefix + payload).
func DecodeBytes(data []byte) ([]byte, int, error) {
	length, n, err := DecodeVarint(data)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(data) {
		return nil, 0, ErrTruncated
	}
	out := make([]byte, length)
	copy(out, data[n:end])
	return out, end, nil
}
