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
	"fmt"

	gogoproto "github.com/gogo/protobuf/proto"
	"github.com/google/uuid"

	"github.com/xtaci/blockbroker/internal/protowire"
)

// ChainAdvertisement is an internal-only control message exchanged between
// chained brokers to populate each other's routing tables: "I am
// brokerId, and I currently serve these peerIds as of this epoch." It
// never appears on the client-facing wire protocol.
type ChainAdvertisement struct {
	BrokerID uuid.UUID
	PeerIDs  []uuid.UUID
	Epoch    uint64
}

// Reset implements gogoproto.Message.
func (a *ChainAdvertisement) Reset() { *a = ChainAdvertisement{} }

// String implements gogoproto.Message.
func (a *ChainAdvertisement) String() string {
	return fmt.Sprintf("ChainAdvertisement{BrokerID:%s, %d peers, epoch:%d}", a.BrokerID, len(a.PeerIDs), a.Epoch)
}

// ProtoMessage implements gogoproto.Message.
func (a *ChainAdvertisement) ProtoMessage() {}

// Marshal implements gogoproto.Marshaler with a hand-written protobuf
// wire-format encoding: field 1 is the broker-id bytes, field 2 repeats as
// one length-delimited entry per peer-id, field 3 is the epoch varint.
func (a *ChainAdvertisement) Marshal() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendBytesField(buf, 1, a.BrokerID[:])
	for _, p := range a.PeerIDs {
		pid := p
		buf = protowire.AppendBytesField(buf, 2, pid[:])
	}
	buf = protowire.AppendVarintField(buf, 3, a.Epoch)
	return buf, nil
}

// Unmarshal implements gogoproto.Unmarshaler, the inverse of Marshal.
func (a *ChainAdvertisement) Unmarshal(data []byte) error {
	a.Reset()
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
			if fieldNum == 3 {
				a.Epoch = v
			}
		case protowire.Bytes:
			v, n, err := protowire.DecodeBytes(data)
			if err != nil {
				return err
			}
			data = data[n:]
			switch fieldNum {
			case 1:
				id, err := uuid.FromBytes(v)
				if err != nil {
					return fmt.Errorf("broker: chain advertisement: bad broker id: %w", err)
				}
				a.BrokerID = id
			case 2:
				id, err := uuid.FromBytes(v)
				if err != nil {
					return fmt.Errorf("broker: chain advertisement: bad peer id: %w", err)
				}
				a.PeerIDs = append(a.PeerIDs, id)
			}
		default:
			return fmt.Errorf("broker: chain advertisement: unsupported wire type %d", wireType)
		}
	}
	return nil
}

// MarshalChainAdvertisement and UnmarshalChainAdvertisement are the
// gogo/protobuf entry points used to (de)serialize the control message for
// transport as a Block payload with FlagAdmin set.
func MarshalChainAdvertisement(a *ChainAdvertisement) ([]byte, error) {
	return gogoproto.Marshal(a)
}

func UnmarshalChainAdvertisement(data []byte) (*ChainAdvertisement, error) {
	var a ChainAdvertisement
	if err := gogoproto.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
