// Copyright 2024 Voxmesh, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rtcp implements RTCP packet parsing and serialization for the
// report and feedback types the engine consumes: SR, RR, SDES, BYE
// (RFC 3550) and NACK, PLI, FIR, REMB (RFC 4585 / draft-alvestrand-rmcat-remb).
package rtcp

import (
	"encoding/binary"
	"errors"
)

// Packet types (RFC 3550, RFC 4585).
const (
	TypeSenderReport   uint8 = 200
	TypeReceiverReport uint8 = 201
	TypeSDES           uint8 = 202
	TypeBye            uint8 = 203
	TypeRTPFB          uint8 = 205
	TypePSFB           uint8 = 206
)

// Feedback format values carried in the header count field.
const (
	FormatNACK uint8 = 1
	FormatPLI  uint8 = 1
	FormatFIR  uint8 = 4
	FormatREMB uint8 = 15
)

const (
	headerSize      = 4
	reportBlockSize = 24
	ssrcSize        = 4

	version = 2
)

var (
	ErrPacketTooShort = errors.New("rtcp: packet too short")
	ErrBadVersion     = errors.New("rtcp: unsupported version")
	ErrBadLength      = errors.New("rtcp: length field inconsistent with data")
	ErrUnknownType    = errors.New("rtcp: unknown packet type")
	ErrBadREMB        = errors.New("rtcp: malformed REMB")
	ErrTooManyBlocks  = errors.New("rtcp: too many report blocks")
)

// Packet is one RTCP packet in a compound.
type Packet interface {
	// Marshal serializes the packet including its header.
	Marshal() ([]byte, error)
	unmarshal(header header, body []byte) error
}

// header is the 4-byte RTCP common header. Length is in 32-bit words
// minus one, which callers must respect when chaining compounds.
type header struct {
	Count  uint8 // report count or feedback format
	Type   uint8
	Length uint16
}

func (h header) marshalTo(buf []byte) {
	buf[0] = version<<6 | h.Count&0x1f
	buf[1] = h.Type
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
}

func parseHeader(data []byte) (header, error) {
	if len(data) < headerSize {
		return header{}, ErrPacketTooShort
	}
	if data[0]>>6 != version {
		return header{}, ErrBadVersion
	}
	return header{
		Count:  data[0] & 0x1f,
		Type:   data[1],
		Length: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// ParseCompound splits and decodes a compound RTCP datagram.
func ParseCompound(data []byte) ([]Packet, error) {
	var packets []Packet
	for len(data) > 0 {
		h, err := parseHeader(data)
		if err != nil {
			return nil, err
		}
		size := headerSize * (int(h.Length) + 1)
		if size > len(data) {
			return nil, ErrBadLength
		}
		body := data[headerSize:size]

		var p Packet
		switch h.Type {
		case TypeSenderReport:
			p = &SenderReport{}
		case TypeReceiverReport:
			p = &ReceiverReport{}
		case TypeSDES:
			p = &SourceDescription{}
		case TypeBye:
			p = &Goodbye{}
		case TypeRTPFB:
			switch h.Count {
			case FormatNACK:
				p = &Nack{}
			default:
				data = data[size:]
				continue
			}
		case TypePSFB:
			switch h.Count {
			case FormatPLI:
				p = &PictureLossIndication{}
			case FormatFIR:
				p = &FullIntraRequest{}
			case FormatREMB:
				p = &ReceiverEstimatedMaxBitrate{}
			default:
				data = data[size:]
				continue
			}
		default:
			return nil, ErrUnknownType
		}
		if err := p.unmarshal(h, body); err != nil {
			return nil, err
		}
		packets = append(packets, p)
		data = data[size:]
	}
	return packets, nil
}

// MarshalCompound serializes packets back to back into one datagram.
func MarshalCompound(packets []Packet) ([]byte, error) {
	var out []byte
	for _, p := range packets {
		raw, err := p.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, raw...)
	}
	return out, nil
}

func lengthInWords(bodySize int) uint16 {
	return uint16((headerSize+bodySize)/4 - 1)
}
