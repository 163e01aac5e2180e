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

// Package rtp implements RTP packet parsing and serialization (RFC 3550).
package rtp

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the fixed RTP header size without CSRCs or extension.
	HeaderSize = 12

	// Version is the only RTP version accepted on the wire.
	Version = 2

	ssrcOffset = 8
)

var (
	ErrPacketTooShort  = errors.New("rtp: packet too short")
	ErrBadVersion      = errors.New("rtp: unsupported version")
	ErrInvalidPadding  = errors.New("rtp: invalid padding length")
	ErrShortExtension  = errors.New("rtp: truncated header extension")
	ErrTooManyCSRC     = errors.New("rtp: csrc count exceeds limit")
	ErrExtensionLength = errors.New("rtp: extension data not 32-bit aligned")
)

// Extension is a one-shot RTP header extension (RFC 3550 §5.3.1).
type Extension struct {
	Profile uint16
	Data    []byte
}

// Header is the RTP fixed header plus CSRC list and optional extension.
type Header struct {
	Padding     bool
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	CSRC        []uint32
	Extension   *Extension
}

// Packet is a parsed RTP packet. Payload aliases the input buffer on parse.
type Packet struct {
	Header  Header
	Payload []byte
}

// MarshalSize returns the serialized header size in bytes.
func (h *Header) MarshalSize() int {
	size := HeaderSize + 4*len(h.CSRC)
	if h.Extension != nil {
		size += 4 + len(h.Extension.Data)
	}
	return size
}

// Parse decodes an RTP packet. The returned packet borrows from data;
// callers that retain it past the ingress call must copy.
func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrPacketTooShort
	}
	if data[0]>>6 != Version {
		return nil, ErrBadVersion
	}

	var p Packet
	p.Header.Padding = data[0]&0x20 != 0
	hasExtension := data[0]&0x10 != 0
	csrcCount := int(data[0] & 0x0f)
	p.Header.Marker = data[1]&0x80 != 0
	p.Header.PayloadType = data[1] & 0x7f
	p.Header.Sequence = binary.BigEndian.Uint16(data[2:4])
	p.Header.Timestamp = binary.BigEndian.Uint32(data[4:8])
	p.Header.SSRC = binary.BigEndian.Uint32(data[8:12])

	offset := HeaderSize
	if len(data) < offset+4*csrcCount {
		return nil, ErrPacketTooShort
	}
	if csrcCount > 0 {
		p.Header.CSRC = make([]uint32, csrcCount)
		for i := 0; i < csrcCount; i++ {
			p.Header.CSRC[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}
	}

	if hasExtension {
		if len(data) < offset+4 {
			return nil, ErrShortExtension
		}
		profile := binary.BigEndian.Uint16(data[offset : offset+2])
		words := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if len(data) < offset+4*words {
			return nil, ErrShortExtension
		}
		p.Header.Extension = &Extension{
			Profile: profile,
			Data:    data[offset : offset+4*words],
		}
		offset += 4 * words
	}

	payloadEnd := len(data)
	if p.Header.Padding {
		if payloadEnd == offset {
			return nil, ErrInvalidPadding
		}
		pad := int(data[payloadEnd-1])
		if pad == 0 || offset+pad > payloadEnd {
			return nil, ErrInvalidPadding
		}
		payloadEnd -= pad
	}
	p.Payload = data[offset:payloadEnd]
	return &p, nil
}

// Marshal serializes the packet. A padded packet is re-emitted with the
// padding bit set and a minimal one-byte pad, so parse(marshal(p)) == p.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Header.CSRC) > 15 {
		return nil, ErrTooManyCSRC
	}
	if p.Header.Extension != nil && len(p.Header.Extension.Data)%4 != 0 {
		return nil, ErrExtensionLength
	}

	padLen := 0
	if p.Header.Padding {
		padLen = 1
	}
	buf := make([]byte, p.Header.MarshalSize()+len(p.Payload)+padLen)
	buf[0] = Version << 6
	if p.Header.Padding {
		buf[0] |= 0x20
	}
	if p.Header.Extension != nil {
		buf[0] |= 0x10
	}
	buf[0] |= uint8(len(p.Header.CSRC))
	buf[1] = p.Header.PayloadType & 0x7f
	if p.Header.Marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], p.Header.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], p.Header.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.Header.SSRC)

	offset := HeaderSize
	for _, csrc := range p.Header.CSRC {
		binary.BigEndian.PutUint32(buf[offset:offset+4], csrc)
		offset += 4
	}
	if ext := p.Header.Extension; ext != nil {
		binary.BigEndian.PutUint16(buf[offset:offset+2], ext.Profile)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(ext.Data)/4))
		offset += 4
		copy(buf[offset:], ext.Data)
		offset += len(ext.Data)
	}
	copy(buf[offset:], p.Payload)
	if padLen > 0 {
		buf[len(buf)-1] = byte(padLen)
	}
	return buf, nil
}

// GetExtension returns the payload of one element of a one-byte header
// extension (profile 0xBEDE, RFC 8285), nil if absent.
func (p *Packet) GetExtension(id uint8) []byte {
	ext := p.Header.Extension
	if ext == nil || ext.Profile != 0xBEDE {
		return nil
	}
	data := ext.Data
	for len(data) > 0 {
		if data[0] == 0 {
			// alignment padding between elements
			data = data[1:]
			continue
		}
		elemID := data[0] >> 4
		elemLen := int(data[0]&0x0f) + 1
		if elemID == 15 || len(data) < 1+elemLen {
			return nil
		}
		if elemID == id {
			return data[1 : 1+elemLen]
		}
		data = data[1+elemLen:]
	}
	return nil
}

// SequenceFromRaw extracts the sequence number without a full parse.
func SequenceFromRaw(data []byte) (uint16, error) {
	if len(data) < HeaderSize {
		return 0, ErrPacketTooShort
	}
	if data[0]>>6 != Version {
		return 0, ErrBadVersion
	}
	return binary.BigEndian.Uint16(data[2:4]), nil
}

// SSRCFromRaw extracts the SSRC without a full parse.
func SSRCFromRaw(data []byte) (uint32, error) {
	if len(data) < HeaderSize {
		return 0, ErrPacketTooShort
	}
	if data[0]>>6 != Version {
		return 0, ErrBadVersion
	}
	return binary.BigEndian.Uint32(data[ssrcOffset : ssrcOffset+4]), nil
}

// OverwriteSSRC rewrites bytes 8..11 of a raw RTP packet in place.
func OverwriteSSRC(data []byte, ssrc uint32) error {
	if len(data) < HeaderSize {
		return ErrPacketTooShort
	}
	binary.BigEndian.PutUint32(data[ssrcOffset:ssrcOffset+4], ssrc)
	return nil
}
