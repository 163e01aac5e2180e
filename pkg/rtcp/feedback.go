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

package rtcp

import (
	"encoding/binary"
	"math/bits"

	"github.com/voxmesh/voxmesh-server/pkg/utils"
)

const feedbackHeaderSize = 8 // sender SSRC + media SSRC

// NackPair is one FCI entry: a packet id and a bitmask of the 16
// following sequence numbers.
type NackPair struct {
	PacketID    uint16
	LostBitmask uint16
}

// Sequences expands the pair into individual sequence numbers.
func (p NackPair) Sequences() []uint16 {
	seqs := []uint16{p.PacketID}
	for i := 0; i < 16; i++ {
		if p.LostBitmask&(1<<i) != 0 {
			seqs = append(seqs, p.PacketID+uint16(i)+1)
		}
	}
	return seqs
}

// NackPairsFromSequences compresses a sorted sequence list into FCI pairs.
func NackPairsFromSequences(seqs []uint16) []NackPair {
	var pairs []NackPair
	for len(seqs) > 0 {
		pair := NackPair{PacketID: seqs[0]}
		seqs = seqs[1:]
		for len(seqs) > 0 {
			d := utils.SeqDiff(seqs[0], pair.PacketID)
			if d <= 0 || d > 16 {
				break
			}
			pair.LostBitmask |= 1 << (d - 1)
			seqs = seqs[1:]
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// Nack is a transport-layer feedback NACK (RTPFB fmt=1).
type Nack struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Pairs      []NackPair
}

func (n *Nack) Marshal() ([]byte, error) {
	bodySize := feedbackHeaderSize + 4*len(n.Pairs)
	buf := make([]byte, headerSize+bodySize)
	header{
		Count:  FormatNACK,
		Type:   TypeRTPFB,
		Length: lengthInWords(bodySize),
	}.marshalTo(buf)
	binary.BigEndian.PutUint32(buf[4:8], n.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:12], n.MediaSSRC)
	for i, pair := range n.Pairs {
		binary.BigEndian.PutUint16(buf[12+i*4:], pair.PacketID)
		binary.BigEndian.PutUint16(buf[14+i*4:], pair.LostBitmask)
	}
	return buf, nil
}

func (n *Nack) unmarshal(_ header, body []byte) error {
	if len(body) < feedbackHeaderSize || (len(body)-feedbackHeaderSize)%4 != 0 {
		return ErrPacketTooShort
	}
	n.SenderSSRC = binary.BigEndian.Uint32(body[0:4])
	n.MediaSSRC = binary.BigEndian.Uint32(body[4:8])
	for offset := feedbackHeaderSize; offset < len(body); offset += 4 {
		n.Pairs = append(n.Pairs, NackPair{
			PacketID:    binary.BigEndian.Uint16(body[offset:]),
			LostBitmask: binary.BigEndian.Uint16(body[offset+2:]),
		})
	}
	return nil
}

// PictureLossIndication (PSFB fmt=1) asks the sender for a keyframe.
type PictureLossIndication struct {
	SenderSSRC uint32
	MediaSSRC  uint32
}

func (p *PictureLossIndication) Marshal() ([]byte, error) {
	buf := make([]byte, headerSize+feedbackHeaderSize)
	header{
		Count:  FormatPLI,
		Type:   TypePSFB,
		Length: lengthInWords(feedbackHeaderSize),
	}.marshalTo(buf)
	binary.BigEndian.PutUint32(buf[4:8], p.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:12], p.MediaSSRC)
	return buf, nil
}

func (p *PictureLossIndication) unmarshal(_ header, body []byte) error {
	if len(body) < feedbackHeaderSize {
		return ErrPacketTooShort
	}
	p.SenderSSRC = binary.BigEndian.Uint32(body[0:4])
	p.MediaSSRC = binary.BigEndian.Uint32(body[4:8])
	return nil
}

// FullIntraRequest (PSFB fmt=4) carries a command sequence number so
// duplicated requests can be collapsed (RFC 5104 §4.3.1).
type FullIntraRequest struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	SeqNo      uint8
}

func (f *FullIntraRequest) Marshal() ([]byte, error) {
	bodySize := feedbackHeaderSize + 8
	buf := make([]byte, headerSize+bodySize)
	header{
		Count:  FormatFIR,
		Type:   TypePSFB,
		Length: lengthInWords(bodySize),
	}.marshalTo(buf)
	binary.BigEndian.PutUint32(buf[4:8], f.SenderSSRC)
	// media SSRC field is unused for FIR; the FCI entry names the target
	binary.BigEndian.PutUint32(buf[12:16], f.MediaSSRC)
	buf[16] = f.SeqNo
	return buf, nil
}

func (f *FullIntraRequest) unmarshal(_ header, body []byte) error {
	if len(body) < feedbackHeaderSize+8 {
		return ErrPacketTooShort
	}
	f.SenderSSRC = binary.BigEndian.Uint32(body[0:4])
	f.MediaSSRC = binary.BigEndian.Uint32(body[8:12])
	f.SeqNo = body[12]
	return nil
}

// ReceiverEstimatedMaxBitrate (PSFB fmt=15) carries the receiver's
// bandwidth estimate as a 6-bit exponent and 18-bit mantissa.
type ReceiverEstimatedMaxBitrate struct {
	SenderSSRC uint32
	Bitrate    uint64
	SSRCs      []uint32
}

func (r *ReceiverEstimatedMaxBitrate) Marshal() ([]byte, error) {
	bodySize := feedbackHeaderSize + 8 + 4*len(r.SSRCs)
	buf := make([]byte, headerSize+bodySize)
	header{
		Count:  FormatREMB,
		Type:   TypePSFB,
		Length: lengthInWords(bodySize),
	}.marshalTo(buf)
	binary.BigEndian.PutUint32(buf[4:8], r.SenderSSRC)
	// media SSRC is always zero for REMB
	copy(buf[12:16], "REMB")
	buf[16] = uint8(len(r.SSRCs))

	exp := 0
	mantissa := r.Bitrate
	if mantissa >= 1<<18 {
		exp = bits.Len64(mantissa) - 18
		mantissa >>= exp
	}
	buf[17] = uint8(exp<<2) | uint8(mantissa>>16)
	binary.BigEndian.PutUint16(buf[18:20], uint16(mantissa))

	for i, ssrc := range r.SSRCs {
		binary.BigEndian.PutUint32(buf[20+i*4:], ssrc)
	}
	return buf, nil
}

func (r *ReceiverEstimatedMaxBitrate) unmarshal(_ header, body []byte) error {
	if len(body) < feedbackHeaderSize+8 {
		return ErrPacketTooShort
	}
	r.SenderSSRC = binary.BigEndian.Uint32(body[0:4])
	if string(body[8:12]) != "REMB" {
		return ErrBadREMB
	}
	numSSRC := int(body[12])
	exp := body[13] >> 2
	mantissa := uint64(body[13]&0x03)<<16 | uint64(binary.BigEndian.Uint16(body[14:16]))
	r.Bitrate = mantissa << exp

	if len(body) < feedbackHeaderSize+8+4*numSSRC {
		return ErrPacketTooShort
	}
	for i := 0; i < numSSRC; i++ {
		r.SSRCs = append(r.SSRCs, binary.BigEndian.Uint32(body[16+i*4:]))
	}
	return nil
}
