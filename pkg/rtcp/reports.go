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
)

// ReportBlock is the per-source block shared by SR and RR (RFC 3550 §6.4.1).
type ReportBlock struct {
	SSRC         uint32
	FractionLost uint8
	PacketsLost  uint32 // 24-bit on the wire
	HighestSeq   uint32
	Jitter       uint32
	LastSR       uint32
	DelaySinceSR uint32
}

func (b *ReportBlock) marshalTo(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], b.SSRC)
	binary.BigEndian.PutUint32(buf[4:8], b.PacketsLost&0x00ffffff)
	buf[4] = b.FractionLost
	binary.BigEndian.PutUint32(buf[8:12], b.HighestSeq)
	binary.BigEndian.PutUint32(buf[12:16], b.Jitter)
	binary.BigEndian.PutUint32(buf[16:20], b.LastSR)
	binary.BigEndian.PutUint32(buf[20:24], b.DelaySinceSR)
}

func parseReportBlock(buf []byte) ReportBlock {
	return ReportBlock{
		SSRC:         binary.BigEndian.Uint32(buf[0:4]),
		FractionLost: buf[4],
		PacketsLost:  binary.BigEndian.Uint32(buf[4:8]) & 0x00ffffff,
		HighestSeq:   binary.BigEndian.Uint32(buf[8:12]),
		Jitter:       binary.BigEndian.Uint32(buf[12:16]),
		LastSR:       binary.BigEndian.Uint32(buf[16:20]),
		DelaySinceSR: binary.BigEndian.Uint32(buf[20:24]),
	}
}

// LossRate converts the fraction-lost fixed point to [0,1].
func (b *ReportBlock) LossRate() float64 {
	return float64(b.FractionLost) / 256.0
}

// SenderReport is RTCP SR (PT=200).
type SenderReport struct {
	SSRC         uint32
	NTPTimestamp uint64
	RTPTimestamp uint32
	PacketCount  uint32
	OctetCount   uint32
	Reports      []ReportBlock
}

func (r *SenderReport) Marshal() ([]byte, error) {
	if len(r.Reports) > 31 {
		return nil, ErrTooManyBlocks
	}
	bodySize := 24 + reportBlockSize*len(r.Reports)
	buf := make([]byte, headerSize+bodySize)
	header{
		Count:  uint8(len(r.Reports)),
		Type:   TypeSenderReport,
		Length: lengthInWords(bodySize),
	}.marshalTo(buf)

	binary.BigEndian.PutUint32(buf[4:8], r.SSRC)
	binary.BigEndian.PutUint64(buf[8:16], r.NTPTimestamp)
	binary.BigEndian.PutUint32(buf[16:20], r.RTPTimestamp)
	binary.BigEndian.PutUint32(buf[20:24], r.PacketCount)
	binary.BigEndian.PutUint32(buf[24:28], r.OctetCount)
	for i := range r.Reports {
		r.Reports[i].marshalTo(buf[28+i*reportBlockSize:])
	}
	return buf, nil
}

func (r *SenderReport) unmarshal(h header, body []byte) error {
	if len(body) < 24+reportBlockSize*int(h.Count) {
		return ErrPacketTooShort
	}
	r.SSRC = binary.BigEndian.Uint32(body[0:4])
	r.NTPTimestamp = binary.BigEndian.Uint64(body[4:12])
	r.RTPTimestamp = binary.BigEndian.Uint32(body[12:16])
	r.PacketCount = binary.BigEndian.Uint32(body[16:20])
	r.OctetCount = binary.BigEndian.Uint32(body[20:24])
	for i := 0; i < int(h.Count); i++ {
		r.Reports = append(r.Reports, parseReportBlock(body[24+i*reportBlockSize:]))
	}
	return nil
}

// ReceiverReport is RTCP RR (PT=201).
type ReceiverReport struct {
	SSRC    uint32
	Reports []ReportBlock
}

func (r *ReceiverReport) Marshal() ([]byte, error) {
	if len(r.Reports) > 31 {
		return nil, ErrTooManyBlocks
	}
	bodySize := ssrcSize + reportBlockSize*len(r.Reports)
	buf := make([]byte, headerSize+bodySize)
	header{
		Count:  uint8(len(r.Reports)),
		Type:   TypeReceiverReport,
		Length: lengthInWords(bodySize),
	}.marshalTo(buf)

	binary.BigEndian.PutUint32(buf[4:8], r.SSRC)
	for i := range r.Reports {
		r.Reports[i].marshalTo(buf[8+i*reportBlockSize:])
	}
	return buf, nil
}

func (r *ReceiverReport) unmarshal(h header, body []byte) error {
	if len(body) < ssrcSize+reportBlockSize*int(h.Count) {
		return ErrPacketTooShort
	}
	r.SSRC = binary.BigEndian.Uint32(body[0:4])
	for i := 0; i < int(h.Count); i++ {
		r.Reports = append(r.Reports, parseReportBlock(body[4+i*reportBlockSize:]))
	}
	return nil
}
