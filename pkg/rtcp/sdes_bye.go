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

// SDES item types (RFC 3550 §6.5).
const (
	SDESEnd   uint8 = 0
	SDESCNAME uint8 = 1
	SDESName  uint8 = 2
	SDESEmail uint8 = 3
	SDESTool  uint8 = 6
)

// SDESItem is a single source-description item.
type SDESItem struct {
	Type uint8
	Text string
}

// SDESChunk groups the items of one SSRC.
type SDESChunk struct {
	SSRC  uint32
	Items []SDESItem
}

// SourceDescription is RTCP SDES (PT=202).
type SourceDescription struct {
	Chunks []SDESChunk
}

func (s *SourceDescription) Marshal() ([]byte, error) {
	if len(s.Chunks) > 31 {
		return nil, ErrTooManyBlocks
	}
	var body []byte
	for _, chunk := range s.Chunks {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], chunk.SSRC)
		body = append(body, b[:]...)
		for _, item := range chunk.Items {
			body = append(body, item.Type, uint8(len(item.Text)))
			body = append(body, item.Text...)
		}
		// item list terminator, then pad chunk to 32-bit boundary
		body = append(body, SDESEnd)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}

	buf := make([]byte, headerSize+len(body))
	header{
		Count:  uint8(len(s.Chunks)),
		Type:   TypeSDES,
		Length: lengthInWords(len(body)),
	}.marshalTo(buf)
	copy(buf[headerSize:], body)
	return buf, nil
}

func (s *SourceDescription) unmarshal(h header, body []byte) error {
	offset := 0
	for i := 0; i < int(h.Count); i++ {
		if offset+4 > len(body) {
			return ErrPacketTooShort
		}
		chunk := SDESChunk{SSRC: binary.BigEndian.Uint32(body[offset : offset+4])}
		offset += 4
		for {
			if offset >= len(body) {
				return ErrPacketTooShort
			}
			itemType := body[offset]
			offset++
			if itemType == SDESEnd {
				// consume chunk padding
				for offset%4 != 0 {
					offset++
				}
				break
			}
			if offset >= len(body) {
				return ErrPacketTooShort
			}
			length := int(body[offset])
			offset++
			if offset+length > len(body) {
				return ErrPacketTooShort
			}
			chunk.Items = append(chunk.Items, SDESItem{
				Type: itemType,
				Text: string(body[offset : offset+length]),
			})
			offset += length
		}
		s.Chunks = append(s.Chunks, chunk)
	}
	return nil
}

// Goodbye is RTCP BYE (PT=203).
type Goodbye struct {
	SSRCs  []uint32
	Reason string
}

func (g *Goodbye) Marshal() ([]byte, error) {
	if len(g.SSRCs) > 31 {
		return nil, ErrTooManyBlocks
	}
	body := make([]byte, ssrcSize*len(g.SSRCs))
	for i, ssrc := range g.SSRCs {
		binary.BigEndian.PutUint32(body[i*4:], ssrc)
	}
	if g.Reason != "" {
		body = append(body, uint8(len(g.Reason)))
		body = append(body, g.Reason...)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}

	buf := make([]byte, headerSize+len(body))
	header{
		Count:  uint8(len(g.SSRCs)),
		Type:   TypeBye,
		Length: lengthInWords(len(body)),
	}.marshalTo(buf)
	copy(buf[headerSize:], body)
	return buf, nil
}

func (g *Goodbye) unmarshal(h header, body []byte) error {
	if len(body) < ssrcSize*int(h.Count) {
		return ErrPacketTooShort
	}
	for i := 0; i < int(h.Count); i++ {
		g.SSRCs = append(g.SSRCs, binary.BigEndian.Uint32(body[i*4:]))
	}
	offset := ssrcSize * int(h.Count)
	if offset < len(body) {
		length := int(body[offset])
		offset++
		if offset+length > len(body) {
			return ErrPacketTooShort
		}
		g.Reason = string(body[offset : offset+length])
	}
	return nil
}
