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

// Package ice implements an RFC 8445 ICE agent: candidate gathering,
// pair prioritization and the connectivity-check state machine. The
// agent never owns sockets; the I/O layer feeds it packets and it
// writes through a PacketWriter handle.
package ice

import (
	"fmt"
	"hash/crc32"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CandidateType per RFC 8445 §5.1.1.
type CandidateType string

const (
	CandidateHost            CandidateType = "host"
	CandidateServerReflexive CandidateType = "srflx"
	CandidatePeerReflexive   CandidateType = "prflx"
	CandidateRelay           CandidateType = "relay"
)

// TypePreference returns the RFC 8445 recommended type preference.
func (t CandidateType) TypePreference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelay:
		return 0
	default:
		return 0
	}
}

var ErrBadCandidateLine = errors.New("ice: malformed candidate line")

// Candidate is one transport address offered for connectivity.
type Candidate struct {
	Foundation     string
	Component      uint32 // 1=RTP, 2=RTCP
	Protocol       string
	Priority       uint32
	Address        netip.AddrPort
	Type           CandidateType
	RelatedAddress netip.AddrPort // base address for srflx/relay
}

// ComputePriority implements the RFC 8445 §5.1.2.1 formula.
func ComputePriority(t CandidateType, localPreference uint32, component uint32) uint32 {
	return t.TypePreference()<<24 | (localPreference&0xffff)<<8 | (256 - component&0xff)
}

// PairPriority combines controlling (g) and controlled (d) priorities
// per RFC 8445 §6.1.2.3.
func PairPriority(g, d uint32) uint64 {
	minP, maxP := uint64(g), uint64(d)
	if minP > maxP {
		minP, maxP = maxP, minP
	}
	var tie uint64
	if g > d {
		tie = 1
	}
	return minP<<32 | maxP<<1 | tie
}

// NewCandidate fills in foundation and priority for a gathered address.
func NewCandidate(t CandidateType, component uint32, localPreference uint32, addr, related netip.AddrPort) Candidate {
	return Candidate{
		Foundation:     foundationFor(t, addr),
		Component:      component,
		Protocol:       "udp",
		Priority:       ComputePriority(t, localPreference, component),
		Address:        addr,
		Type:           t,
		RelatedAddress: related,
	}
}

// foundationFor derives a stable foundation: candidates of the same
// type and IP address collapse into one foundation for check scheduling.
func foundationFor(t CandidateType, addr netip.AddrPort) string {
	sum := crc32.ChecksumIEEE([]byte(string(t) + "/" + addr.Addr().String()))
	return strconv.FormatUint(uint64(sum), 10)
}

// Marshal renders the SDP candidate attribute value.
func (c Candidate) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority,
		c.Address.Addr(), c.Address.Port(), c.Type)
	if c.RelatedAddress.IsValid() {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress.Addr(), c.RelatedAddress.Port())
	}
	return b.String()
}

// ParseCandidate decodes an SDP candidate attribute value.
func ParseCandidate(line string) (Candidate, error) {
	line = strings.TrimPrefix(line, "a=")
	if !strings.HasPrefix(line, "candidate:") {
		return Candidate{}, ErrBadCandidateLine
	}
	fields := strings.Fields(strings.TrimPrefix(line, "candidate:"))
	if len(fields) < 8 || fields[6] != "typ" {
		return Candidate{}, ErrBadCandidateLine
	}

	component, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Candidate{}, errors.Wrap(ErrBadCandidateLine, "component")
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, errors.Wrap(ErrBadCandidateLine, "priority")
	}
	addr, err := parseAddrPort(fields[4], fields[5])
	if err != nil {
		return Candidate{}, err
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  uint32(component),
		Protocol:   strings.ToLower(fields[2]),
		Priority:   uint32(priority),
		Address:    addr,
		Type:       CandidateType(fields[7]),
	}
	switch c.Type {
	case CandidateHost, CandidateServerReflexive, CandidatePeerReflexive, CandidateRelay:
	default:
		return Candidate{}, errors.Wrap(ErrBadCandidateLine, "type")
	}

	rest := fields[8:]
	for len(rest) >= 2 {
		switch rest[0] {
		case "raddr":
			if len(rest) < 4 || rest[2] != "rport" {
				return Candidate{}, errors.Wrap(ErrBadCandidateLine, "raddr")
			}
			related, err := parseAddrPort(rest[1], rest[3])
			if err != nil {
				return Candidate{}, err
			}
			c.RelatedAddress = related
			rest = rest[4:]
		default:
			// unknown extension attribute, skip the pair
			rest = rest[2:]
		}
	}
	return c, nil
}

func parseAddrPort(ip, port string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(ErrBadCandidateLine, "address")
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(ErrBadCandidateLine, "port")
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}
