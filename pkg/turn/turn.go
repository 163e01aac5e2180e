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

// Package turn implements the TURN (RFC 5766) client side used for
// gathering relay candidates: Allocate/Refresh with long-term
// credentials, permissions, channel binding and Send/Data indications.
package turn

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/voxmesh/voxmesh-server/pkg/stun"
)

// TURN methods (RFC 5766 §13).
const (
	MethodAllocate         uint16 = 0x0003
	MethodRefresh          uint16 = 0x0004
	MethodSend             uint16 = 0x0006
	MethodData             uint16 = 0x0007
	MethodCreatePermission uint16 = 0x0008
	MethodChannelBind      uint16 = 0x0009
)

// TURN attributes (RFC 5766 §14).
const (
	AttrChannelNumber      uint16 = 0x000C
	AttrLifetime           uint16 = 0x000D
	AttrXorPeerAddress     uint16 = 0x0012
	AttrData               uint16 = 0x0013
	AttrXorRelayedAddress  uint16 = 0x0016
	AttrRequestedTransport uint16 = 0x0019
)

const (
	// ProtocolUDP is the REQUESTED-TRANSPORT value for UDP allocations.
	ProtocolUDP uint8 = 17

	// DefaultLifetime is requested when the server does not dictate one.
	DefaultLifetime uint32 = 600

	channelDataHeaderSize = 4

	// Channel numbers live in 0x4000..0x7FFF.
	MinChannelNumber uint16 = 0x4000
	MaxChannelNumber uint16 = 0x7FFF
)

var (
	ErrAllocateFailed  = errors.New("turn: allocation failed")
	ErrNoCredentials   = errors.New("turn: server demanded credentials but none configured")
	ErrNotChannelData  = errors.New("turn: not a channeldata message")
	ErrBadChannelData  = errors.New("turn: truncated channeldata")
	ErrBadChannelRange = errors.New("turn: channel number out of range")
)

// LongTermKey derives the MESSAGE-INTEGRITY key for long-term
// credentials: MD5(username ":" realm ":" password).
func LongTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", username, realm, password)))
	return sum[:]
}

// NewAllocateRequest builds an Allocate request. realm/nonce empty on
// the first, unauthenticated attempt.
func NewAllocateRequest(username, realm, nonce string, key []byte) *stun.Message {
	msg := stun.New(MethodAllocate | stun.ClassRequest)
	msg.Add(AttrRequestedTransport, []byte{ProtocolUDP, 0, 0, 0})
	msg.AddUint32(AttrLifetime, DefaultLifetime)
	if realm != "" {
		msg.AddString(stun.AttrUsername, username)
		msg.AddString(stun.AttrRealm, realm)
		msg.AddString(stun.AttrNonce, nonce)
		msg.AddMessageIntegrity(key)
	}
	msg.AddFingerprint()
	return msg
}

// NewRefreshRequest builds a Refresh request. lifetime 0 deallocates.
func NewRefreshRequest(username, realm, nonce string, key []byte, lifetime uint32) *stun.Message {
	msg := stun.New(MethodRefresh | stun.ClassRequest)
	msg.AddUint32(AttrLifetime, lifetime)
	msg.AddString(stun.AttrUsername, username)
	msg.AddString(stun.AttrRealm, realm)
	msg.AddString(stun.AttrNonce, nonce)
	msg.AddMessageIntegrity(key)
	msg.AddFingerprint()
	return msg
}

// NewCreatePermissionRequest authorizes a peer to reach the relay.
func NewCreatePermissionRequest(username, realm, nonce string, key []byte, peer netip.AddrPort) *stun.Message {
	msg := stun.New(MethodCreatePermission | stun.ClassRequest)
	msg.AddXorAddress(AttrXorPeerAddress, peer)
	msg.AddString(stun.AttrUsername, username)
	msg.AddString(stun.AttrRealm, realm)
	msg.AddString(stun.AttrNonce, nonce)
	msg.AddMessageIntegrity(key)
	msg.AddFingerprint()
	return msg
}

// NewChannelBindRequest binds a channel number to a peer.
func NewChannelBindRequest(username, realm, nonce string, key []byte, channel uint16, peer netip.AddrPort) (*stun.Message, error) {
	if channel < MinChannelNumber || channel > MaxChannelNumber {
		return nil, ErrBadChannelRange
	}
	msg := stun.New(MethodChannelBind | stun.ClassRequest)
	var cn [4]byte
	binary.BigEndian.PutUint16(cn[0:2], channel)
	msg.Add(AttrChannelNumber, cn[:])
	msg.AddXorAddress(AttrXorPeerAddress, peer)
	msg.AddString(stun.AttrUsername, username)
	msg.AddString(stun.AttrRealm, realm)
	msg.AddString(stun.AttrNonce, nonce)
	msg.AddMessageIntegrity(key)
	msg.AddFingerprint()
	return msg, nil
}

// NewSendIndication wraps application data towards a peer.
func NewSendIndication(peer netip.AddrPort, data []byte) *stun.Message {
	msg := stun.New(MethodSend | stun.ClassIndication)
	msg.AddXorAddress(AttrXorPeerAddress, peer)
	msg.Add(AttrData, data)
	return msg
}

// ParseDataIndication extracts peer and payload from a Data indication.
func ParseDataIndication(msg *stun.Message) (netip.AddrPort, []byte, error) {
	peer, err := msg.XorAddress(AttrXorPeerAddress)
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	data, ok := msg.Get(AttrData)
	if !ok {
		return netip.AddrPort{}, nil, stun.ErrAttributeNotFound
	}
	return peer, data, nil
}

// MarshalChannelData frames data for a bound channel (RFC 5766 §11.4).
func MarshalChannelData(channel uint16, data []byte) ([]byte, error) {
	if channel < MinChannelNumber || channel > MaxChannelNumber {
		return nil, ErrBadChannelRange
	}
	buf := make([]byte, channelDataHeaderSize+len(data))
	binary.BigEndian.PutUint16(buf[0:2], channel)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[4:], data)
	return buf, nil
}

// IsChannelData reports whether data is a ChannelData message (leading
// two bits 01).
func IsChannelData(data []byte) bool {
	return len(data) >= channelDataHeaderSize && data[0]&0xC0 == 0x40
}

// ParseChannelData splits a ChannelData frame.
func ParseChannelData(data []byte) (uint16, []byte, error) {
	if !IsChannelData(data) {
		return 0, nil, ErrNotChannelData
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if channelDataHeaderSize+length > len(data) {
		return 0, nil, ErrBadChannelData
	}
	return binary.BigEndian.Uint16(data[0:2]), data[4 : 4+length], nil
}
