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

package stun

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultRTO      = 500 * time.Millisecond
	maxTransmits    = 7
	maxTransactions = 256
)

// PacketWriter sends a datagram towards a destination. The transport is
// owned by the I/O layer; implementations decide retry and drop policy.
type PacketWriter interface {
	WriteTo(data []byte, dest netip.AddrPort) error
}

// Handler receives the terminal result of a transaction. On timeout the
// response is nil.
type Handler func(response *Message, from netip.AddrPort)

type transaction struct {
	raw       []byte
	dest      netip.AddrPort
	handler   Handler
	transmits int
	nextSend  time.Time
	rto       time.Duration
}

// Client issues STUN requests over a PacketWriter and matches responses
// by transaction id, retransmitting with a doubling RTO (RFC 5389 §7.2.1).
// Incoming messages must be routed to HandleMessage by the owner's
// demultiplexer; Tick drives retransmissions.
type Client struct {
	writer PacketWriter
	clock  clock.Clock

	lock     sync.Mutex
	inflight *lru.Cache[TransactionID, *transaction]
}

func NewClient(writer PacketWriter, clk clock.Clock) *Client {
	inflight, _ := lru.New[TransactionID, *transaction](maxTransactions)
	return &Client{
		writer:   writer,
		clock:    clk,
		inflight: inflight,
	}
}

// Do sends a request and registers its handler. The oldest transaction
// is evicted when too many are outstanding.
func (c *Client) Do(msg *Message, dest netip.AddrPort, handler Handler) error {
	raw := msg.Marshal()
	tx := &transaction{
		raw:      raw,
		dest:     dest,
		handler:  handler,
		nextSend: c.clock.Now().Add(defaultRTO),
		rto:      defaultRTO,
	}
	tx.transmits = 1

	c.lock.Lock()
	c.inflight.Add(msg.TransactionID, tx)
	c.lock.Unlock()

	return c.writer.WriteTo(raw, dest)
}

// HandleMessage matches a decoded response against an outstanding
// transaction. Returns true if the message completed a transaction.
func (c *Client) HandleMessage(msg *Message, from netip.AddrPort) bool {
	if msg.Class() != ClassSuccessResponse && msg.Class() != ClassErrorResponse {
		return false
	}

	c.lock.Lock()
	tx, ok := c.inflight.Get(msg.TransactionID)
	if ok {
		c.inflight.Remove(msg.TransactionID)
	}
	c.lock.Unlock()
	if !ok {
		return false
	}
	if tx.handler != nil {
		tx.handler(msg, from)
	}
	return true
}

// Tick retransmits overdue requests and times out exhausted ones.
func (c *Client) Tick() {
	now := c.clock.Now()

	var resend []*transaction
	var expired []*transaction

	c.lock.Lock()
	for _, tid := range c.inflight.Keys() {
		tx, ok := c.inflight.Peek(tid)
		if !ok || now.Before(tx.nextSend) {
			continue
		}
		if tx.transmits >= maxTransmits {
			c.inflight.Remove(tid)
			expired = append(expired, tx)
			continue
		}
		tx.transmits++
		tx.rto *= 2
		tx.nextSend = now.Add(tx.rto)
		resend = append(resend, tx)
	}
	c.lock.Unlock()

	for _, tx := range resend {
		_ = c.writer.WriteTo(tx.raw, tx.dest)
	}
	for _, tx := range expired {
		if tx.handler != nil {
			tx.handler(nil, tx.dest)
		}
	}
}

// Pending returns the number of outstanding transactions.
func (c *Client) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.inflight.Len()
}
