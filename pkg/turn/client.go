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

package turn

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/voxmesh/voxmesh-server/pkg/stun"
)

// ServerConfig identifies one TURN server and its credentials.
type ServerConfig struct {
	Address  netip.AddrPort
	Username string
	Password string
}

// AllocateHandler delivers the relayed address, or an error.
type AllocateHandler func(relayed netip.AddrPort, err error)

// Client manages a single allocation on a TURN server. It shares the
// owner's STUN transaction client and socket; it never owns transport.
type Client struct {
	config ServerConfig
	stun   *stun.Client
	clock  clock.Clock

	lock        sync.Mutex
	realm       string
	nonce       string
	key         []byte
	relayed     netip.AddrPort
	allocated   bool
	lifetime    time.Duration
	refreshAt   time.Time
	nextChannel uint16
	channels    map[netip.AddrPort]uint16
	onAllocated AllocateHandler
}

func NewClient(config ServerConfig, stunClient *stun.Client, clk clock.Clock) *Client {
	return &Client{
		config:      config,
		stun:        stunClient,
		clock:       clk,
		nextChannel: MinChannelNumber,
		channels:    make(map[netip.AddrPort]uint16),
	}
}

// Allocate requests a relayed address. The first attempt is sent
// without credentials; a 401 carrying realm and nonce triggers the
// authenticated retry.
func (c *Client) Allocate(handler AllocateHandler) error {
	c.lock.Lock()
	c.onAllocated = handler
	c.lock.Unlock()

	req := NewAllocateRequest("", "", "", nil)
	return c.stun.Do(req, c.config.Address, c.onAllocateResponse)
}

func (c *Client) onAllocateResponse(resp *stun.Message, _ netip.AddrPort) {
	c.lock.Lock()
	handler := c.onAllocated
	c.lock.Unlock()

	if resp == nil {
		c.fail(handler, ErrAllocateFailed)
		return
	}

	if resp.Class() == stun.ClassErrorResponse {
		code, _, _ := resp.ErrorCode()
		if code != 401 {
			c.fail(handler, ErrAllocateFailed)
			return
		}
		realm, _ := resp.Get(stun.AttrRealm)
		nonce, _ := resp.Get(stun.AttrNonce)
		if c.config.Username == "" {
			c.fail(handler, ErrNoCredentials)
			return
		}

		c.lock.Lock()
		c.realm = string(realm)
		c.nonce = string(nonce)
		c.key = LongTermKey(c.config.Username, c.realm, c.config.Password)
		req := NewAllocateRequest(c.config.Username, c.realm, c.nonce, c.key)
		c.lock.Unlock()

		_ = c.stun.Do(req, c.config.Address, c.onAllocateResponse)
		return
	}

	relayed, err := resp.XorAddress(AttrXorRelayedAddress)
	if err != nil {
		c.fail(handler, err)
		return
	}
	lifetime := DefaultLifetime
	if v, ok := resp.GetUint32(AttrLifetime); ok {
		lifetime = v
	}

	c.lock.Lock()
	c.relayed = relayed
	c.allocated = true
	c.lifetime = time.Duration(lifetime) * time.Second
	// refresh at half the granted lifetime
	c.refreshAt = c.clock.Now().Add(c.lifetime / 2)
	c.lock.Unlock()

	if handler != nil {
		handler(relayed, nil)
	}
}

func (c *Client) fail(handler AllocateHandler, err error) {
	if handler != nil {
		handler(netip.AddrPort{}, err)
	}
}

// Tick refreshes the allocation when due.
func (c *Client) Tick() {
	c.lock.Lock()
	due := c.allocated && !c.clock.Now().Before(c.refreshAt)
	if due {
		c.refreshAt = c.clock.Now().Add(c.lifetime / 2)
	}
	username, realm, nonce, key := c.config.Username, c.realm, c.nonce, c.key
	c.lock.Unlock()

	if !due {
		return
	}
	req := NewRefreshRequest(username, realm, nonce, key, uint32(c.lifetime/time.Second))
	_ = c.stun.Do(req, c.config.Address, nil)
}

// CreatePermission authorizes a peer on the allocation.
func (c *Client) CreatePermission(peer netip.AddrPort) error {
	c.lock.Lock()
	username, realm, nonce, key := c.config.Username, c.realm, c.nonce, c.key
	c.lock.Unlock()

	req := NewCreatePermissionRequest(username, realm, nonce, key, peer)
	return c.stun.Do(req, c.config.Address, nil)
}

// BindChannel assigns the next free channel number to peer and issues
// the ChannelBind request. Rebinding an existing peer reuses its number.
func (c *Client) BindChannel(peer netip.AddrPort) (uint16, error) {
	c.lock.Lock()
	channel, ok := c.channels[peer]
	if !ok {
		channel = c.nextChannel
		c.nextChannel++
		c.channels[peer] = channel
	}
	username, realm, nonce, key := c.config.Username, c.realm, c.nonce, c.key
	c.lock.Unlock()

	req, err := NewChannelBindRequest(username, realm, nonce, key, channel, peer)
	if err != nil {
		return 0, err
	}
	return channel, c.stun.Do(req, c.config.Address, nil)
}

// RelayedAddress returns the allocation's relayed transport address.
func (c *Client) RelayedAddress() (netip.AddrPort, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.relayed, c.allocated
}

// Release deallocates by refreshing with lifetime zero.
func (c *Client) Release() {
	c.lock.Lock()
	if !c.allocated {
		c.lock.Unlock()
		return
	}
	c.allocated = false
	username, realm, nonce, key := c.config.Username, c.realm, c.nonce, c.key
	c.lock.Unlock()

	req := NewRefreshRequest(username, realm, nonce, key, 0)
	_ = c.stun.Do(req, c.config.Address, nil)
}
