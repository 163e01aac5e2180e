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

// Package bwe implements a GCC-style loss-based bitrate controller
// bounded by the receiver's REMB estimate.
package bwe

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Config bounds and rates of the controller.
type Config struct {
	StartBitrateBps uint64
	MinBitrateBps   uint64
	MaxBitrateBps   uint64
	IncreaseRate    float64
	DecreaseRate    float64
	LossThreshold   float64
}

// DefaultConfig mirrors the GCC reference parameters.
func DefaultConfig() Config {
	return Config{
		StartBitrateBps: 1_000_000,
		MinBitrateBps:   100_000,
		MaxBitrateBps:   5_000_000,
		IncreaseRate:    1.08,
		DecreaseRate:    0.85,
		LossThreshold:   0.02,
	}
}

const (
	// recoveryRate is the slow climb applied while backing out of an
	// overuse episode.
	recoveryRate = 1.02

	// recoveredLoss ends the overuse episode.
	recoveredLoss = 0.005

	// sendRateWindow smooths the observed send rate.
	sendRateWindow = time.Second
)

// Estimate is the controller's externally visible state.
type Estimate struct {
	TargetBps   uint64
	RembBps     uint64
	PacketLoss  float64
	RTTMs       float64
	SendRateBps uint64
	Overusing   bool
}

// ChangeHandler fires when the target bitrate actually changes.
type ChangeHandler func(bitrateBps uint64)

// Controller adapts the send bitrate from loss, RTT and REMB feedback.
// Process is expected roughly every 25 ms.
type Controller struct {
	config Config
	clock  clock.Clock

	lock      sync.Mutex
	current   uint64
	remb      uint64
	loss      float64
	rttMs     float64
	overusing bool

	windowBytes uint64
	windowStart time.Time
	sendRate    uint64

	onChange ChangeHandler
}

func NewController(config Config, clk clock.Clock) *Controller {
	return &Controller{
		config:      config,
		clock:       clk,
		current:     config.StartBitrateBps,
		windowStart: clk.Now(),
	}
}

// OnChange registers the bitrate change callback.
func (c *Controller) OnChange(handler ChangeHandler) {
	c.lock.Lock()
	c.onChange = handler
	c.lock.Unlock()
}

// OnREMB feeds the receiver's maximum bitrate estimate.
func (c *Controller) OnREMB(bitrateBps uint64) {
	c.lock.Lock()
	c.remb = bitrateBps
	c.lock.Unlock()
}

// OnPacketLoss feeds the loss rate from RTCP receiver reports.
func (c *Controller) OnPacketLoss(lossRate float64) {
	c.lock.Lock()
	c.loss = lossRate
	c.lock.Unlock()
}

// OnRTT feeds the measured round-trip time.
func (c *Controller) OnRTT(rttMs float64) {
	c.lock.Lock()
	c.rttMs = rttMs
	c.lock.Unlock()
}

// OnPacketSent accounts an egress packet for the send-rate window.
func (c *Controller) OnPacketSent(sizeBytes int) {
	c.lock.Lock()
	now := c.clock.Now()
	if elapsed := now.Sub(c.windowStart); elapsed >= sendRateWindow {
		c.sendRate = c.windowBytes * 8 * uint64(time.Second) / uint64(elapsed)
		c.windowBytes = 0
		c.windowStart = now
	}
	c.windowBytes += uint64(sizeBytes)
	c.lock.Unlock()
}

// Process runs one adaptation step.
func (c *Controller) Process() {
	c.lock.Lock()

	previous := c.current
	switch {
	case c.loss > c.config.LossThreshold:
		c.current = uint64(float64(c.current) * c.config.DecreaseRate)
		c.overusing = true
	case c.overusing:
		c.current = uint64(float64(c.current) * recoveryRate)
		if c.loss < recoveredLoss {
			c.overusing = false
		}
	default:
		c.current = uint64(float64(c.current) * c.config.IncreaseRate)
	}

	if c.current < c.config.MinBitrateBps {
		c.current = c.config.MinBitrateBps
	}
	if c.current > c.config.MaxBitrateBps {
		c.current = c.config.MaxBitrateBps
	}
	if c.remb > 0 && c.current > c.remb {
		c.current = c.remb
	}

	changed := c.current != previous
	handler := c.onChange
	value := c.current
	c.lock.Unlock()

	if changed && handler != nil {
		handler(value)
	}
}

// TargetBitrate returns the current target in bps.
func (c *Controller) TargetBitrate() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

// SetBitrate pins the target, bounded by the configured range.
func (c *Controller) SetBitrate(bitrateBps uint64) {
	c.lock.Lock()
	if bitrateBps < c.config.MinBitrateBps {
		bitrateBps = c.config.MinBitrateBps
	}
	if bitrateBps > c.config.MaxBitrateBps {
		bitrateBps = c.config.MaxBitrateBps
	}
	c.current = bitrateBps
	c.lock.Unlock()
}

// CurrentEstimate snapshots the controller state.
func (c *Controller) CurrentEstimate() Estimate {
	c.lock.Lock()
	defer c.lock.Unlock()
	return Estimate{
		TargetBps:   c.current,
		RembBps:     c.remb,
		PacketLoss:  c.loss,
		RTTMs:       c.rttMs,
		SendRateBps: c.sendRate,
		Overusing:   c.overusing,
	}
}
