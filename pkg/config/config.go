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

package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration, loadable from YAML with CLI
// overrides applied on top.
type Config struct {
	LogLevel string `yaml:"log_level"`

	RTC        RTCConfig        `yaml:"rtc"`
	ICE        ICEConfig        `yaml:"ice"`
	Audio      AudioConfig      `yaml:"audio"`
	Video      VideoConfig      `yaml:"video"`
	BWE        BWEConfig        `yaml:"bwe"`
	Pacer      PacerConfig      `yaml:"pacer"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type RTCConfig struct {
	UDPPort      uint32 `yaml:"udp_port"`
	PortRangeMin uint32 `yaml:"port_range_min"`
	PortRangeMax uint32 `yaml:"port_range_max"`
	IOThreads    int    `yaml:"io_threads"`
	WorkerTickMs int    `yaml:"worker_tick_ms"`
	PacerDrainMs int    `yaml:"pacer_drain_ms"`
	// TWCCExtID is the negotiated transport-wide-cc header extension
	// id; 0 disables feedback generation.
	TWCCExtID int `yaml:"twcc_ext_id"`
}

type TurnServerConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ICEConfig struct {
	StunServers            []string           `yaml:"stun_servers"`
	TurnServers            []TurnServerConfig `yaml:"turn_servers"`
	CheckIntervalMs        int                `yaml:"check_interval_ms"`
	KeepaliveIntervalMs    int                `yaml:"keepalive_interval_ms"`
	NominationTimeoutSec   int                `yaml:"nomination_timeout_sec"`
	DisconnectTimeoutSec   int                `yaml:"disconnect_timeout_sec"`
	DisableSrflxCandidates bool               `yaml:"disable_srflx_candidates"`
	DisableRelayCandidates bool               `yaml:"disable_relay_candidates"`
}

type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FrameDurationMs int `yaml:"frame_duration_ms"`
}

type VideoConfig struct {
	MaxBufferedFrames int  `yaml:"max_buffered_frames"`
	TargetDelayMs     int  `yaml:"target_delay_ms"`
	MaxDelayMs        int  `yaml:"max_delay_ms"`
	EnableNack        bool `yaml:"enable_nack"`
	WaitForKeyframe   bool `yaml:"wait_for_keyframe"`
}

type BWEConfig struct {
	StartBitrateBps uint64  `yaml:"start_bitrate_bps"`
	MinBitrateBps   uint64  `yaml:"min_bitrate_bps"`
	MaxBitrateBps   uint64  `yaml:"max_bitrate_bps"`
	IncreaseRate    float64 `yaml:"increase_rate"`
	DecreaseRate    float64 `yaml:"decrease_rate"`
	LossThreshold   float64 `yaml:"loss_threshold"`
}

type PacerConfig struct {
	TargetBitrateBps uint64 `yaml:"target_bitrate_bps"`
	BucketSizeBytes  int    `yaml:"bucket_size_bytes"`
	MaxQueueSize     int    `yaml:"max_queue_size"`
}

type PrometheusConfig struct {
	Port uint32 `yaml:"port"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		RTC: RTCConfig{
			UDPPort:      7882,
			PortRangeMin: 50000,
			PortRangeMax: 60000,
			IOThreads:    4,
			WorkerTickMs: 10,
			PacerDrainMs: 5,
			TWCCExtID:    3,
		},
		ICE: ICEConfig{
			StunServers:          []string{"stun.l.google.com:19302"},
			CheckIntervalMs:      50,
			KeepaliveIntervalMs:  15000,
			NominationTimeoutSec: 10,
			DisconnectTimeoutSec: 30,
		},
		Audio: AudioConfig{
			SampleRate:      48000,
			Channels:        1,
			FrameDurationMs: 20,
		},
		Video: VideoConfig{
			MaxBufferedFrames: 30,
			TargetDelayMs:     50,
			MaxDelayMs:        200,
			EnableNack:        true,
			WaitForKeyframe:   true,
		},
		BWE: BWEConfig{
			StartBitrateBps: 1_000_000,
			MinBitrateBps:   100_000,
			MaxBitrateBps:   5_000_000,
			IncreaseRate:    1.08,
			DecreaseRate:    0.85,
			LossThreshold:   0.02,
		},
		Pacer: PacerConfig{
			TargetBitrateBps: 1_000_000,
			BucketSizeBytes:  10_000,
			MaxQueueSize:     1000,
		},
		Prometheus: PrometheusConfig{
			Port: 6789,
		},
	}
}

// NewConfig parses YAML into the defaults and applies CLI overrides.
func NewConfig(confString string, c *cli.Context) (*Config, error) {
	conf := DefaultConfig()
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}
	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) updateFromCLI(ctx *cli.Context) error {
	if ctx.IsSet("udp-port") {
		c.RTC.UDPPort = uint32(ctx.Uint64("udp-port"))
	}
	if ctx.IsSet("log-level") {
		c.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("prometheus-port") {
		c.Prometheus.Port = uint32(ctx.Uint64("prometheus-port"))
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.RTC.PortRangeMin >= c.RTC.PortRangeMax {
		return fmt.Errorf("invalid port range [%d, %d]", c.RTC.PortRangeMin, c.RTC.PortRangeMax)
	}
	if c.RTC.IOThreads <= 0 {
		return fmt.Errorf("io_threads must be positive, got %d", c.RTC.IOThreads)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.FrameDurationMs <= 0 {
		return fmt.Errorf("frame duration must be positive, got %d", c.Audio.FrameDurationMs)
	}
	if c.BWE.MinBitrateBps > c.BWE.MaxBitrateBps {
		return fmt.Errorf("bwe min bitrate %d above max %d", c.BWE.MinBitrateBps, c.BWE.MaxBitrateBps)
	}
	if c.BWE.StartBitrateBps < c.BWE.MinBitrateBps || c.BWE.StartBitrateBps > c.BWE.MaxBitrateBps {
		return fmt.Errorf("bwe start bitrate %d outside [%d, %d]",
			c.BWE.StartBitrateBps, c.BWE.MinBitrateBps, c.BWE.MaxBitrateBps)
	}
	if c.Pacer.MaxQueueSize <= 0 {
		return fmt.Errorf("pacer queue size must be positive, got %d", c.Pacer.MaxQueueSize)
	}
	return nil
}

// WorkerTick returns the subscription worker cadence.
func (c *Config) WorkerTick() time.Duration {
	return time.Duration(c.RTC.WorkerTickMs) * time.Millisecond
}

// PacerDrainInterval returns the pacer drain cadence.
func (c *Config) PacerDrainInterval() time.Duration {
	return time.Duration(c.RTC.PacerDrainMs) * time.Millisecond
}
