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

package ice

import (
	"time"
)

type liveness int

const (
	livenessOK liveness = iota
	livenessStale
	livenessLost
)

// keepaliveMonitor tracks inbound activity on the selected pair and
// classifies the connection as stale (no traffic for half the timeout)
// or lost (no traffic for the full timeout). Restart policy lives with
// the owner; the monitor only reports.
type keepaliveMonitor struct {
	timeout      time.Duration
	lastActivity time.Time
}

func newKeepaliveMonitor(timeout time.Duration) *keepaliveMonitor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &keepaliveMonitor{timeout: timeout}
}

func (m *keepaliveMonitor) observe(now time.Time) {
	m.lastActivity = now
}

func (m *keepaliveMonitor) state(now time.Time) liveness {
	if m.lastActivity.IsZero() {
		return livenessOK
	}
	idle := now.Sub(m.lastActivity)
	switch {
	case idle >= m.timeout:
		return livenessLost
	case idle >= m.timeout/2:
		return livenessStale
	default:
		return livenessOK
	}
}
