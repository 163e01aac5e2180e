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
	"sort"
	"time"
)

// PairState per RFC 8445 §6.1.2.6.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	}
	return "unknown"
}

// CandidatePair couples a local and a remote candidate of the same
// component.
type CandidatePair struct {
	Local    Candidate
	Remote   Candidate
	Priority uint64
	State    PairState

	Nominated bool

	// stats
	RTT           time.Duration
	BytesSent     uint64
	BytesReceived uint64

	checkSentAt time.Time
}

func (p *CandidatePair) foundation() string {
	return p.Local.Foundation + ":" + p.Remote.Foundation
}

// sortPairs orders the check list by descending pair priority.
func sortPairs(pairs []*CandidatePair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Priority > pairs[j].Priority
	})
}
