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

package utils

import (
	"go.uber.org/atomic"
)

// RingBuffer is a bounded single-producer single-consumer queue.
// Push and Pop may run on different goroutines without locking; any
// additional producers or consumers need external synchronization.
type RingBuffer[T any] struct {
	slots []T
	mask  uint64

	head atomic.Uint64 // next slot to pop
	tail atomic.Uint64 // next slot to push
}

// NewRingBuffer creates a ring with capacity rounded up to a power of two.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &RingBuffer[T]{
		slots: make([]T, size),
		mask:  size - 1,
	}
}

// Push appends v, returning false when the ring is full.
func (r *RingBuffer[T]) Push(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() > r.mask {
		return false
	}
	r.slots[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// Pop removes and returns the oldest element.
func (r *RingBuffer[T]) Pop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	v := r.slots[head&r.mask]
	r.slots[head&r.mask] = zero
	r.head.Store(head + 1)
	return v, true
}

// Len returns the number of queued elements.
func (r *RingBuffer[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the ring capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.slots)
}
