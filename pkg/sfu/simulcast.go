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

package sfu

// DefaultSimulcastLayers derives the standard three-rung ladder from
// the full capture resolution and the total bitrate budget: quarter
// resolution at ~10%, half at ~30%, full with the remainder.
func DefaultSimulcastLayers(width, height, maxBitrateKbps int) []Layer {
	low := maxBitrateKbps / 10
	mid := maxBitrateKbps * 3 / 10
	high := maxBitrateKbps - low - mid

	return []Layer{
		{Index: 0, Width: width / 4, Height: height / 4, FPS: 15, BitrateKbps: low, Active: true},
		{Index: 1, Width: width / 2, Height: height / 2, FPS: 30, BitrateKbps: mid, Active: true},
		{Index: 2, Width: width, Height: height, FPS: 30, BitrateKbps: high, Active: true},
	}
}

// SelectActiveLayers marks which layers a publisher should keep
// encoding given the bandwidth available for the whole ladder. The
// lowest layer is always kept.
func SelectActiveLayers(layers []Layer, availableKbps int) []Layer {
	out := append([]Layer(nil), layers...)
	budget := availableKbps
	for i := range out {
		if i == 0 {
			// the bottom rung survives any budget
			out[i].Active = true
			budget -= out[i].BitrateKbps
			continue
		}
		out[i].Active = budget >= out[i].BitrateKbps
		if out[i].Active {
			budget -= out[i].BitrateKbps
		}
	}
	return out
}
