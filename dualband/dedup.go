/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dualband

// Dedup tracks the highest recently-seen sequence number per source
// system. The 8-bit sequence space wraps, so "newer" is a modular
// forward distance in [1,127]; equal is a duplicate; anything further
// is treated as a fresh packet and the stored value advances, which
// absorbs wrap and reorder without remembering history.
type Dedup struct {
	last     map[uint8]uint8
	hits     uint64
	reorders uint64
}

// NewDedup returns an empty filter.
func NewDedup() *Dedup {
	return &Dedup{last: map[uint8]uint8{}}
}

// Observe reports whether the (sysID, seq) pair should be delivered.
// False means duplicate.
func (d *Dedup) Observe(sysID, seq uint8) bool {
	prev, seen := d.last[sysID]
	if !seen {
		d.last[sysID] = seq
		return true
	}
	dist := seq - prev // uint8 arithmetic, wraps
	if dist == 0 {
		d.hits++
		return false
	}
	if dist >= 128 {
		d.reorders++
	}
	d.last[sysID] = seq
	return true
}

// Reordered returns how many packets arrived outside the forward
// window and were delivered anyway.
func (d *Dedup) Reordered() uint64 { return d.reorders }

// Dropped returns how many duplicates were rejected.
func (d *Dedup) Dropped() uint64 { return d.hits }
