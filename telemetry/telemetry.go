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

// Package telemetry describes the coupling to the application-layer
// telemetry protocol: frame-start discriminators, the offsets of the
// fields we index into, and the message-id priority tables. The payload
// itself stays opaque; nothing here decodes message bodies.
package telemetry

import (
	"errors"
)

// Frame-start discriminators for the two protocol versions.
const (
	MarkerV1 byte = 0xFE
	MarkerV2 byte = 0xFD
)

// ErrNotAFrame is returned by Parse when the first byte is not a known
// discriminator or the packet is too short to carry the indexed fields.
var ErrNotAFrame = errors.New("telemetry: not a recognizable frame")

// Info is the per-frame record every call site consumes. All fields are
// extracted through the layout table; no caller indexes raw bytes.
type Info struct {
	Discriminator byte
	MsgID         uint8
	SysID         uint8
	Seq           uint8
}

// layout gives the byte offsets of the indexed fields for one protocol
// version. minLen is the smallest packet that carries all of them.
type layout struct {
	lenOff int
	seqOff int
	sysOff int
	msgOff int
	minLen int
}

// layouts is the single source of truth for version-dependent offsets.
var layouts = map[byte]layout{
	MarkerV1: {lenOff: 1, seqOff: 2, sysOff: 3, msgOff: 5, minLen: 6},
	MarkerV2: {lenOff: 1, seqOff: 4, sysOff: 5, msgOff: 7, minLen: 8},
}

// Parse extracts the frame record from a raw application packet.
func Parse(p []byte) (Info, error) {
	if len(p) == 0 {
		return Info{}, ErrNotAFrame
	}
	l, ok := layouts[p[0]]
	if !ok || len(p) < l.minLen {
		return Info{}, ErrNotAFrame
	}
	return Info{
		Discriminator: p[0],
		MsgID:         p[l.msgOff],
		SysID:         p[l.sysOff],
		Seq:           p[l.seqOff],
	}, nil
}

// PayloadLen returns the declared payload length of a frame, or -1 when
// the packet is not a recognizable frame.
func PayloadLen(p []byte) int {
	if len(p) == 0 {
		return -1
	}
	l, ok := layouts[p[0]]
	if !ok || len(p) <= l.lenOff {
		return -1
	}
	return int(p[l.lenOff])
}

// IsFrameStart reports whether b opens a frame in either protocol version.
func IsFrameStart(b byte) bool {
	_, ok := layouts[b]
	return ok
}
