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

// Package relay implements cross-aircraft failover: provider
// announcements, the client discovery table and scoring, the
// request/accept/reject handshake, and heartbeat-supervised relay
// sessions on both sides.
package relay

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/aerolora/aerolink/interlink"
)

// Mesh frame magics. Each on-air frame kind opens with its own byte.
const (
	MagicAnnounce  byte = 0x41 // 'A'
	MagicRequest   byte = 0x52 // 'R'
	MagicAccept    byte = 0x43 // 'C'
	MagicReject    byte = 0x4A // 'J'
	MagicHeartbeat byte = 0x48 // 'H'
)

// ErrBadFrame is returned for short or mis-tagged mesh frames.
var ErrBadFrame = errors.New("relay: malformed mesh frame")

// Announcement is the provider's periodic availability broadcast.
type Announcement struct {
	SysID     uint8
	Available bool
	GCS       interlink.Metrics
	Pos       interlink.Position
}

const announcementSize = 1 + 1 + 1 + 5 + 12

// Marshal encodes the announcement frame.
func (a *Announcement) Marshal() []byte {
	out := make([]byte, announcementSize)
	out[0] = MagicAnnounce
	out[1] = a.SysID
	if a.Available {
		out[2] = 1
	}
	putMetrics(out[3:], a.GCS)
	putPosition(out[8:], a.Pos)
	return out
}

// UnmarshalAnnouncement decodes an announcement frame.
func UnmarshalAnnouncement(b []byte) (*Announcement, error) {
	if len(b) < announcementSize || b[0] != MagicAnnounce {
		return nil, ErrBadFrame
	}
	return &Announcement{
		SysID:     b[1],
		Available: b[2] != 0,
		GCS:       getMetrics(b[3:]),
		Pos:       getPosition(b[8:]),
	}, nil
}

// Request asks a provider to relay for a client.
type Request struct {
	ClientSysID uint8
	TargetSysID uint8
	Seq         uint8
}

const requestSize = 4

// Marshal encodes the request frame.
func (r *Request) Marshal() []byte {
	return []byte{MagicRequest, r.ClientSysID, r.TargetSysID, r.Seq}
}

// UnmarshalRequest decodes a request frame.
func UnmarshalRequest(b []byte) (*Request, error) {
	if len(b) < requestSize || b[0] != MagicRequest {
		return nil, ErrBadFrame
	}
	return &Request{ClientSysID: b[1], TargetSysID: b[2], Seq: b[3]}, nil
}

// Accept grants a relay request.
type Accept struct {
	ProviderSysID uint8
	ClientSysID   uint8
	Seq           uint8
}

const acceptSize = 4

// Marshal encodes the accept frame.
func (a *Accept) Marshal() []byte {
	return []byte{MagicAccept, a.ProviderSysID, a.ClientSysID, a.Seq}
}

// UnmarshalAccept decodes an accept frame.
func UnmarshalAccept(b []byte) (*Accept, error) {
	if len(b) < acceptSize || b[0] != MagicAccept {
		return nil, ErrBadFrame
	}
	return &Accept{ProviderSysID: b[1], ClientSysID: b[2], Seq: b[3]}, nil
}

// RejectReason says why a provider turned a request down.
type RejectReason uint8

// Reject reasons.
const (
	RejectCapacityFull RejectReason = iota
	RejectUnavailable
)

func (r RejectReason) String() string {
	switch r {
	case RejectCapacityFull:
		return "CAPACITY_FULL"
	case RejectUnavailable:
		return "UNAVAILABLE"
	}
	return "UNKNOWN"
}

// Reject declines a relay request.
type Reject struct {
	ProviderSysID uint8
	ClientSysID   uint8
	Seq           uint8
	Reason        RejectReason
}

const rejectSize = 5

// Marshal encodes the reject frame.
func (r *Reject) Marshal() []byte {
	return []byte{MagicReject, r.ProviderSysID, r.ClientSysID, r.Seq, byte(r.Reason)}
}

// UnmarshalReject decodes a reject frame.
func UnmarshalReject(b []byte) (*Reject, error) {
	if len(b) < rejectSize || b[0] != MagicReject {
		return nil, ErrBadFrame
	}
	return &Reject{ProviderSysID: b[1], ClientSysID: b[2], Seq: b[3], Reason: RejectReason(b[4])}, nil
}

// Heartbeat keeps an established relay session alive client-to-provider.
type Heartbeat struct {
	ClientSysID   uint8
	ProviderSysID uint8
}

const heartbeatSize = 3

// Marshal encodes the heartbeat frame.
func (h *Heartbeat) Marshal() []byte {
	return []byte{MagicHeartbeat, h.ClientSysID, h.ProviderSysID}
}

// UnmarshalHeartbeat decodes a heartbeat frame.
func UnmarshalHeartbeat(b []byte) (*Heartbeat, error) {
	if len(b) < heartbeatSize || b[0] != MagicHeartbeat {
		return nil, ErrBadFrame
	}
	return &Heartbeat{ClientSysID: b[1], ProviderSysID: b[2]}, nil
}

// the metric and position layouts are shared with the inter-controller
// link so values survive the bridge bit-exact

func putMetrics(b []byte, m interlink.Metrics) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(int16(math.Round(m.RSSIdBm*10))))
	binary.LittleEndian.PutUint16(b[2:4], uint16(int16(math.Round(m.SNRdB*10))))
	b[4] = m.LossPct
}

func getMetrics(b []byte) interlink.Metrics {
	return interlink.Metrics{
		RSSIdBm: float64(int16(binary.LittleEndian.Uint16(b[0:2]))) / 10,
		SNRdB:   float64(int16(binary.LittleEndian.Uint16(b[2:4]))) / 10,
		LossPct: b[4],
	}
}

func putPosition(b []byte, p interlink.Position) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.LatE7))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.LonE7))
	binary.LittleEndian.PutUint32(b[8:12], uint32(p.AltM))
}

func getPosition(b []byte) interlink.Position {
	return interlink.Position{
		LatE7: int32(binary.LittleEndian.Uint32(b[0:4])),
		LonE7: int32(binary.LittleEndian.Uint32(b[4:8])),
		AltM:  int32(binary.LittleEndian.Uint32(b[8:12])),
	}
}
