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

package interlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortPayload is returned when a payload does not carry its
// declared fields.
var ErrShortPayload = errors.New("interlink: payload too short")

// Link metrics travel as scaled integers: RSSI and SNR in tenths of a
// dBm/dB, loss as a whole percentage.

// Metrics is the RSSI/SNR/loss triple several commands carry.
type Metrics struct {
	RSSIdBm float64
	SNRdB   float64
	LossPct uint8
}

const metricsSize = 5

func putMetrics(b []byte, m Metrics) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(int16(math.Round(m.RSSIdBm*10))))
	binary.LittleEndian.PutUint16(b[2:4], uint16(int16(math.Round(m.SNRdB*10))))
	b[4] = m.LossPct
}

func getMetrics(b []byte) Metrics {
	return Metrics{
		RSSIdBm: float64(int16(binary.LittleEndian.Uint16(b[0:2]))) / 10,
		SNRdB:   float64(int16(binary.LittleEndian.Uint16(b[2:4]))) / 10,
		LossPct: b[4],
	}
}

// Position is a geodetic fix: degrees scaled by 1e7, altitude in meters.
type Position struct {
	LatE7 int32
	LonE7 int32
	AltM  int32
}

const positionSize = 12

func putPosition(b []byte, p Position) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.LatE7))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.LonE7))
	binary.LittleEndian.PutUint32(b[8:12], uint32(p.AltM))
}

func getPosition(b []byte) Position {
	return Position{
		LatE7: int32(binary.LittleEndian.Uint32(b[0:4])),
		LonE7: int32(binary.LittleEndian.Uint32(b[4:8])),
		AltM:  int32(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// Init is the INIT handshake payload: the Primary announces the node
// mode and the frequency plan to its Secondary.
type Init struct {
	Mode        string
	PrimaryHz   uint32
	SecondaryHz uint32
	TimestampMS uint32
}

// Marshal encodes the INIT payload.
func (i *Init) Marshal() ([]byte, error) {
	if len(i.Mode) > 32 {
		return nil, fmt.Errorf("interlink: mode string %q too long", i.Mode)
	}
	out := make([]byte, 1+len(i.Mode)+12)
	out[0] = byte(len(i.Mode))
	copy(out[1:], i.Mode)
	off := 1 + len(i.Mode)
	binary.LittleEndian.PutUint32(out[off:], i.PrimaryHz)
	binary.LittleEndian.PutUint32(out[off+4:], i.SecondaryHz)
	binary.LittleEndian.PutUint32(out[off+8:], i.TimestampMS)
	return out, nil
}

// UnmarshalInit decodes the INIT payload.
func UnmarshalInit(b []byte) (*Init, error) {
	if len(b) < 1 {
		return nil, ErrShortPayload
	}
	n := int(b[0])
	if len(b) < 1+n+12 {
		return nil, ErrShortPayload
	}
	return &Init{
		Mode:        string(b[1 : 1+n]),
		PrimaryHz:   binary.LittleEndian.Uint32(b[1+n:]),
		SecondaryHz: binary.LittleEndian.Uint32(b[1+n+4:]),
		TimestampMS: binary.LittleEndian.Uint32(b[1+n+8:]),
	}, nil
}

// RelayActivate toggles relay mode on the Secondary.
type RelayActivate struct {
	Active bool
}

// Marshal encodes the RELAY_ACTIVATE payload.
func (r *RelayActivate) Marshal() ([]byte, error) {
	if r.Active {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

// UnmarshalRelayActivate decodes the RELAY_ACTIVATE payload.
func UnmarshalRelayActivate(b []byte) (*RelayActivate, error) {
	if len(b) < 1 {
		return nil, ErrShortPayload
	}
	return &RelayActivate{Active: b[0] != 0}, nil
}

// RelayRX carries a frame received on the mesh radio up to the Primary,
// with the reception metrics.
type RelayRX struct {
	RSSIdBm float64
	SNRdB   float64
	Frame   []byte
}

// Marshal encodes the RELAY_RX payload.
func (r *RelayRX) Marshal() ([]byte, error) {
	out := make([]byte, 4+len(r.Frame))
	binary.LittleEndian.PutUint16(out[0:2], uint16(int16(math.Round(r.RSSIdBm*10))))
	binary.LittleEndian.PutUint16(out[2:4], uint16(int16(math.Round(r.SNRdB*10))))
	copy(out[4:], r.Frame)
	return out, nil
}

// UnmarshalRelayRX decodes the RELAY_RX payload.
func UnmarshalRelayRX(b []byte) (*RelayRX, error) {
	if len(b) < 4 {
		return nil, ErrShortPayload
	}
	return &RelayRX{
		RSSIdBm: float64(int16(binary.LittleEndian.Uint16(b[0:2]))) / 10,
		SNRdB:   float64(int16(binary.LittleEndian.Uint16(b[2:4]))) / 10,
		Frame:   append([]byte(nil), b[4:]...),
	}, nil
}

// Bridge moves an application frame across the inter-controller link in
// either direction, tagged with its origin and reception metrics.
type Bridge struct {
	SysID   uint8
	RSSIdBm float64
	SNRdB   float64
	Frame   []byte
}

// Marshal encodes a BRIDGE_TX / BRIDGE_RX payload.
func (b *Bridge) Marshal() ([]byte, error) {
	if len(b.Frame) > MaxPayload-6 {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 6+len(b.Frame))
	out[0] = b.SysID
	binary.LittleEndian.PutUint16(out[1:3], uint16(int16(math.Round(b.RSSIdBm*10))))
	binary.LittleEndian.PutUint16(out[3:5], uint16(int16(math.Round(b.SNRdB*10))))
	out[5] = byte(len(b.Frame))
	copy(out[6:], b.Frame)
	return out, nil
}

// UnmarshalBridge decodes a BRIDGE_TX / BRIDGE_RX payload.
func UnmarshalBridge(b []byte) (*Bridge, error) {
	if len(b) < 6 {
		return nil, ErrShortPayload
	}
	n := int(b[5])
	if len(b) < 6+n {
		return nil, ErrShortPayload
	}
	return &Bridge{
		SysID:   b[0],
		RSSIdBm: float64(int16(binary.LittleEndian.Uint16(b[1:3]))) / 10,
		SNRdB:   float64(int16(binary.LittleEndian.Uint16(b[3:5]))) / 10,
		Frame:   append([]byte(nil), b[6:6+n]...),
	}, nil
}

// StatusReport is the Secondary's bulk counter report.
type StatusReport struct {
	MeshTX         uint32
	MeshRX         uint32
	Relayed        uint32
	ChecksumErrors uint32
	TimeoutErrors  uint32
	BufferOverflow uint32
	RelayClients   uint8
	Mesh           Metrics
}

const statusReportSize = 4*6 + 1 + metricsSize

// Marshal encodes the STATUS_REPORT payload.
func (s *StatusReport) Marshal() ([]byte, error) {
	out := make([]byte, statusReportSize)
	binary.LittleEndian.PutUint32(out[0:], s.MeshTX)
	binary.LittleEndian.PutUint32(out[4:], s.MeshRX)
	binary.LittleEndian.PutUint32(out[8:], s.Relayed)
	binary.LittleEndian.PutUint32(out[12:], s.ChecksumErrors)
	binary.LittleEndian.PutUint32(out[16:], s.TimeoutErrors)
	binary.LittleEndian.PutUint32(out[20:], s.BufferOverflow)
	out[24] = s.RelayClients
	putMetrics(out[25:], s.Mesh)
	return out, nil
}

// UnmarshalStatusReport decodes the STATUS_REPORT payload.
func UnmarshalStatusReport(b []byte) (*StatusReport, error) {
	if len(b) < statusReportSize {
		return nil, ErrShortPayload
	}
	return &StatusReport{
		MeshTX:         binary.LittleEndian.Uint32(b[0:]),
		MeshRX:         binary.LittleEndian.Uint32(b[4:]),
		Relayed:        binary.LittleEndian.Uint32(b[8:]),
		ChecksumErrors: binary.LittleEndian.Uint32(b[12:]),
		TimeoutErrors:  binary.LittleEndian.Uint32(b[16:]),
		BufferOverflow: binary.LittleEndian.Uint32(b[20:]),
		RelayClients:   b[24],
		Mesh:           getMetrics(b[25:]),
	}, nil
}

// BroadcastRelayReq asks the Secondary to include the Primary's GCS
// link state in its next announcements.
type BroadcastRelayReq struct {
	GCS Metrics
}

// Marshal encodes the BROADCAST_RELAY_REQ payload.
func (r *BroadcastRelayReq) Marshal() ([]byte, error) {
	out := make([]byte, metricsSize)
	putMetrics(out, r.GCS)
	return out, nil
}

// UnmarshalBroadcastRelayReq decodes the BROADCAST_RELAY_REQ payload.
func UnmarshalBroadcastRelayReq(b []byte) (*BroadcastRelayReq, error) {
	if len(b) < metricsSize {
		return nil, ErrShortPayload
	}
	return &BroadcastRelayReq{GCS: getMetrics(b)}, nil
}

// StartRelayDiscovery tells the Secondary to begin client-side relay
// discovery, carrying our position and the degraded GCS link state.
type StartRelayDiscovery struct {
	Pos Position
	GCS Metrics
}

// Marshal encodes the START_RELAY_DISCOVERY payload.
func (s *StartRelayDiscovery) Marshal() ([]byte, error) {
	out := make([]byte, positionSize+metricsSize)
	putPosition(out, s.Pos)
	putMetrics(out[positionSize:], s.GCS)
	return out, nil
}

// UnmarshalStartRelayDiscovery decodes the START_RELAY_DISCOVERY payload.
func UnmarshalStartRelayDiscovery(b []byte) (*StartRelayDiscovery, error) {
	if len(b) < positionSize+metricsSize {
		return nil, ErrShortPayload
	}
	return &StartRelayDiscovery{
		Pos: getPosition(b),
		GCS: getMetrics(b[positionSize:]),
	}, nil
}

// RelaySelected reports the scoring winner to the Primary.
type RelaySelected struct {
	RelaySysID uint8
	RSSIdBm    float64
	SNRdB      float64
	Score      float64
}

// Marshal encodes the RELAY_SELECTED payload.
func (r *RelaySelected) Marshal() ([]byte, error) {
	out := make([]byte, 9)
	out[0] = r.RelaySysID
	binary.LittleEndian.PutUint16(out[1:3], uint16(int16(math.Round(r.RSSIdBm*10))))
	binary.LittleEndian.PutUint16(out[3:5], uint16(int16(math.Round(r.SNRdB*10))))
	binary.LittleEndian.PutUint32(out[5:9], uint32(int32(math.Round(r.Score*1000))))
	return out, nil
}

// UnmarshalRelaySelected decodes the RELAY_SELECTED payload.
func UnmarshalRelaySelected(b []byte) (*RelaySelected, error) {
	if len(b) < 9 {
		return nil, ErrShortPayload
	}
	return &RelaySelected{
		RelaySysID: b[0],
		RSSIdBm:    float64(int16(binary.LittleEndian.Uint16(b[1:3]))) / 10,
		SNRdB:      float64(int16(binary.LittleEndian.Uint16(b[3:5]))) / 10,
		Score:      float64(int32(binary.LittleEndian.Uint32(b[5:9]))) / 1000,
	}, nil
}

// RelayEstablished reports a completed relay handshake.
type RelayEstablished struct {
	RelaySysID uint8
}

// Marshal encodes the RELAY_ESTABLISHED payload.
func (r *RelayEstablished) Marshal() ([]byte, error) {
	return []byte{r.RelaySysID}, nil
}

// UnmarshalRelayEstablished decodes the RELAY_ESTABLISHED payload.
func UnmarshalRelayEstablished(b []byte) (*RelayEstablished, error) {
	if len(b) < 1 {
		return nil, ErrShortPayload
	}
	return &RelayEstablished{RelaySysID: b[0]}, nil
}

// LostReason says why a relay session ended.
type LostReason uint8

// Relay loss reasons.
const (
	LostHeartbeatTimeout LostReason = iota
	LostGCSRestored
	LostDeactivated
)

func (r LostReason) String() string {
	switch r {
	case LostHeartbeatTimeout:
		return "HEARTBEAT_TIMEOUT"
	case LostGCSRestored:
		return "GCS_RESTORED"
	case LostDeactivated:
		return "DEACTIVATED"
	}
	return "UNKNOWN"
}

// RelayLost reports a dropped relay session.
type RelayLost struct {
	RelaySysID uint8
	Reason     LostReason
}

// Marshal encodes the RELAY_LOST payload.
func (r *RelayLost) Marshal() ([]byte, error) {
	return []byte{r.RelaySysID, byte(r.Reason)}, nil
}

// UnmarshalRelayLost decodes the RELAY_LOST payload.
func UnmarshalRelayLost(b []byte) (*RelayLost, error) {
	if len(b) < 2 {
		return nil, ErrShortPayload
	}
	return &RelayLost{RelaySysID: b[0], Reason: LostReason(b[1])}, nil
}
