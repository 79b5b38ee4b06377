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

package node

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aerolora/aerolink/interlink"
	"github.com/aerolora/aerolink/radio"
	"github.com/aerolora/aerolink/telemetry"
)

// pipe is a byte queue usable as one direction of a serial wire.
type pipe struct {
	buf bytes.Buffer
}

func (p *pipe) Write(b []byte) (int, error) { return p.buf.Write(b) }
func (p *pipe) Read(b []byte) (int, error) {
	if p.buf.Len() == 0 {
		return 0, nil
	}
	return p.buf.Read(b)
}

// duplex bundles both directions of the flight-controller port.
type duplex struct {
	in  pipe // flight controller -> node
	out pipe // node -> flight controller
}

func (d *duplex) Read(b []byte) (int, error)  { return d.in.Read(b) }
func (d *duplex) Write(b []byte) (int, error) { return d.out.Write(b) }

type stubShort struct {
	reachable bool
	sent      [][]byte
}

func (s *stubShort) Reachable() bool { return s.reachable }
func (s *stubShort) RSSI() float64   { return -40 }
func (s *stubShort) Send(b []byte) error {
	s.sent = append(s.sent, append([]byte(nil), b...))
	return nil
}
func (s *stubShort) Receive(buf []byte) (int, error) { return 0, nil }

func frameV1(seq, sysID, msgID uint8, payload []byte) []byte {
	p := []byte{telemetry.MarkerV1, byte(len(payload)), seq, sysID, 1, msgID}
	p = append(p, payload...)
	return append(p, 0, 0)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.SysID = 1
	return cfg
}

func newTestPrimary(t *testing.T) (*Primary, *radio.Mock, *duplex, *pipe, *pipe) {
	t.Helper()
	gcs := radio.NewMock()
	fc := &duplex{}
	toSec := &pipe{}   // primary writes, secondary reads
	fromSec := &pipe{} // secondary writes, primary reads
	p, err := NewPrimary(testConfig(), gcs, &stubShort{}, fc, toSec, fromSec,
		NewStats(), NewEventLog(64))
	require.NoError(t, err)
	return p, gcs, fc, toSec, fromSec
}

func TestPrimaryFlightToLongRange(t *testing.T) {
	p, gcs, fc, _, _ := newTestPrimary(t)
	now := time.Now()

	// essential frame from the flight controller
	fc.in.Write(frameV1(1, 1, telemetry.MsgHeartbeat, nil))
	p.Step(now)
	// queued during the first step; transmitted by the next pump
	p.Step(now.Add(10 * time.Millisecond))

	require.Len(t, gcs.Sent, 1)
	require.Equal(t, frameV1(1, 1, telemetry.MsgHeartbeat, nil), gcs.Sent[0])
}

func TestPrimaryRoutineStaysOffLongRange(t *testing.T) {
	p, gcs, fc, _, _ := newTestPrimary(t)
	now := time.Now()

	fc.in.Write(frameV1(1, 1, 200, nil)) // routine msg id
	p.Step(now)
	p.Step(now.Add(10 * time.Millisecond))

	require.Empty(t, gcs.Sent, "routine traffic must not ride the long-range link")
	require.Zero(t, p.Scheduler().Status()[telemetry.TierRoutine].TX)
	require.Zero(t, p.Scheduler().Depth(telemetry.TierRoutine))
}

func TestPrimaryShortRangePreferred(t *testing.T) {
	gcs := radio.NewMock()
	fc := &duplex{}
	short := &stubShort{reachable: true}
	p, err := NewPrimary(testConfig(), gcs, short, fc, &pipe{}, &pipe{},
		NewStats(), NewEventLog(64))
	require.NoError(t, err)
	now := time.Now()

	fc.in.Write(frameV1(2, 1, 200, nil))
	p.Step(now)
	require.Len(t, short.sent, 1)
	require.Empty(t, gcs.Sent)
}

func TestPrimaryGCSDownlinkReachesFlight(t *testing.T) {
	p, gcs, fc, _, _ := newTestPrimary(t)
	now := time.Now()

	downlink := frameV1(7, 255, telemetry.MsgCommandLong, []byte{1})
	gcs.InjectRX(downlink)
	p.Step(now)

	require.Equal(t, downlink, fc.out.buf.Bytes())
}

func TestPrimaryInitHandshake(t *testing.T) {
	p, _, _, toSec, fromSec := newTestPrimary(t)
	now := time.Now()
	p.sendInit(now)

	// decode what went over the wire
	rx := interlink.NewReceiver()
	var pkt *interlink.Packet
	for _, b := range toSec.buf.Bytes() {
		if got := rx.Feed(b, now); got != nil {
			pkt = got
		}
	}
	require.NotNil(t, pkt)
	require.Equal(t, interlink.CmdInit, pkt.Cmd)
	init, err := interlink.UnmarshalInit(pkt.Payload)
	require.NoError(t, err)
	require.Equal(t, "primary", init.Mode)
	require.Equal(t, uint32(915000000), init.PrimaryHz)

	// un-ACKed INIT is retried
	require.Equal(t, 1, p.inter.PendingCount())

	// the Secondary ACKs; the pending entry completes
	ack, err := (&interlink.Packet{Cmd: interlink.CmdAck}).Marshal()
	require.NoError(t, err)
	fromSec.Write(ack)
	p.Step(now.Add(10 * time.Millisecond))
	require.Equal(t, 0, p.inter.PendingCount())
	require.True(t, p.initDone)
}

func TestPrimaryJammingCommandsSecondary(t *testing.T) {
	p, _, _, toSec, _ := newTestPrimary(t)
	start := time.Now()

	// total GCS silence: every scan tick books a loss, and once the
	// consecutive-loss and bad-tick thresholds pass, the Primary
	// commands relay operation
	now := start
	for i := 0; i < 15; i++ {
		now = now.Add(time.Second)
		p.Step(now)
	}

	rx := interlink.NewReceiver()
	var cmds []interlink.Command
	for _, b := range toSec.buf.Bytes() {
		if pkt := rx.Feed(b, now); pkt != nil {
			cmds = append(cmds, pkt.Cmd)
		}
	}
	require.Contains(t, cmds, interlink.CmdRelayActivate)
	require.Contains(t, cmds, interlink.CmdBroadcastRelayReq)
	require.Contains(t, cmds, interlink.CmdStartRelayDiscover)
}

// The exposed relay mode must follow the value each ACKed
// RELAY_ACTIVATE carried, not whatever the jamming detector says when
// the ACK lands.
func TestPrimaryRelayModeTracksAckedPayload(t *testing.T) {
	p, _, _, _, fromSec := newTestPrimary(t)
	now := time.Now()

	// two mode commands in flight at once; the detector is quiet (OK)
	// the whole time
	p.commandRelay(now, true)
	p.commandRelay(now.Add(10*time.Millisecond), false)
	require.Equal(t, 2, p.inter.PendingCount())

	ack, err := (&interlink.Packet{Cmd: interlink.CmdAck}).Marshal()
	require.NoError(t, err)

	// first ACK completes RELAY_ACTIVATE(true)
	fromSec.Write(ack)
	p.Step(now.Add(20 * time.Millisecond))
	require.True(t, p.RelayActive())

	// second ACK completes RELAY_ACTIVATE(false)
	fromSec.Write(ack)
	p.Step(now.Add(30 * time.Millisecond))
	require.False(t, p.RelayActive())
}

// An abandoned RELAY_ACTIVATE must not leave its value queued for a
// later ACK to consume.
func TestPrimaryAbandonedActivateKeepsQueueAligned(t *testing.T) {
	p, _, _, _, fromSec := newTestPrimary(t)
	start := time.Now()

	p.commandRelay(start, true)
	// no ACK ever arrives; walk through the full retry schedule
	now := start
	for i := 0; i < 10; i++ {
		now = now.Add(time.Second)
		p.pumpInter(now)
	}
	require.Equal(t, 0, p.inter.PendingCount())
	require.False(t, p.RelayActive())
	require.Empty(t, p.sentActivate)

	// the next command pairs with the next ACK
	p.commandRelay(now, true)
	ack, err := (&interlink.Packet{Cmd: interlink.CmdAck}).Marshal()
	require.NoError(t, err)
	fromSec.Write(ack)
	p.Step(now.Add(10 * time.Millisecond))
	require.True(t, p.RelayActive())
}

// A brim-full intake drain is the UART near-full condition: the batch
// is discarded, buffer_overflow increments and the framer resets.
func TestPrimaryIntakeOverflowResetsFramer(t *testing.T) {
	p, _, _, _, fromSec := newTestPrimary(t)
	now := time.Now()

	// a frame start followed by a flood with no frame end
	fromSec.Write([]byte{interlink.StartByte})
	p.Step(now)
	require.Equal(t, 1, p.inter.Receiver().BytesBuffered())

	fromSec.Write(make([]byte, overflowThreshold+100))
	p.Step(now.Add(10 * time.Millisecond))
	require.Equal(t, uint64(1), p.inter.Receiver().Counters().BufferOverflow)
	require.Equal(t, 0, p.inter.Receiver().BytesBuffered())

	// the link keeps working once the flood subsides: drain the tail,
	// then parse a valid packet
	p.Step(now.Add(20 * time.Millisecond))
	before := p.inter.Receiver().Counters().PacketsReceived
	ack, err := (&interlink.Packet{Cmd: interlink.CmdAck}).Marshal()
	require.NoError(t, err)
	fromSec.Write(ack)
	p.Step(now.Add(30 * time.Millisecond))
	require.Equal(t, before+1, p.inter.Receiver().Counters().PacketsReceived)
}

func TestSecondaryIntakeOverflowResetsFramer(t *testing.T) {
	s, _, _, fromPri := newTestSecondary(t)
	now := time.Now()

	fromPri.Write(make([]byte, overflowThreshold))
	s.Step(now)
	require.Equal(t, uint64(1), s.inter.Receiver().Counters().BufferOverflow)
	require.Equal(t, 0, s.inter.Receiver().BytesBuffered())
}

func newTestSecondary(t *testing.T) (*Secondary, *radio.Mock, *pipe, *pipe) {
	t.Helper()
	mesh := radio.NewMock()
	toPri := &pipe{}
	fromPri := &pipe{}
	s, err := NewSecondary(testConfig(), mesh, toPri, fromPri, NewStats(), NewEventLog(64))
	require.NoError(t, err)
	return s, mesh, toPri, fromPri
}

func sendCmd(t *testing.T, w *pipe, cmd interlink.Command, payload []byte) {
	t.Helper()
	raw, err := (&interlink.Packet{Cmd: cmd, Payload: payload}).Marshal()
	require.NoError(t, err)
	w.Write(raw)
}

func decodeCmds(t *testing.T, p *pipe) []*interlink.Packet {
	t.Helper()
	rx := interlink.NewReceiver()
	var pkts []*interlink.Packet
	for _, b := range p.buf.Bytes() {
		if pkt := rx.Feed(b, time.Time{}); pkt != nil {
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

func TestSecondaryRelayActivateAckedAndIdempotent(t *testing.T) {
	s, _, toPri, fromPri := newTestSecondary(t)
	now := time.Now()

	act, err := (&interlink.RelayActivate{Active: true}).Marshal()
	require.NoError(t, err)
	sendCmd(t, fromPri, interlink.CmdRelayActivate, act)
	s.Step(now)
	require.True(t, s.RelayActive())

	acks := 0
	for _, pkt := range decodeCmds(t, toPri) {
		if pkt.Cmd == interlink.CmdAck {
			acks++
		}
	}
	require.Equal(t, 1, acks)

	// the second activation changes nothing but is still ACKed
	sendCmd(t, fromPri, interlink.CmdRelayActivate, act)
	s.Step(now.Add(10 * time.Millisecond))
	require.True(t, s.RelayActive())
	acks = 0
	for _, pkt := range decodeCmds(t, toPri) {
		if pkt.Cmd == interlink.CmdAck {
			acks++
		}
	}
	require.Equal(t, 2, acks)
}

func TestSecondaryStatusReport(t *testing.T) {
	s, _, toPri, fromPri := newTestSecondary(t)
	now := time.Now()

	sendCmd(t, fromPri, interlink.CmdStatusRequest, nil)
	s.Step(now)

	var report *interlink.StatusReport
	for _, pkt := range decodeCmds(t, toPri) {
		if pkt.Cmd == interlink.CmdStatusReport {
			r, err := interlink.UnmarshalStatusReport(pkt.Payload)
			require.NoError(t, err)
			report = r
		}
	}
	require.NotNil(t, report)
}

func TestSecondaryRelayTXGoesToMesh(t *testing.T) {
	s, mesh, _, fromPri := newTestSecondary(t)
	now := time.Now()

	frame := frameV1(3, 1, telemetry.MsgGPSRaw, nil)
	sendCmd(t, fromPri, interlink.CmdRelayTX, frame)
	s.Step(now)

	// the periodic announcement shares the mesh; the frame must be there
	require.Contains(t, mesh.Sent, frame)
}

func TestSecondaryAnnouncesPeriodically(t *testing.T) {
	s, mesh, _, _ := newTestSecondary(t)
	now := time.Now()

	s.Step(now)
	require.Len(t, mesh.Sent, 1)
	require.Equal(t, byte(0x41), mesh.Sent[0][0])

	// inside the announce period: nothing new
	s.Step(now.Add(time.Second))
	require.Len(t, mesh.Sent, 1)

	s.Step(now.Add(2100 * time.Millisecond))
	require.Len(t, mesh.Sent, 2)
}

func TestSecondaryForwardsMeshTelemetry(t *testing.T) {
	s, mesh, toPri, _ := newTestSecondary(t)
	now := time.Now()

	frame := frameV1(9, 42, telemetry.MsgAttitude, nil)
	mesh.InjectRX(frame)
	s.Step(now)

	var rxPkt *interlink.RelayRX
	for _, pkt := range decodeCmds(t, toPri) {
		if pkt.Cmd == interlink.CmdRelayRX {
			r, err := interlink.UnmarshalRelayRX(pkt.Payload)
			require.NoError(t, err)
			rxPkt = r
		}
	}
	require.NotNil(t, rxPkt)
	require.Equal(t, frame, rxPkt.Frame)
}

func TestSecondaryBridgesSessionClientTraffic(t *testing.T) {
	s, mesh, toPri, _ := newTestSecondary(t)
	now := time.Now()

	// client 42 asks us to relay, then sends telemetry
	req := writeRequest(42, 1, 1)
	mesh.InjectRX(req)
	s.Step(now)
	require.Equal(t, 1, s.Provider().Sessions())

	frame := frameV1(10, 42, telemetry.MsgGPSRaw, nil)
	mesh.InjectRX(frame)
	s.Step(now.Add(10 * time.Millisecond))

	var bridged *interlink.Bridge
	for _, pkt := range decodeCmds(t, toPri) {
		if pkt.Cmd == interlink.CmdBridgeRX {
			b, err := interlink.UnmarshalBridge(pkt.Payload)
			require.NoError(t, err)
			bridged = b
		}
	}
	require.NotNil(t, bridged)
	require.Equal(t, uint8(42), bridged.SysID)
	require.Equal(t, frame, bridged.Frame)
	require.Equal(t, uint64(1), s.Provider().Session(42).PacketsRelayed)
}

func writeRequest(client, target, seq uint8) []byte {
	return []byte{0x52, client, target, seq}
}

func TestGroundFailoverScenario(t *testing.T) {
	cfg := testConfig()
	direct := radio.NewMock()
	relayR := radio.NewMock()
	var out bytes.Buffer
	start := time.Now()
	g, err := NewGround(cfg, direct, relayR, &out, NewStats(), NewEventLog(64), start)
	require.NoError(t, err)

	// aircraft 1 heard every 100ms on the direct radio
	now := start
	seq := uint8(0)
	for i := 0; i < 20; i++ {
		now = now.Add(100 * time.Millisecond)
		seq++
		direct.InjectRX(frameV1(seq, 1, telemetry.MsgAttitude, nil))
		g.Step(now)
	}
	require.Equal(t, "DIRECT", g.Mode().String())

	// silence for 3.1s flips to relay mode
	now = now.Add(3100 * time.Millisecond)
	g.Step(now)
	require.Equal(t, "RELAY", g.Mode().String())

	// relay-radio traffic is now accepted
	seq++
	relayR.InjectRX(frameV1(seq, 1, telemetry.MsgAttitude, nil))
	before := out.Len()
	g.Step(now.Add(100 * time.Millisecond))
	require.Greater(t, out.Len(), before)

	// five consecutive direct packets restore direct mode
	for i := 0; i < 5; i++ {
		now = now.Add(100 * time.Millisecond)
		seq++
		direct.InjectRX(frameV1(seq, 1, telemetry.MsgAttitude, nil))
		g.Step(now)
	}
	require.Equal(t, "DIRECT", g.Mode().String())
}

func TestGroundDedupDirectRepeat(t *testing.T) {
	cfg := testConfig()
	direct := radio.NewMock()
	relayR := radio.NewMock()
	var out bytes.Buffer
	start := time.Now()
	g, err := NewGround(cfg, direct, relayR, &out, NewStats(), NewEventLog(64), start)
	require.NoError(t, err)

	f := frameV1(5, 1, telemetry.MsgAttitude, nil)
	direct.InjectRX(f)
	g.Step(start.Add(100 * time.Millisecond))
	require.Equal(t, len(f), out.Len())

	// duplicate on the direct radio is dropped
	direct.InjectRX(f)
	g.Step(start.Add(200 * time.Millisecond))
	require.Equal(t, len(f), out.Len())
}

func TestIRQRing(t *testing.T) {
	r := NewIRQRing(2)
	r.Publish(IRQRxDone)
	r.Publish(IRQTxDone)
	r.Publish(IRQRxDone) // full, dropped
	require.Equal(t, uint64(1), r.Dropped())

	k, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, IRQRxDone, k)
	k, ok = r.Pop()
	require.True(t, ok)
	require.Equal(t, IRQTxDone, k)
	_, ok = r.Pop()
	require.False(t, ok)
}

func TestEventLogRing(t *testing.T) {
	l := NewEventLog(3)
	for i := 0; i < 5; i++ {
		l.Record(Event{Kind: string(rune('A' + i))})
	}
	evs := l.Events()
	require.Len(t, evs, 3)
	require.Equal(t, "C", evs[0].Kind)
	require.Equal(t, "E", evs[2].Kind)
	l.Clear()
	require.Empty(t, l.Events())
}

func TestConsoleDumpClear(t *testing.T) {
	stats := NewStats()
	stats.SetCounter("x", 7)
	events := NewEventLog(8)
	events.Record(Event{Kind: "TEST"})

	c := NewConsole(stats, events)
	var out bytes.Buffer
	c.Run(bytes.NewBufferString("DUMP\nCLEAR\nDUMP\n"), &out)
	require.Contains(t, out.String(), "TEST")
	require.Contains(t, out.String(), "x=7")
	require.Contains(t, out.String(), "cleared")
	require.Equal(t, int64(0), stats.Get()["x"])
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.EvalAndValidate())

	cfg.SysID = 0
	require.Error(t, cfg.EvalAndValidate())

	cfg = DefaultConfig()
	cfg.Mesh.SyncWord = cfg.Direct.SyncWord
	require.Error(t, cfg.EvalAndValidate())

	cfg = DefaultConfig()
	cfg.ScoreFormula = "mesh_rssi +"
	require.Error(t, cfg.EvalAndValidate())
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.SetCounter("a", 1)
	s.UpdateCounterBy("a", 2)
	require.Equal(t, int64(3), s.Get()["a"])
	s.Reset()
	require.Equal(t, int64(0), s.Get()["a"])
}
