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
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aerolora/aerolink/dualband"
	"github.com/aerolora/aerolink/interlink"
	"github.com/aerolora/aerolink/linkqual"
	"github.com/aerolora/aerolink/radio"
	"github.com/aerolora/aerolink/sched"
	"github.com/aerolora/aerolink/telemetry"
)

// loopInterval paces one cooperative iteration.
const loopInterval = 2 * time.Millisecond

// longLink adapts the GCS radio and the scheduler into the dual-band
// coordinator's long-range path: sending means queueing.
type longLink struct {
	p *Primary
}

func (l *longLink) Send(b []byte) error {
	switch l.p.sched.Enqueue(b, l.p.now) {
	case sched.Queued:
		return nil
	case sched.DroppedFull:
		return fmt.Errorf("tier full")
	case sched.RejectedEmpty, sched.RejectedTooLarge:
		return fmt.Errorf("payload rejected")
	}
	return nil
}

func (l *longLink) Receive(buf []byte) (int, error) {
	n, err := l.p.gcs.Radio().Read(buf)
	if n > 0 {
		r := l.p.gcs.Radio()
		l.p.quality.AddSample(r.RSSI(), r.SNR())
		l.p.rxSinceScan++
	}
	return n, err
}

// Primary is the aircraft node owning the long-range GCS link and the
// flight-controller serial. It classifies outbound telemetry, drives
// the transmit scheduler, watches the link for jamming and commands
// its co-resident Secondary over the inter-controller link.
type Primary struct {
	cfg    *Config
	stats  StatsServer
	events *EventLog

	gcs    *radio.Wrapper
	flight io.ReadWriter
	inter  *interlink.Link
	intake io.Reader // inter-controller read side

	// IRQ is the driver-facing edge event ring.
	IRQ *IRQRing

	sched    *sched.Scheduler
	coord    *dualband.Coordinator
	splitter *telemetry.Splitter

	quality  *linkqual.Record
	detector *linkqual.Detector

	now         time.Time
	scanAt      time.Time
	statusAt    time.Time
	rxSinceScan int

	pos         interlink.Position
	relayActive bool // true once RELAY_ACTIVATE(true) is ACKed
	initDone    bool

	// payloads of in-flight RELAY_ACTIVATE commands, oldest first; the
	// ACK or abandonment of each pops its value
	sentActivate []bool

	rxBuf [sched.MaxPayload + 16]byte
	inBuf [intakeBudget]byte
}

// NewPrimary wires a Primary from its collaborators. short is the
// opportunistic 2.4 GHz link; flight and inter/intake are the two
// serial attachments.
func NewPrimary(cfg *Config, gcs radio.Radio, short dualband.ShortLink,
	flight io.ReadWriter, interW io.Writer, intake io.Reader,
	stats StatsServer, events *EventLog) (*Primary, error) {
	params := cfg.Direct.Params()
	if err := gcs.Init(params); err != nil {
		return nil, fmt.Errorf("initialising GCS radio: %w", err)
	}
	if err := gcs.BeginReceive(); err != nil {
		return nil, fmt.Errorf("arming GCS receive: %w", err)
	}
	p := &Primary{
		cfg:      cfg,
		stats:    stats,
		events:   events,
		gcs:      radio.NewWrapper(gcs, params),
		flight:   flight,
		intake:   intake,
		IRQ:      NewIRQRing(32),
		sched:    sched.New(sched.DefaultConfig()),
		splitter: telemetry.NewSplitter(),
		quality:  linkqual.NewRecord(cfg.Jamming.RollingWindow),
		detector: linkqual.NewDetector(cfg.Jamming),
	}
	p.coord = dualband.New(short, &longLink{p: p})
	p.coord.OnLinkEvent = func(ev dualband.LinkEvent) {
		events.Record(Event{At: ev.At, Kind: ev.Type.String(), Cause: "reachability", RSSIdBm: ev.RSSIdBm})
	}
	p.inter = interlink.NewLink(interW, interlink.DefaultLinkConfig())
	p.inter.OnAck = p.onAck
	p.inter.OnAbandon = p.onAbandon
	p.inter.OnCriticalRate = func(rate float64) {
		events.Record(Event{At: p.now, Kind: "INTERLINK_DEGRADED", Cause: fmt.Sprintf("success rate %.2f", rate)})
	}
	p.inter.Handle(interlink.CmdRelayRX, p.onRelayRX)
	p.inter.Handle(interlink.CmdBridgeRX, p.onBridgeRX)
	p.inter.Handle(interlink.CmdStatusReport, p.onStatusReport)
	p.inter.Handle(interlink.CmdRelaySelected, p.onRelaySelected)
	p.inter.Handle(interlink.CmdRelayEstablished, p.onRelayEstablished)
	p.inter.Handle(interlink.CmdRelayLost, p.onRelayLost)
	return p, nil
}

// Scheduler exposes the transmit scheduler for status reporting.
func (p *Primary) Scheduler() *sched.Scheduler { return p.sched }

// RelayActive reports whether the relay path is the acknowledged mode.
func (p *Primary) RelayActive() bool { return p.relayActive }

// SetPosition feeds the own-aircraft fix carried in relay discovery.
func (p *Primary) SetPosition(pos interlink.Position) { p.pos = pos }

// Run drives the cooperative loop until the context ends.
func (p *Primary) Run(ctx context.Context) error {
	p.sendInit(time.Now())
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			p.Step(t)
		}
	}
}

// sendInit opens the deterministic INIT handshake; the Primary is
// always the initiator.
func (p *Primary) sendInit(now time.Time) {
	init := &interlink.Init{
		Mode:        "primary",
		PrimaryHz:   p.cfg.Direct.FrequencyHz,
		SecondaryHz: p.cfg.Mesh.FrequencyHz,
		TimestampMS: uint32(now.UnixMilli()),
	}
	payload, err := init.Marshal()
	if err != nil {
		log.Errorf("primary: marshaling INIT: %v", err)
		return
	}
	if err := p.inter.Send(interlink.CmdInit, payload, now); err != nil {
		log.Errorf("primary: sending INIT: %v", err)
	}
}

// Step runs one loop iteration: coordinator tick, IRQ drain, scheduler
// pump, flight intake, inter-controller intake, periodic tasks.
func (p *Primary) Step(now time.Time) {
	p.now = now

	p.coord.Tick(now)

	for {
		if _, ok := p.IRQ.Pop(); !ok {
			break
		}
		// edges only schedule work; the reads below do it
	}

	p.pumpScheduler(now)
	p.pumpFlight()
	p.pumpReceive()
	p.pumpInter(now)
	p.periodic(now)
}

// pumpScheduler transmits the next eligible queued item on the
// long-range link.
func (p *Primary) pumpScheduler(now time.Time) {
	item := p.sched.PollNext(now)
	if item == nil {
		return
	}
	if err := p.gcs.Transmit(item.Payload); err != nil {
		if err == radio.ErrChannelBusy {
			p.stats.UpdateCounterBy("gcs.cad_abandoned", 1)
			return
		}
		p.stats.UpdateCounterBy("gcs.tx_failed", 1)
		return
	}
	p.stats.UpdateCounterBy("gcs.tx", 1)
}

// pumpFlight drains the flight-controller serial and fans completed
// frames out through the dual-band coordinator.
func (p *Primary) pumpFlight() {
	data := drainIntake(p.flight, p.inBuf[:])
	if len(data) == 0 {
		return
	}
	for _, frame := range p.splitter.Feed(data) {
		if !p.coord.Send(frame) {
			p.stats.UpdateCounterBy("outbound.unsent", 1)
		}
	}
}

// pumpReceive merges inbound traffic from both links toward the
// flight controller.
func (p *Primary) pumpReceive() {
	for {
		n, src, ok := p.coord.Receive(p.rxBuf[:])
		if !ok {
			return
		}
		p.stats.UpdateCounterBy("inbound."+src.String(), 1)
		if _, err := p.flight.Write(p.rxBuf[:n]); err != nil {
			log.Errorf("primary: writing to flight controller: %v", err)
		}
	}
}

// pumpInter feeds the inter-controller link and its retry timers.
func (p *Primary) pumpInter(now time.Time) {
	if p.intake != nil {
		data := drainIntake(p.intake, p.inBuf[:])
		if len(data) >= overflowThreshold {
			p.inter.Receiver().Overflow()
		} else if len(data) > 0 {
			p.inter.Feed(data, now)
		}
	}
	p.inter.Tick(now)
}

// periodic runs the jamming scan and the status poll.
func (p *Primary) periodic(now time.Time) {
	if p.scanAt.IsZero() || now.Sub(p.scanAt) >= p.cfg.ScanInterval {
		p.scanAt = now
		p.scanTick(now)
	}
	if p.cfg.StatusPeriod > 0 && (p.statusAt.IsZero() || now.Sub(p.statusAt) >= p.cfg.StatusPeriod) {
		p.statusAt = now
		// reopen an INIT handshake that is neither done nor in flight
		if !p.initDone && p.inter.PendingCount() == 0 {
			p.sendInit(now)
		}
		if err := p.inter.Send(interlink.CmdStatusRequest, nil, now); err != nil {
			log.Debugf("primary: status request: %v", err)
		}
		p.publishStats()
	}
}

// scanTick runs one jamming-detector evaluation of the GCS link.
func (p *Primary) scanTick(now time.Time) {
	if p.rxSinceScan == 0 {
		p.quality.AddLoss()
	}
	p.rxSinceScan = 0

	switch p.detector.Tick(p.quality, now) {
	case linkqual.EventJammed:
		p.events.Record(Event{
			At: now, Kind: "GCS_JAMMED", Cause: "link quality below thresholds",
			RSSIdBm: p.quality.MeanRSSI(), SNRdB: p.quality.MeanSNR(),
		})
		p.commandRelay(now, true)
	case linkqual.EventRecovered:
		p.events.Record(Event{
			At: now, Kind: "GCS_RECOVERED", Cause: "link quality above hysteresis",
			RSSIdBm: p.quality.MeanRSSI(), SNRdB: p.quality.MeanSNR(),
		})
		p.commandRelay(now, false)
	}
}

// gcsMetrics snapshots the link-quality record for the wire.
func (p *Primary) gcsMetrics() interlink.Metrics {
	return interlink.Metrics{
		RSSIdBm: p.quality.MeanRSSI(),
		SNRdB:   p.quality.MeanSNR(),
		LossPct: uint8(p.quality.Loss() * 100),
	}
}

// commandRelay drives the Secondary into or out of relay operation.
func (p *Primary) commandRelay(now time.Time, activate bool) {
	act, err := (&interlink.RelayActivate{Active: activate}).Marshal()
	if err != nil {
		log.Errorf("primary: marshaling RELAY_ACTIVATE: %v", err)
		return
	}
	if err := p.inter.Send(interlink.CmdRelayActivate, act, now); err != nil {
		log.Errorf("primary: sending RELAY_ACTIVATE: %v", err)
		return
	}
	p.sentActivate = append(p.sentActivate, activate)
	if activate {
		breq, err := (&interlink.BroadcastRelayReq{GCS: p.gcsMetrics()}).Marshal()
		if err == nil {
			if err := p.inter.Send(interlink.CmdBroadcastRelayReq, breq, now); err != nil {
				log.Errorf("primary: sending BROADCAST_RELAY_REQ: %v", err)
			}
		}
		disc, err := (&interlink.StartRelayDiscovery{Pos: p.pos, GCS: p.gcsMetrics()}).Marshal()
		if err == nil {
			if err := p.inter.Send(interlink.CmdStartRelayDiscover, disc, now); err != nil {
				log.Errorf("primary: sending START_RELAY_DISCOVERY: %v", err)
			}
		}
	}
	// counters reset at the mode transition
	p.quality.Reset()
}

// onAck tracks the acknowledged mode changes.
func (p *Primary) onAck(cmd interlink.Command) {
	switch cmd {
	case interlink.CmdInit:
		p.initDone = true
	case interlink.CmdRelayActivate:
		// the exposed mode follows the value the Secondary ACKed, not
		// the detector's state at ACK time: the detector may have
		// flipped again while the command was in flight
		if v, ok := p.popActivate(); ok {
			p.relayActive = v
		}
	}
}

// popActivate removes and returns the oldest in-flight RELAY_ACTIVATE
// value.
func (p *Primary) popActivate() (bool, bool) {
	if len(p.sentActivate) == 0 {
		return false, false
	}
	v := p.sentActivate[0]
	p.sentActivate = p.sentActivate[1:]
	return v, true
}

// onAbandon handles a command that ran out of retries; the relay
// watchdog reverts the associated transition on the Secondary side.
func (p *Primary) onAbandon(cmd interlink.Command) {
	p.stats.UpdateCounterBy("interlink.abandoned", 1)
	p.events.Record(Event{At: p.now, Kind: "INTERLINK_ABANDONED", Cause: cmd.String()})
	switch cmd {
	case interlink.CmdInit:
		// retry the handshake from scratch next status period
		p.initDone = false
	case interlink.CmdRelayActivate:
		// never ACKed: the mode does not change and the queue must not
		// desync from later ACKs
		p.popActivate()
	}
}

// onRelayRX delivers a mesh-relayed frame after deduplication.
func (p *Primary) onRelayRX(pkt *interlink.Packet) {
	rx, err := interlink.UnmarshalRelayRX(pkt.Payload)
	if err != nil {
		p.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	if !p.coord.Admit(rx.Frame) {
		return
	}
	p.stats.UpdateCounterBy("inbound.relay", 1)
	if _, err := p.flight.Write(rx.Frame); err != nil {
		log.Errorf("primary: writing relayed frame: %v", err)
	}
}

// onBridgeRX queues a relayed client frame for the GCS uplink; this
// Primary's aircraft is acting as the relay provider.
func (p *Primary) onBridgeRX(pkt *interlink.Packet) {
	br, err := interlink.UnmarshalBridge(pkt.Payload)
	if err != nil {
		p.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	if p.sched.Enqueue(br.Frame, p.now) != sched.Queued {
		p.stats.UpdateCounterBy("bridge.unqueued", 1)
		return
	}
	p.stats.UpdateCounterBy("bridge.queued", 1)
}

// onStatusReport merges the Secondary's counters into ours.
func (p *Primary) onStatusReport(pkt *interlink.Packet) {
	sr, err := interlink.UnmarshalStatusReport(pkt.Payload)
	if err != nil {
		p.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	p.stats.SetCounter("secondary.mesh_tx", int64(sr.MeshTX))
	p.stats.SetCounter("secondary.mesh_rx", int64(sr.MeshRX))
	p.stats.SetCounter("secondary.relayed", int64(sr.Relayed))
	p.stats.SetCounter("secondary.checksum_errors", int64(sr.ChecksumErrors))
	p.stats.SetCounter("secondary.timeout_errors", int64(sr.TimeoutErrors))
	p.stats.SetCounter("secondary.buffer_overflow", int64(sr.BufferOverflow))
	p.stats.SetCounter("secondary.relay_clients", int64(sr.RelayClients))
}

func (p *Primary) onRelaySelected(pkt *interlink.Packet) {
	sel, err := interlink.UnmarshalRelaySelected(pkt.Payload)
	if err != nil {
		return
	}
	p.events.Record(Event{
		At: p.now, Kind: "RELAY_SELECTED",
		Cause:   fmt.Sprintf("peer %d score %.3f", sel.RelaySysID, sel.Score),
		RSSIdBm: sel.RSSIdBm, SNRdB: sel.SNRdB,
	})
}

func (p *Primary) onRelayEstablished(pkt *interlink.Packet) {
	est, err := interlink.UnmarshalRelayEstablished(pkt.Payload)
	if err != nil {
		return
	}
	p.events.Record(Event{At: p.now, Kind: "RELAY_ESTABLISHED", Cause: fmt.Sprintf("peer %d", est.RelaySysID)})
}

func (p *Primary) onRelayLost(pkt *interlink.Packet) {
	lost, err := interlink.UnmarshalRelayLost(pkt.Payload)
	if err != nil {
		return
	}
	p.events.Record(Event{At: p.now, Kind: "RELAY_LOST", Cause: lost.Reason.String()})
}

// publishStats pushes the periodic counter snapshot.
func (p *Primary) publishStats() {
	for t, c := range p.sched.Status() {
		tier := telemetry.Tier(t).String()
		p.stats.SetCounter("sched."+tier+".tx", int64(c.TX))
		p.stats.SetCounter("sched."+tier+".drops_full", int64(c.DropsFull))
		p.stats.SetCounter("sched."+tier+".drops_stale", int64(c.DropsStale))
		p.stats.SetCounter("sched."+tier+".depth", int64(c.Depth))
	}
	ws := p.gcs.Stats()
	p.stats.SetCounter("gcs.radio_resets", int64(ws.RadioResets))
	p.stats.SetCounter("gcs.tx_retries", int64(ws.TXRetries))
	cs := p.coord.Stats()
	p.stats.SetCounter("dualband.dup_dropped", int64(cs.DupDropped))
	p.stats.SetCounter("dualband.short_tx", int64(cs.ShortTX))
	p.stats.SetCounter("dualband.transitions", int64(cs.Transitions))
	ls := p.inter.Stats()
	p.stats.SetCounter("interlink.rx", int64(ls.RX.PacketsReceived))
	p.stats.SetCounter("interlink.checksum_errors", int64(ls.RX.ChecksumErrors))
	p.stats.SetCounter("interlink.timeout_errors", int64(ls.RX.TimeoutErrors))
	p.stats.SetCounter("interlink.retries", int64(ls.Retries))
}
