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

	"github.com/aerolora/aerolink/interlink"
	"github.com/aerolora/aerolink/radio"
	"github.com/aerolora/aerolink/relay"
	"github.com/aerolora/aerolink/telemetry"
)

// Secondary is the aircraft node owning the mesh frequency. It runs
// both halves of the relay machine, forwards mesh traffic to its
// Primary and answers the Primary's commands.
type Secondary struct {
	cfg    *Config
	stats  StatsServer
	events *EventLog

	mesh   *radio.Wrapper
	inter  *interlink.Link
	intake io.Reader

	// IRQ is the driver-facing edge event ring.
	IRQ *IRQRing

	client   *relay.Client
	provider *relay.Provider

	now         time.Time
	relayActive bool

	meshTX  uint64
	meshRX  uint64
	relayed uint64

	rxBuf [radio.MaxFrameSize]byte
	inBuf [intakeBudget]byte
}

// NewSecondary wires a Secondary from its collaborators.
func NewSecondary(cfg *Config, mesh radio.Radio, interW io.Writer, intake io.Reader,
	stats StatsServer, events *EventLog) (*Secondary, error) {
	params := cfg.Mesh.Params()
	if err := mesh.Init(params); err != nil {
		return nil, fmt.Errorf("initialising mesh radio: %w", err)
	}
	if err := mesh.BeginReceive(); err != nil {
		return nil, fmt.Errorf("arming mesh receive: %w", err)
	}
	scorer, err := relay.NewScorer(cfg.ScoreFormula)
	if err != nil {
		return nil, err
	}
	s := &Secondary{
		cfg:      cfg,
		stats:    stats,
		events:   events,
		mesh:     radio.NewWrapper(mesh, params),
		intake:   intake,
		IRQ:      NewIRQRing(32),
		client:   relay.NewClient(cfg.SysID, cfg.RelayClient, scorer),
		provider: relay.NewProvider(cfg.SysID, cfg.RelayProvider),
	}
	s.client.SendFrame = s.broadcast
	s.provider.SendFrame = s.broadcast
	s.client.OnSelected = s.onSelected
	s.client.OnEstablished = s.onEstablished
	s.client.OnLost = s.onLost

	s.inter = interlink.NewLink(interW, interlink.DefaultLinkConfig())
	s.inter.Handle(interlink.CmdInit, s.onInit)
	s.inter.Handle(interlink.CmdRelayActivate, s.onRelayActivate)
	s.inter.Handle(interlink.CmdRelayTX, s.onRelayTX)
	s.inter.Handle(interlink.CmdBridgeTX, s.onBridgeTX)
	s.inter.Handle(interlink.CmdStatusRequest, s.onStatusRequest)
	s.inter.Handle(interlink.CmdBroadcastRelayReq, s.onBroadcastRelayReq)
	s.inter.Handle(interlink.CmdStartRelayDiscover, s.onStartDiscovery)
	return s, nil
}

// RelayActive reports the acknowledged relay mode.
func (s *Secondary) RelayActive() bool { return s.relayActive }

// Client exposes the relay client for status reporting.
func (s *Secondary) Client() *relay.Client { return s.client }

// Provider exposes the relay provider for status reporting.
func (s *Secondary) Provider() *relay.Provider { return s.provider }

// Run drives the cooperative loop until the context ends.
func (s *Secondary) Run(ctx context.Context) error {
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			s.Step(t)
		}
	}
}

// Step runs one loop iteration.
func (s *Secondary) Step(now time.Time) {
	s.now = now

	for {
		if _, ok := s.IRQ.Pop(); !ok {
			break
		}
	}

	s.pumpMesh(now)
	s.client.Tick(now)
	s.provider.Tick(now)
	s.pumpInter(now)
}

// broadcast transmits one relay control frame on the mesh frequency.
func (s *Secondary) broadcast(b []byte) {
	if err := s.mesh.Transmit(b); err != nil {
		log.Debugf("secondary: mesh broadcast: %v", err)
		return
	}
	s.meshTX++
}

// pumpMesh drains received mesh packets and dispatches them: relay
// control frames feed the state machines, application frames are
// forwarded toward the Primary.
func (s *Secondary) pumpMesh(now time.Time) {
	r := s.mesh.Radio()
	for {
		n, err := r.Read(s.rxBuf[:])
		if err != nil {
			log.Debugf("secondary: mesh read: %v", err)
			return
		}
		if n == 0 {
			return
		}
		s.meshRX++
		s.dispatchMesh(s.rxBuf[:n], r.RSSI(), r.SNR(), now)
	}
}

func (s *Secondary) dispatchMesh(b []byte, rssi, snr float64, now time.Time) {
	switch b[0] {
	case relay.MagicAnnounce, relay.MagicAccept, relay.MagicReject:
		s.client.OnMeshFrame(b, rssi, snr, now)
	case relay.MagicRequest:
		if req, err := relay.UnmarshalRequest(b); err == nil {
			s.provider.HandleRequest(req, now)
		}
	case relay.MagicHeartbeat:
		if hb, err := relay.UnmarshalHeartbeat(b); err == nil {
			s.provider.HandleHeartbeat(hb, now)
		}
	default:
		if !telemetry.IsFrameStart(b[0]) {
			s.stats.UpdateCounterBy("mesh.unknown_frames", 1)
			return
		}
		s.forwardAppFrame(b, rssi, snr, now)
	}
}

// forwardAppFrame moves one application frame off the mesh toward the
// Primary. Frames from a session client ride BRIDGE_RX and count as
// relayed; everything else rides RELAY_RX for local delivery.
func (s *Secondary) forwardAppFrame(b []byte, rssi, snr float64, now time.Time) {
	info, err := telemetry.Parse(b)
	if err == nil && s.provider.ObserveClientFrame(info.SysID, now) {
		s.relayed++
		br := &interlink.Bridge{SysID: info.SysID, RSSIdBm: rssi, SNRdB: snr, Frame: b}
		payload, err := br.Marshal()
		if err != nil {
			s.stats.UpdateCounterBy("mesh.oversize_frames", 1)
			return
		}
		if err := s.inter.Send(interlink.CmdBridgeRX, payload, now); err != nil {
			log.Errorf("secondary: forwarding bridge frame: %v", err)
		}
		return
	}
	rx := &interlink.RelayRX{RSSIdBm: rssi, SNRdB: snr, Frame: b}
	payload, err := rx.Marshal()
	if err != nil {
		return
	}
	if err := s.inter.Send(interlink.CmdRelayRX, payload, now); err != nil {
		log.Errorf("secondary: forwarding mesh frame: %v", err)
	}
}

// pumpInter feeds the inter-controller link.
func (s *Secondary) pumpInter(now time.Time) {
	if s.intake != nil {
		data := drainIntake(s.intake, s.inBuf[:])
		if len(data) >= overflowThreshold {
			s.inter.Receiver().Overflow()
		} else if len(data) > 0 {
			s.inter.Feed(data, now)
		}
	}
	s.inter.Tick(now)
}

// onInit answers the Primary's handshake; the ACK rides automatically.
func (s *Secondary) onInit(pkt *interlink.Packet) {
	init, err := interlink.UnmarshalInit(pkt.Payload)
	if err != nil {
		s.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	log.WithFields(log.Fields{
		"mode":      init.Mode,
		"primary":   init.PrimaryHz,
		"secondary": init.SecondaryHz,
	}).Info("secondary: initialised by primary")
	s.events.Record(Event{At: s.now, Kind: "INIT", Cause: init.Mode})
}

// onRelayActivate flips the relay mode. A repeated activation is a
// no-op beyond the automatic ACK.
func (s *Secondary) onRelayActivate(pkt *interlink.Packet) {
	act, err := interlink.UnmarshalRelayActivate(pkt.Payload)
	if err != nil {
		s.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	if act.Active == s.relayActive {
		return
	}
	s.relayActive = act.Active
	kind := "RELAY_MODE_OFF"
	if act.Active {
		kind = "RELAY_MODE_ON"
	}
	s.events.Record(Event{At: s.now, Kind: kind, Cause: "commanded by primary"})
	if !act.Active {
		s.client.GCSRestored(s.now)
	}
}

// onRelayTX transmits a frame from the Primary on the mesh frequency.
func (s *Secondary) onRelayTX(pkt *interlink.Packet) {
	if err := s.mesh.Transmit(pkt.Payload); err != nil {
		s.stats.UpdateCounterBy("mesh.tx_failed", 1)
		return
	}
	s.meshTX++
}

// onBridgeTX transmits a provider-side frame back toward its client.
func (s *Secondary) onBridgeTX(pkt *interlink.Packet) {
	br, err := interlink.UnmarshalBridge(pkt.Payload)
	if err != nil {
		s.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	if err := s.mesh.Transmit(br.Frame); err != nil {
		s.stats.UpdateCounterBy("mesh.tx_failed", 1)
		return
	}
	s.meshTX++
}

// onStatusRequest answers with the bulk counter report.
func (s *Secondary) onStatusRequest(pkt *interlink.Packet) {
	c := s.inter.Stats()
	sr := &interlink.StatusReport{
		MeshTX:         uint32(s.meshTX),
		MeshRX:         uint32(s.meshRX),
		Relayed:        uint32(s.relayed),
		ChecksumErrors: uint32(c.RX.ChecksumErrors),
		TimeoutErrors:  uint32(c.RX.TimeoutErrors),
		BufferOverflow: uint32(c.RX.BufferOverflow),
		RelayClients:   uint8(s.provider.Sessions()),
		Mesh: interlink.Metrics{
			RSSIdBm: s.mesh.Radio().RSSI(),
			SNRdB:   s.mesh.Radio().SNR(),
		},
	}
	payload, err := sr.Marshal()
	if err != nil {
		return
	}
	if err := s.inter.Send(interlink.CmdStatusReport, payload, s.now); err != nil {
		log.Errorf("secondary: sending status report: %v", err)
	}
}

// onBroadcastRelayReq folds the Primary's GCS link state into the
// provider announcements.
func (s *Secondary) onBroadcastRelayReq(pkt *interlink.Packet) {
	req, err := interlink.UnmarshalBroadcastRelayReq(pkt.Payload)
	if err != nil {
		s.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	s.provider.SetGCSMetrics(req.GCS)
}

// onStartDiscovery begins client-side relay discovery.
func (s *Secondary) onStartDiscovery(pkt *interlink.Packet) {
	sd, err := interlink.UnmarshalStartRelayDiscovery(pkt.Payload)
	if err != nil {
		s.stats.UpdateCounterBy("interlink.bad_payload", 1)
		return
	}
	s.provider.SetPosition(sd.Pos)
	// a degraded GCS link makes a poor relay offer
	s.provider.SetAvailable(false)
	s.client.StartDiscovery(sd.Pos, s.now)
	s.events.Record(Event{
		At: s.now, Kind: "DISCOVERY_STARTED",
		Cause: "commanded by primary", RSSIdBm: sd.GCS.RSSIdBm, SNRdB: sd.GCS.SNRdB,
	})
}

// onSelected reports the scoring winner up to the Primary.
func (s *Secondary) onSelected(e *relay.Entry) {
	sel := &interlink.RelaySelected{
		RelaySysID: e.SysID,
		RSSIdBm:    e.MeshRSSIdBm,
		SNRdB:      e.MeshSNRdB,
		Score:      e.Score,
	}
	payload, err := sel.Marshal()
	if err != nil {
		return
	}
	if err := s.inter.Send(interlink.CmdRelaySelected, payload, s.now); err != nil {
		log.Errorf("secondary: sending RELAY_SELECTED: %v", err)
	}
}

func (s *Secondary) onEstablished(provider uint8) {
	payload, err := (&interlink.RelayEstablished{RelaySysID: provider}).Marshal()
	if err != nil {
		return
	}
	if err := s.inter.Send(interlink.CmdRelayEstablished, payload, s.now); err != nil {
		log.Errorf("secondary: sending RELAY_ESTABLISHED: %v", err)
	}
	s.events.Record(Event{At: s.now, Kind: "RELAY_ESTABLISHED", Cause: fmt.Sprintf("provider %d", provider)})
}

func (s *Secondary) onLost(provider uint8, reason interlink.LostReason) {
	payload, err := (&interlink.RelayLost{RelaySysID: provider, Reason: reason}).Marshal()
	if err != nil {
		return
	}
	if err := s.inter.Send(interlink.CmdRelayLost, payload, s.now); err != nil {
		log.Errorf("secondary: sending RELAY_LOST: %v", err)
	}
	s.events.Record(Event{At: s.now, Kind: "RELAY_LOST", Cause: reason.String()})
	// losing the session ends relay operation and restores the
	// provider offer
	s.relayActive = false
	s.provider.SetAvailable(true)
}
