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
	"github.com/aerolora/aerolink/linkqual"
	"github.com/aerolora/aerolink/radio"
	"github.com/aerolora/aerolink/telemetry"
)

// Ground is the GCS-side node: one radio on the direct frequency and,
// when fitted, a second on the mesh frequency. Failover between them
// is timer-based and symmetric to the aircraft side.
type Ground struct {
	cfg    *Config
	stats  StatsServer
	events *EventLog

	direct *radio.Wrapper
	relayR *radio.Wrapper // nil on a single-radio ground station

	// Output receives deduplicated downlink frames for the GCS host.
	Output io.Writer

	failover *linkqual.Failover
	dedup    *dualband.Dedup
	quality  *linkqual.Record

	expectedSysID uint8
	now           time.Time
	scanAt        time.Time

	rxBuf [radio.MaxFrameSize]byte
}

// NewGround wires a Ground node. relayRadio may be nil.
func NewGround(cfg *Config, directRadio, relayRadio radio.Radio, output io.Writer,
	stats StatsServer, events *EventLog, now time.Time) (*Ground, error) {
	dp := cfg.Direct.Params()
	if err := directRadio.Init(dp); err != nil {
		return nil, fmt.Errorf("initialising direct radio: %w", err)
	}
	if err := directRadio.BeginReceive(); err != nil {
		return nil, fmt.Errorf("arming direct receive: %w", err)
	}
	g := &Ground{
		cfg:           cfg,
		stats:         stats,
		events:        events,
		direct:        radio.NewWrapper(directRadio, dp),
		Output:        output,
		failover:      linkqual.NewFailover(cfg.Failover, now),
		dedup:         dualband.NewDedup(),
		quality:       linkqual.NewRecord(cfg.Jamming.RollingWindow),
		expectedSysID: cfg.SysID,
	}
	if relayRadio != nil {
		mp := cfg.Mesh.Params()
		if err := relayRadio.Init(mp); err != nil {
			return nil, fmt.Errorf("initialising relay radio: %w", err)
		}
		if err := relayRadio.BeginReceive(); err != nil {
			return nil, fmt.Errorf("arming relay receive: %w", err)
		}
		g.relayR = radio.NewWrapper(relayRadio, mp)
	}
	return g, nil
}

// Mode reports the current receive mode.
func (g *Ground) Mode() linkqual.Mode { return g.failover.Mode() }

// Uplink transmits one frame to the aircraft on the direct radio.
func (g *Ground) Uplink(frame []byte) error {
	return g.direct.Transmit(frame)
}

// Run drives the cooperative loop until the context ends.
func (g *Ground) Run(ctx context.Context) error {
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			g.Step(t)
		}
	}
}

// Step runs one loop iteration: drain both radios, then the failover
// timer.
func (g *Ground) Step(now time.Time) {
	g.now = now
	g.pumpDirect(now)
	if g.relayR != nil {
		g.pumpRelay(now)
	}
	if g.failover.Tick(now) {
		g.events.Record(Event{
			At: now, Kind: "GROUND_RELAY_MODE", Cause: "direct silence",
			RSSIdBm: g.quality.MeanRSSI(), SNRdB: g.quality.MeanSNR(),
		})
		g.quality.Reset()
	}
}

func (g *Ground) pumpDirect(now time.Time) {
	r := g.direct.Radio()
	for {
		n, err := r.Read(g.rxBuf[:])
		if err != nil {
			log.Debugf("ground: direct read: %v", err)
			return
		}
		if n == 0 {
			return
		}
		frame := g.rxBuf[:n]
		info, err := telemetry.Parse(frame)
		if err != nil {
			g.stats.UpdateCounterBy("ground.unparsed", 1)
			continue
		}
		g.quality.AddSample(r.RSSI(), r.SNR())
		if info.SysID == g.expectedSysID {
			if g.failover.ObserveDirect(now) {
				g.events.Record(Event{
					At: now, Kind: "GROUND_DIRECT_MODE", Cause: "direct traffic resumed",
					RSSIdBm: r.RSSI(), SNRdB: r.SNR(),
				})
			}
		}
		g.deliver(frame, info, "direct")
	}
}

func (g *Ground) pumpRelay(now time.Time) {
	r := g.relayR.Radio()
	for {
		n, err := r.Read(g.rxBuf[:])
		if err != nil {
			log.Debugf("ground: relay read: %v", err)
			return
		}
		if n == 0 {
			return
		}
		frame := g.rxBuf[:n]
		// relay control chatter shares the mesh frequency and is not
		// downlink telemetry
		if !telemetry.IsFrameStart(frame[0]) {
			continue
		}
		info, err := telemetry.Parse(frame)
		if err != nil {
			continue
		}
		g.failover.ObserveRelay(now)
		if g.failover.Mode() != linkqual.ModeRelay {
			g.stats.UpdateCounterBy("ground.relay_ignored", 1)
			continue
		}
		g.deliver(frame, info, "relay")
	}
}

// deliver writes one deduplicated frame to the GCS host.
func (g *Ground) deliver(frame []byte, info telemetry.Info, via string) {
	if !g.dedup.Observe(info.SysID, info.Seq) {
		g.stats.UpdateCounterBy("ground.dup_dropped", 1)
		return
	}
	g.stats.UpdateCounterBy("ground.rx_"+via, 1)
	if g.Output == nil {
		return
	}
	if _, err := g.Output.Write(frame); err != nil {
		log.Errorf("ground: writing downlink: %v", err)
	}
}
