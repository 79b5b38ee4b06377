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

// Package dualband coordinates the two physically independent links: a
// short-range high-bandwidth one that exists only when peers are
// close, and the long-range narrowband one that always exists but
// carries an essential subset. Receive merges both with at-most-once
// delivery to the application.
package dualband

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aerolora/aerolink/telemetry"
)

// interTransmitDelay spaces the two transmits when a payload rides
// both links, keeping the radios' supply current draw apart.
const interTransmitDelay = 5 * time.Millisecond

// ShortLink is the opportunistic 2.4 GHz path.
type ShortLink interface {
	Reachable() bool
	Send(b []byte) error
	Receive(buf []byte) (int, error)
	RSSI() float64
}

// LongLink is the long-range path. Send hands the payload to the
// scheduler pipeline rather than the air directly.
type LongLink interface {
	Send(b []byte) error
	Receive(buf []byte) (int, error)
}

// Source hints which link delivered a packet.
type Source uint8

// Delivery sources.
const (
	SourceShort Source = iota
	SourceLong
)

func (s Source) String() string {
	if s == SourceLong {
		return "long"
	}
	return "short"
}

// LinkEventType tags short-range reachability transitions.
type LinkEventType uint8

// Link events.
const (
	ShortUp LinkEventType = iota
	ShortDown
)

func (t LinkEventType) String() string {
	if t == ShortDown {
		return "SHORT_DOWN"
	}
	return "SHORT_UP"
}

// LinkEvent is the structured record emitted on each transition.
type LinkEvent struct {
	Type        LinkEventType
	RSSIdBm     float64
	At          time.Time
	Transitions uint64
}

// Stats is a snapshot of the coordinator's counters.
type Stats struct {
	ShortTX       uint64
	ShortTXFailed uint64
	LongTX        uint64
	LongTXFailed  uint64
	ShortRX       uint64
	LongRX        uint64
	DupDropped    uint64
	Transitions   uint64
}

// Coordinator owns the send fan-out and the receive merge.
type Coordinator struct {
	short ShortLink
	long  LongLink
	dedup *Dedup

	prevReachable bool
	transitions   uint64

	stats Stats
	sleep func(time.Duration)

	// OnLinkEvent observes reachability transitions.
	OnLinkEvent func(LinkEvent)
}

// New creates a coordinator over the two links.
func New(short ShortLink, long LongLink) *Coordinator {
	return &Coordinator{
		short: short,
		long:  long,
		dedup: NewDedup(),
		sleep: time.Sleep,
	}
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	out := c.stats
	out.DupDropped = c.dedup.Dropped()
	out.Transitions = c.transitions
	return out
}

// Send pushes one payload out: always the short-range link when the
// peer is reachable, and additionally the long-range path for
// essential messages. Returns true when at least one path accepted.
func (c *Coordinator) Send(payload []byte) bool {
	shortUsed := false
	shortOK := false
	if c.short.Reachable() {
		shortUsed = true
		if err := c.short.Send(payload); err != nil {
			c.stats.ShortTXFailed++
			log.Debugf("dualband: short-range send: %v", err)
		} else {
			c.stats.ShortTX++
			shortOK = true
		}
	}

	essential := false
	if info, err := telemetry.Parse(payload); err == nil {
		essential = telemetry.Essential(info.MsgID)
	}
	if !essential {
		return shortOK
	}

	if shortUsed {
		c.sleep(interTransmitDelay)
	}
	if err := c.long.Send(payload); err != nil {
		c.stats.LongTXFailed++
		log.Debugf("dualband: long-range send: %v", err)
		return shortOK
	}
	c.stats.LongTX++
	return true
}

// Receive polls the short-range link first, then long-range, and
// returns the first packet the dedup filter lets through. ok is false
// when both links are drained.
func (c *Coordinator) Receive(buf []byte) (n int, src Source, ok bool) {
	for {
		n, err := c.short.Receive(buf)
		if err != nil {
			log.Debugf("dualband: short-range receive: %v", err)
		}
		if n == 0 {
			break
		}
		c.stats.ShortRX++
		if c.deliverable(buf[:n]) {
			return n, SourceShort, true
		}
	}
	for {
		n, err := c.long.Receive(buf)
		if err != nil {
			log.Debugf("dualband: long-range receive: %v", err)
		}
		if n == 0 {
			break
		}
		c.stats.LongRX++
		if c.deliverable(buf[:n]) {
			return n, SourceLong, true
		}
	}
	return 0, SourceShort, false
}

// Admit runs a bridged packet (one that arrived outside the two owned
// links, e.g. over the inter-controller relay path) through the same
// dedup filter. True means deliver.
func (c *Coordinator) Admit(p []byte) bool {
	return c.deliverable(p)
}

// deliverable runs the dedup filter; packets that do not parse carry
// no sequence and always deliver.
func (c *Coordinator) deliverable(p []byte) bool {
	info, err := telemetry.Parse(p)
	if err != nil {
		return true
	}
	return c.dedup.Observe(info.SysID, info.Seq)
}

// Tick compares short-range reachability against the previous
// iteration and emits one event per transition.
func (c *Coordinator) Tick(now time.Time) {
	reachable := c.short.Reachable()
	if reachable == c.prevReachable {
		return
	}
	c.prevReachable = reachable
	c.transitions++
	ev := LinkEvent{
		Type:        ShortUp,
		RSSIdBm:     c.short.RSSI(),
		At:          now,
		Transitions: c.transitions,
	}
	if !reachable {
		ev.Type = ShortDown
	}
	log.WithFields(log.Fields{
		"event": ev.Type.String(),
		"rssi":  ev.RSSIdBm,
		"count": ev.Transitions,
	}).Info("dualband: short-range link transition")
	if c.OnLinkEvent != nil {
		c.OnLinkEvent(ev)
	}
}
