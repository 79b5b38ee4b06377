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

// Package linkqual tracks per-radio link quality and decides when a link
// is jammed and when it has recovered. The decision uses thresholds with
// hysteresis so the mode never flaps on a marginal link.
package linkqual

import (
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// Thresholds configures the jamming detector. A scan tick is bad when
// any single criterion trips.
type Thresholds struct {
	RSSIMin        float64 // dBm, below is bad
	SNRMin         float64 // dB, below is bad
	LossMax        float64 // fraction, above is bad
	LossMinSamples uint64  // loss only counts with at least this many expected
	ConsecLostMax  uint64  // consecutive losses, above is bad

	BadTicks      int     // consecutive bad ticks to declare jamming
	GoodTicks     int     // consecutive good ticks to declare recovery
	HysteresisDB  float64 // RSSI margin above RSSIMin required to recover
	RollingWindow int     // samples per rolling RSSI/SNR window
}

// DefaultThresholds is the canonical detector configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RSSIMin:        -100,
		SNRMin:         5,
		LossMax:        0.30,
		LossMinSamples: 10,
		ConsecLostMax:  5,
		BadTicks:       5,
		GoodTicks:      5,
		HysteresisDB:   10,
		RollingWindow:  32,
	}
}

// Record is one radio's rolling link-quality state. Counters are
// monotone except on explicit Reset at a mode transition.
type Record struct {
	rssi *welford.Stats
	snr  *welford.Stats

	lastRSSI float64
	lastSNR  float64

	Expected        uint64
	Received        uint64
	ConsecutiveLost uint64

	samples int
	window  int
}

// NewRecord creates a link-quality record with the given rolling window.
func NewRecord(window int) *Record {
	r := &Record{window: window}
	r.rollover()
	return r
}

// rollover starts a fresh rolling window, seeding it with the last
// observation so Mean never goes undefined mid-flight.
func (r *Record) rollover() {
	r.rssi = welford.New()
	r.snr = welford.New()
	r.samples = 0
	if r.lastRSSI != 0 {
		r.rssi.Add(r.lastRSSI)
		r.snr.Add(r.lastSNR)
	}
}

// AddSample records one received packet's RSSI and SNR.
func (r *Record) AddSample(rssi, snr float64) {
	r.lastRSSI = rssi
	r.lastSNR = snr
	r.rssi.Add(rssi)
	r.snr.Add(snr)
	r.samples++
	if r.window > 0 && r.samples >= r.window {
		r.rollover()
	}
	r.Received++
	r.Expected++
	r.ConsecutiveLost = 0
}

// AddLoss records one expected-but-missing packet.
func (r *Record) AddLoss() {
	r.Expected++
	r.ConsecutiveLost++
}

// MeanRSSI returns the rolling RSSI average in dBm.
func (r *Record) MeanRSSI() float64 { return r.rssi.Mean() }

// MeanSNR returns the rolling SNR average in dB.
func (r *Record) MeanSNR() float64 { return r.snr.Mean() }

// Loss returns the observed packet loss fraction.
func (r *Record) Loss() float64 {
	if r.Expected == 0 {
		return 0
	}
	return float64(r.Expected-r.Received) / float64(r.Expected)
}

// Reset clears the counters at a mode transition.
func (r *Record) Reset() {
	r.Expected = 0
	r.Received = 0
	r.ConsecutiveLost = 0
	r.rollover()
}

// State of the jamming detector.
type State uint8

// Detector states.
const (
	LinkOK State = iota
	LinkJammed
)

func (s State) String() string {
	if s == LinkJammed {
		return "JAMMED"
	}
	return "OK"
}

// Event is a detector transition.
type Event uint8

// Transitions reported by Tick.
const (
	EventNone Event = iota
	EventJammed
	EventRecovered
)

// Detector runs the threshold-with-hysteresis state machine over a
// Record. One Tick per scan interval.
type Detector struct {
	cfg   Thresholds
	state State

	consecutiveBad  int
	consecutiveGood int

	// exported through Status
	Transitions uint64
	LastChange  time.Time
}

// NewDetector creates a detector in the LinkOK state.
func NewDetector(cfg Thresholds) *Detector {
	return &Detector{cfg: cfg}
}

// State returns the current detector state.
func (d *Detector) State() State { return d.state }

// bad evaluates one tick against the thresholds. The signal criteria
// only apply once something has been heard; a quiet link degrades
// through the loss counters instead.
func (d *Detector) bad(r *Record) bool {
	if r.Received > 0 && r.MeanRSSI() < d.cfg.RSSIMin {
		return true
	}
	if r.Received > 0 && r.MeanSNR() < d.cfg.SNRMin {
		return true
	}
	if r.Expected >= d.cfg.LossMinSamples && r.Loss() > d.cfg.LossMax {
		return true
	}
	if r.ConsecutiveLost > d.cfg.ConsecLostMax {
		return true
	}
	return false
}

// good evaluates recovery: thresholds plus the hysteresis margin.
// Recovery needs actual signal.
func (d *Detector) good(r *Record) bool {
	if r.Received == 0 {
		return false
	}
	if r.MeanRSSI() < d.cfg.RSSIMin+d.cfg.HysteresisDB {
		return false
	}
	if r.MeanSNR() < d.cfg.SNRMin {
		return false
	}
	if r.Expected >= d.cfg.LossMinSamples && r.Loss() > d.cfg.LossMax {
		return false
	}
	return true
}

// Tick evaluates the record once and returns the transition, if any.
func (d *Detector) Tick(r *Record, now time.Time) Event {
	switch d.state {
	case LinkOK:
		if d.bad(r) {
			d.consecutiveBad++
		} else {
			d.consecutiveBad = 0
		}
		if d.consecutiveBad >= d.cfg.BadTicks {
			d.state = LinkJammed
			d.consecutiveBad = 0
			d.consecutiveGood = 0
			d.Transitions++
			d.LastChange = now
			log.WithFields(log.Fields{
				"rssi": r.MeanRSSI(),
				"snr":  r.MeanSNR(),
				"loss": r.Loss(),
			}).Warning("linkqual: link jammed")
			return EventJammed
		}
	case LinkJammed:
		if d.good(r) {
			d.consecutiveGood++
		} else {
			d.consecutiveGood = 0
		}
		if d.consecutiveGood >= d.cfg.GoodTicks {
			d.state = LinkOK
			d.consecutiveGood = 0
			d.consecutiveBad = 0
			d.Transitions++
			d.LastChange = now
			log.WithFields(log.Fields{
				"rssi": r.MeanRSSI(),
				"snr":  r.MeanSNR(),
			}).Info("linkqual: link recovered")
			return EventRecovered
		}
	}
	return EventNone
}
