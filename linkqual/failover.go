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

package linkqual

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Mode of a dual-radio ground receiver.
type Mode uint8

// Ground receive modes.
const (
	ModeDirect Mode = iota
	ModeRelay
)

func (m Mode) String() string {
	if m == ModeRelay {
		return "RELAY"
	}
	return "DIRECT"
}

// FailoverConfig times the ground-side direct/relay switch.
type FailoverConfig struct {
	SilenceTimeout  time.Duration // no direct packet for this long activates relay mode
	DirectToRecover int           // consecutive direct packets to deactivate
}

// DefaultFailoverConfig returns the canonical ground failover timings.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		SilenceTimeout:  3 * time.Second,
		DirectToRecover: 5,
	}
}

// Failover is the ground node's timer-based mode switch. It watches the
// direct radio only; the relay radio is always listened to, the mode
// decides which one the receive path prefers and is reported upstream.
type Failover struct {
	cfg  FailoverConfig
	mode Mode

	lastDirect        time.Time
	consecutiveDirect int

	Transitions uint64
}

// NewFailover starts in direct mode, treating startup as fresh traffic.
func NewFailover(cfg FailoverConfig, now time.Time) *Failover {
	return &Failover{cfg: cfg, lastDirect: now}
}

// Mode returns the current receive mode.
func (f *Failover) Mode() Mode { return f.mode }

// ObserveDirect records a packet from the expected aircraft on the
// direct radio and returns true when it switches the mode back.
func (f *Failover) ObserveDirect(now time.Time) bool {
	f.lastDirect = now
	if f.mode != ModeRelay {
		return false
	}
	f.consecutiveDirect++
	if f.consecutiveDirect < f.cfg.DirectToRecover {
		return false
	}
	f.mode = ModeDirect
	f.consecutiveDirect = 0
	f.Transitions++
	log.WithFields(log.Fields{
		"cause": "direct traffic resumed",
		"at":    now,
	}).Info("ground failover: relay -> direct")
	return true
}

// ObserveRelay records relay-radio traffic. In relay mode it interrupts
// a direct recovery streak, so recovery needs direct packets with no
// relay traffic between them; silence alone does not reset the streak.
func (f *Failover) ObserveRelay(now time.Time) {
	if f.mode == ModeRelay {
		f.consecutiveDirect = 0
	}
}

// Tick checks the silence timer and returns true when it activates
// relay mode.
func (f *Failover) Tick(now time.Time) bool {
	if f.mode != ModeDirect {
		return false
	}
	if now.Sub(f.lastDirect) < f.cfg.SilenceTimeout {
		return false
	}
	f.mode = ModeRelay
	f.consecutiveDirect = 0
	f.Transitions++
	log.WithFields(log.Fields{
		"cause":   "direct silence",
		"silence": now.Sub(f.lastDirect),
		"at":      now,
	}).Warning("ground failover: direct -> relay")
	return true
}
