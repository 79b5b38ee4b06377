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
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// retry schedule for ACK-required commands: 500ms, 1s, 2s
	ackTimeout = 500 * time.Millisecond
	maxRetries = 3
)

// Handler consumes one dispatched packet.
type Handler func(*Packet)

// pendingCmd is an unacknowledged command awaiting retry.
type pendingCmd struct {
	raw        []byte
	cmd        Command
	sentAt     time.Time
	retryCount int
	backoff    time.Duration
}

// LinkConfig tunes the error-rate surveillance.
type LinkConfig struct {
	// RateFloor is the minimum acceptable parse success rate.
	RateFloor float64
	// RateWindow is how many consecutive sub-floor evaluations raise
	// the critical signal.
	RateWindow int
	// RateMinPackets gates surveillance until traffic is meaningful.
	RateMinPackets uint64
}

// DefaultLinkConfig returns the canonical surveillance settings.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		RateFloor:      0.8,
		RateWindow:     5,
		RateMinPackets: 20,
	}
}

// LinkStats extends the receiver counters with link-level accounting.
type LinkStats struct {
	RX          RXCounters
	TX          uint64
	UnknownCmds uint64
	AcksSent    uint64
	Retries     uint64
	Abandoned   uint64
}

// Link owns one side of the inter-controller wire: it frames outbound
// commands, tracks the ones that require acknowledgement, and
// dispatches validated inbound packets by command. Single-owner, like
// everything inside a node.
type Link struct {
	cfg LinkConfig
	w   io.Writer
	rx  *Receiver

	handlers map[Command]Handler
	pending  []*pendingCmd

	tx          uint64
	unknownCmds uint64
	acksSent    uint64
	retries     uint64
	abandoned   uint64

	belowFloor int
	// OnCriticalRate fires once per sustained surveillance breach.
	OnCriticalRate func(rate float64)
	// OnAbandon fires when an ACK-required command runs out of retries.
	OnAbandon func(cmd Command)
	// OnAck fires when a pending command is acknowledged.
	OnAck func(cmd Command)
}

// NewLink creates a link writing frames to w.
func NewLink(w io.Writer, cfg LinkConfig) *Link {
	return &Link{
		cfg:      cfg,
		w:        w,
		rx:       NewReceiver(),
		handlers: map[Command]Handler{},
	}
}

// Handle registers the handler for one command.
func (l *Link) Handle(cmd Command, h Handler) {
	l.handlers[cmd] = h
}

// Receiver exposes the RX state machine for intake management.
func (l *Link) Receiver() *Receiver { return l.rx }

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		RX:          l.rx.Counters(),
		TX:          l.tx,
		UnknownCmds: l.unknownCmds,
		AcksSent:    l.acksSent,
		Retries:     l.retries,
		Abandoned:   l.abandoned,
	}
}

// Send frames and writes one command. Commands that require an ACK are
// also placed on the pending list with the initial retry deadline.
func (l *Link) Send(cmd Command, payload []byte, now time.Time) error {
	p := Packet{Cmd: cmd, Payload: payload}
	raw, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("framing %s: %w", cmd, err)
	}
	if _, err := l.w.Write(raw); err != nil {
		return fmt.Errorf("writing %s: %w", cmd, err)
	}
	l.tx++
	if requiresAck(cmd) {
		l.pending = append(l.pending, &pendingCmd{
			raw:     raw,
			cmd:     cmd,
			sentAt:  now,
			backoff: ackTimeout,
		})
	}
	return nil
}

// Feed pushes inbound bytes through the receive machine, dispatching
// every validated packet. It returns how many packets were dispatched;
// packets with no registered handler are not counted.
func (l *Link) Feed(data []byte, now time.Time) int {
	dispatched := 0
	for _, b := range data {
		if pkt := l.rx.Feed(b, now); pkt != nil && l.dispatch(pkt, now) {
			dispatched++
		}
	}
	return dispatched
}

// dispatch routes one packet and reports whether it was consumed. ACKs
// complete the oldest pending command; unknown commands are counted and
// ignored.
func (l *Link) dispatch(pkt *Packet, now time.Time) bool {
	if pkt.Cmd == CmdAck {
		if done := l.completeOldest(); done != nil && l.OnAck != nil {
			l.OnAck(done.cmd)
		}
		return true
	}
	h, ok := l.handlers[pkt.Cmd]
	if !ok {
		l.unknownCmds++
		log.Debugf("interlink: no handler for %s, ignoring", pkt.Cmd)
		return false
	}
	h(pkt)
	if requiresAck(pkt.Cmd) {
		if err := l.Send(CmdAck, nil, now); err != nil {
			log.Errorf("interlink: sending ACK for %s: %v", pkt.Cmd, err)
			return true
		}
		l.acksSent++
	}
	return true
}

// completeOldest cancels the pending command at the head of the list
// and returns it.
func (l *Link) completeOldest() *pendingCmd {
	if len(l.pending) == 0 {
		return nil
	}
	done := l.pending[0]
	l.pending = l.pending[1:]
	return done
}

// Tick resends overdue pending commands with doubling backoff and
// abandons them after the retry budget. It also runs the error-rate
// surveillance. Call once per loop iteration.
func (l *Link) Tick(now time.Time) {
	kept := l.pending[:0]
	for _, p := range l.pending {
		if now.Sub(p.sentAt) < p.backoff {
			kept = append(kept, p)
			continue
		}
		if p.retryCount >= maxRetries {
			l.abandoned++
			log.WithFields(log.Fields{
				"cmd":     p.cmd.String(),
				"retries": p.retryCount,
			}).Error("interlink: command abandoned, no ACK")
			if l.OnAbandon != nil {
				l.OnAbandon(p.cmd)
			}
			continue
		}
		p.retryCount++
		p.sentAt = now
		if p.backoff < 4*ackTimeout {
			p.backoff *= 2
		}
		l.retries++
		if _, err := l.w.Write(p.raw); err != nil {
			log.Errorf("interlink: retrying %s: %v", p.cmd, err)
		} else {
			l.tx++
		}
		kept = append(kept, p)
	}
	l.pending = kept
	l.rx.CheckTimeout(now)
	l.surveil()
}

// PendingCount reports outstanding ACK-required commands.
func (l *Link) PendingCount() int { return len(l.pending) }

// surveil evaluates the parse success rate against the floor.
func (l *Link) surveil() {
	c := l.rx.Counters()
	total := c.PacketsReceived + c.ParseErrors + c.ChecksumErrors + c.TimeoutErrors
	if total < l.cfg.RateMinPackets {
		return
	}
	if c.SuccessRate() >= l.cfg.RateFloor {
		l.belowFloor = 0
		return
	}
	l.belowFloor++
	if l.belowFloor == l.cfg.RateWindow {
		rate := c.SuccessRate()
		log.WithFields(log.Fields{
			"rate":  rate,
			"floor": l.cfg.RateFloor,
		}).Error("interlink: sustained parse failure rate")
		if l.OnCriticalRate != nil {
			l.OnCriticalRate(rate)
		}
	}
}
