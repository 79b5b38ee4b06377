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

// Package sched implements the priority-tier transmit scheduler: three
// bounded FIFO queues with strict-priority dequeue and age-based
// eviction. Producers enqueue classified application packets and move
// on; the node's transmit pump polls for the next eligible item.
package sched

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aerolora/aerolink/telemetry"
)

// MaxPayload is the largest payload the radio path accepts.
const MaxPayload = 245

// Result of an enqueue attempt.
type Result uint8

// Enqueue outcomes.
const (
	Queued Result = iota
	DroppedFull
	RejectedEmpty
	RejectedTooLarge
)

// Item is one queued application packet.
type Item struct {
	Payload    []byte
	Tier       telemetry.Tier
	EnqueuedAt time.Time
}

// TierConfig bounds one tier.
type TierConfig struct {
	Slots  int
	MaxAge time.Duration
}

// Config holds per-tier bounds.
type Config struct {
	Tiers [telemetry.NumTiers]TierConfig
}

// DefaultConfig returns the canonical tier table.
func DefaultConfig() Config {
	return Config{
		Tiers: [telemetry.NumTiers]TierConfig{
			telemetry.TierCritical:  {Slots: 10, MaxAge: time.Second},
			telemetry.TierImportant: {Slots: 20, MaxAge: 2 * time.Second},
			telemetry.TierRoutine:   {Slots: 30, MaxAge: 5 * time.Second},
		},
	}
}

// Counters is a snapshot of one tier's counters.
type Counters struct {
	TX         uint64
	DropsFull  uint64
	DropsStale uint64
	Depth      int
}

// queue is a fixed-capacity FIFO. head chases tail through a ring so
// steady-state operation does not allocate.
type queue struct {
	items []Item
	head  int
	count int
}

func newQueue(slots int) *queue {
	return &queue{items: make([]Item, slots)}
}

func (q *queue) full() bool  { return q.count == len(q.items) }
func (q *queue) empty() bool { return q.count == 0 }

func (q *queue) push(it Item) {
	q.items[(q.head+q.count)%len(q.items)] = it
	q.count++
}

func (q *queue) pop() Item {
	it := q.items[q.head]
	q.items[q.head] = Item{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return it
}

// Scheduler classifies, queues and hands out application packets.
// It is owned by a single goroutine; none of its methods lock.
type Scheduler struct {
	cfg    Config
	queues [telemetry.NumTiers]*queue
	stats  [telemetry.NumTiers]Counters
}

// New creates a scheduler with the given tier bounds.
func New(cfg Config) *Scheduler {
	s := &Scheduler{cfg: cfg}
	for t := range s.queues {
		s.queues[t] = newQueue(cfg.Tiers[t].Slots)
	}
	return s
}

// Enqueue classifies payload and appends it to its tier. The payload is
// copied; the caller may reuse its buffer. A full tier drops the new
// item: it never displaces older traffic and never spills across tiers.
func (s *Scheduler) Enqueue(payload []byte, now time.Time) Result {
	if len(payload) == 0 {
		return RejectedEmpty
	}
	if len(payload) > MaxPayload {
		return RejectedTooLarge
	}
	tier := telemetry.TierRoutine
	if info, err := telemetry.Parse(payload); err == nil {
		tier = telemetry.TierOf(info.MsgID)
	}
	q := s.queues[tier]
	if q.full() {
		s.stats[tier].DropsFull++
		log.Debugf("sched: %s full, dropping %d byte packet", tier, len(payload))
		return DroppedFull
	}
	q.push(Item{
		Payload:    append([]byte(nil), payload...),
		Tier:       tier,
		EnqueuedAt: now,
	})
	return Queued
}

// PollNext returns the next item eligible to transmit, or nil. Tiers are
// scanned in strict priority order; within a tier the oldest item goes
// first, and items older than the tier's max age are evicted on the way.
func (s *Scheduler) PollNext(now time.Time) *Item {
	for t := telemetry.Tier(0); t < telemetry.NumTiers; t++ {
		q := s.queues[t]
		maxAge := s.cfg.Tiers[t].MaxAge
		for !q.empty() {
			it := q.pop()
			if now.Sub(it.EnqueuedAt) > maxAge {
				s.stats[t].DropsStale++
				continue
			}
			s.stats[t].TX++
			return &it
		}
	}
	return nil
}

// Depth returns the number of queued items in one tier.
func (s *Scheduler) Depth(t telemetry.Tier) int {
	return s.queues[t].count
}

// Status returns a self-consistent snapshot of all tier counters.
func (s *Scheduler) Status() [telemetry.NumTiers]Counters {
	out := s.stats
	for t := range s.queues {
		out[t].Depth = s.queues[t].count
	}
	return out
}
