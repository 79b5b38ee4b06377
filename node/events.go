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
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event is one structured link-event record: every link up/down, relay
// transition, relay establish/lost, radio reset and failure burst
// produces one.
type Event struct {
	At      time.Time
	Kind    string
	Cause   string
	RSSIdBm float64
	SNRdB   float64
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s cause=%q rssi=%.1f snr=%.1f",
		e.At.Format(time.RFC3339Nano), e.Kind, e.Cause, e.RSSIdBm, e.SNRdB)
}

// EventLog retains the last N events for the DUMP console command and
// the operator tool; the on-disk logging collaborator consumes the
// same records through logrus.
type EventLog struct {
	mux  sync.Mutex
	ring []Event
	next int
	full bool
}

// NewEventLog creates a log retaining capacity events.
func NewEventLog(capacity int) *EventLog {
	return &EventLog{ring: make([]Event, capacity)}
}

// Record appends one event and mirrors it to the structured logger.
func (l *EventLog) Record(e Event) {
	l.mux.Lock()
	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.mux.Unlock()
	log.WithFields(log.Fields{
		"kind":  e.Kind,
		"cause": e.Cause,
		"rssi":  e.RSSIdBm,
		"snr":   e.SNRdB,
	}).Info("link event")
}

// Events returns the retained events, oldest first.
func (l *EventLog) Events() []Event {
	l.mux.Lock()
	defer l.mux.Unlock()
	if !l.full {
		return append([]Event(nil), l.ring[:l.next]...)
	}
	out := make([]Event, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	out = append(out, l.ring[:l.next]...)
	return out
}

// Clear drops the retained events.
func (l *EventLog) Clear() {
	l.mux.Lock()
	l.next = 0
	l.full = false
	l.mux.Unlock()
}
