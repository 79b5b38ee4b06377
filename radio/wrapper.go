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

package radio

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	txRetries        = 3
	txBackoffInitial = 50 * time.Millisecond

	cadAttempts   = 5
	cadBackoffMin = 10 * time.Millisecond
	cadBackoffMax = 50 * time.Millisecond

	// consecutive transmit failures before the chip is power-cycled
	resetThreshold = 5
)

// WrapperStats is a snapshot of the wrapper's counters.
type WrapperStats struct {
	TXOK          uint64
	TXFailed      uint64
	TXRetries     uint64
	CADAbandoned  uint64
	RadioResets   uint64
	ReceiveErrors uint64
}

// Wrapper drives a Radio with retry, CAD gating and consecutive-failure
// reset. It owns the radio; nothing else transmits through the chip.
type Wrapper struct {
	r      Radio
	params Params

	consecutiveFailures int
	stats               WrapperStats

	sleep func(time.Duration)
	rng   *rand.Rand
}

// NewWrapper wraps a radio that has already been initialised with params.
func NewWrapper(r Radio, params Params) *Wrapper {
	return &Wrapper{
		r:      r,
		params: params,
		sleep:  time.Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Radio exposes the wrapped radio for read-side use (RSSI, SNR, Read).
func (w *Wrapper) Radio() Radio { return w.r }

// Stats returns a snapshot of the wrapper counters.
func (w *Wrapper) Stats() WrapperStats { return w.stats }

// Transmit performs a CAD-gated transmit with retry and recovery.
// CAD busy backs off 10-50 ms up to five attempts and then abandons the
// transmit; transient errors retry up to three times with doubling
// backoff; five consecutive failures reset and re-initialise the chip.
func (w *Wrapper) Transmit(b []byte) error {
	if err := w.waitChannel(); err != nil {
		w.stats.CADAbandoned++
		return err
	}

	backoff := txBackoffInitial
	var err error
	for attempt := 0; attempt <= txRetries; attempt++ {
		if attempt > 0 {
			w.stats.TXRetries++
			w.sleep(backoff)
			backoff *= 2
		}
		err = w.r.Transmit(b)
		if err == nil {
			w.consecutiveFailures = 0
			w.stats.TXOK++
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			break
		}
	}

	w.stats.TXFailed++
	w.consecutiveFailures++
	if w.consecutiveFailures >= resetThreshold {
		w.recover()
	}
	return fmt.Errorf("transmit failed: %w", err)
}

// waitChannel runs CAD before a transmit, backing off while busy.
func (w *Wrapper) waitChannel() error {
	for attempt := 0; attempt < cadAttempts; attempt++ {
		state, err := w.r.ScanChannel()
		if err != nil {
			// a broken CAD does not block the transmit
			log.Warningf("radio: CAD error: %v", err)
			return nil
		}
		if state == ChannelFree {
			return nil
		}
		w.sleep(cadBackoffMin + time.Duration(w.rng.Int63n(int64(cadBackoffMax-cadBackoffMin))))
	}
	return ErrChannelBusy
}

// recover resets and re-initialises the chip after a failure burst.
func (w *Wrapper) recover() {
	w.stats.RadioResets++
	w.consecutiveFailures = 0
	log.WithFields(log.Fields{
		"resets": w.stats.RadioResets,
		"freq":   w.params.FrequencyHz,
	}).Error("radio: consecutive failure limit reached, resetting chip")
	if err := w.r.Reset(); err != nil {
		log.Errorf("radio: reset failed: %v", err)
		return
	}
	if err := w.r.Init(w.params); err != nil {
		log.Errorf("radio: re-init failed: %v", err)
		return
	}
	if err := w.r.BeginReceive(); err != nil {
		w.stats.ReceiveErrors++
		log.Errorf("radio: begin receive after reset failed: %v", err)
	}
}
