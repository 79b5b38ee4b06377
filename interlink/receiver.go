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
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"
)

// rxState is the receive machine's position in the frame.
type rxState uint8

const (
	waitStart rxState = iota
	readHeader
	readPayload
	readChecksum
)

// interByteTimeout resets the machine when a frame stalls mid-parse.
const interByteTimeout = 100 * time.Millisecond

// RXCounters is a snapshot of the receiver's error accounting.
type RXCounters struct {
	PacketsReceived uint64
	ParseErrors     uint64
	ChecksumErrors  uint64
	TimeoutErrors   uint64
	BufferOverflow  uint64
}

// SuccessRate is packets received over all parse outcomes.
func (c RXCounters) SuccessRate() float64 {
	total := c.PacketsReceived + c.ParseErrors + c.ChecksumErrors + c.TimeoutErrors
	if total == 0 {
		return 1
	}
	return float64(c.PacketsReceived) / float64(total)
}

// Receiver is the accepting state machine for inter-controller frames.
// Feed it bytes as they arrive; it returns a packet when one validates.
type Receiver struct {
	state    rxState
	buf      [MaxPacketSize]byte
	n        int
	need     int
	lastByte time.Time

	counters RXCounters
}

// NewReceiver returns a receiver in WAIT_START.
func NewReceiver() *Receiver {
	return &Receiver{}
}

// Counters returns a snapshot of the error accounting.
func (r *Receiver) Counters() RXCounters { return r.counters }

// BytesBuffered reports how many bytes of the current frame are held.
func (r *Receiver) BytesBuffered() int { return r.n }

// Reset drops any partial frame and returns to WAIT_START.
func (r *Receiver) Reset() {
	r.state = waitStart
	r.n = 0
	r.need = 0
}

// Overflow records a driver-side buffer drain and resets the machine.
func (r *Receiver) Overflow() {
	r.counters.BufferOverflow++
	log.Warning("interlink: intake buffer overflow, resetting receiver")
	r.Reset()
}

// CheckTimeout resets a stalled mid-frame parse. Call it from the node
// loop between intake drains.
func (r *Receiver) CheckTimeout(now time.Time) {
	if r.state == waitStart {
		return
	}
	if now.Sub(r.lastByte) <= interByteTimeout {
		return
	}
	r.counters.TimeoutErrors++
	log.Debugf("interlink: inter-byte timeout in state %d after %d bytes", r.state, r.n)
	r.Reset()
}

// Feed advances the machine by one byte. It returns a validated packet,
// or nil while a frame is still in flight or was discarded.
func (r *Receiver) Feed(b byte, now time.Time) *Packet {
	r.lastByte = now
	switch r.state {
	case waitStart:
		if b != StartByte {
			return nil
		}
		r.buf[0] = b
		r.n = 1
		r.state = readHeader

	case readHeader:
		r.buf[r.n] = b
		r.n++
		if r.n < headerSize {
			return nil
		}
		length := int(binary.LittleEndian.Uint16(r.buf[2:4]))
		if length > MaxPayload {
			r.counters.ParseErrors++
			log.Debugf("interlink: declared length %d out of range", length)
			r.Reset()
			return nil
		}
		r.need = length
		if length == 0 {
			r.state = readChecksum
		} else {
			r.state = readPayload
		}

	case readPayload:
		r.buf[r.n] = b
		r.n++
		if r.n == headerSize+r.need {
			r.state = readChecksum
		}

	case readChecksum:
		r.buf[r.n] = b
		r.n++
		if r.n < headerSize+r.need+2 {
			return nil
		}
		return r.validate()
	}
	return nil
}

// validate recomputes the checksum and hands out the packet.
func (r *Receiver) validate() *Packet {
	body := r.buf[:headerSize+r.need]
	want := binary.LittleEndian.Uint16(r.buf[headerSize+r.need : headerSize+r.need+2])
	got := Fletcher16(body)
	cmd := Command(r.buf[1])
	payload := append([]byte(nil), r.buf[headerSize:headerSize+r.need]...)
	r.Reset()
	if got != want {
		r.counters.ChecksumErrors++
		log.Debugf("interlink: checksum mismatch on %s: got 0x%04X want 0x%04X", cmd, got, want)
		return nil
	}
	r.counters.PacketsReceived++
	return &Packet{Cmd: cmd, Payload: payload}
}
