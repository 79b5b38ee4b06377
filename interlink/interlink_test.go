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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func feedAll(t *testing.T, r *Receiver, raw []byte, now time.Time) *Packet {
	t.Helper()
	var got *Packet
	for _, b := range raw {
		if p := r.Feed(b, now); p != nil {
			require.Nil(t, got, "more than one packet out of a single frame")
			got = p
		}
	}
	return got
}

func TestFletcher16(t *testing.T) {
	// classic vectors
	require.Equal(t, uint16(0xC8F0), Fletcher16([]byte("abcde")))
	require.Equal(t, uint16(0x2057), Fletcher16([]byte("abcdef")))
	require.Equal(t, uint16(0x0627), Fletcher16([]byte("abcdefgh")))
}

func TestMarshalParse(t *testing.T) {
	now := time.Now()
	p := &Packet{Cmd: CmdRelayTX, Payload: []byte{1, 2, 3, 4}}
	raw, err := p.Marshal()
	require.NoError(t, err)
	require.Equal(t, StartByte, raw[0])
	require.Len(t, raw, 4+4+2)

	r := NewReceiver()
	got := feedAll(t, r, raw, now)
	require.NotNil(t, got)
	require.Equal(t, CmdRelayTX, got.Cmd)
	require.Equal(t, []byte{1, 2, 3, 4}, got.Payload)

	// after a valid parse the machine is back at WAIT_START, empty
	require.Equal(t, 0, r.BytesBuffered())
	require.Equal(t, uint64(1), r.Counters().PacketsReceived)
}

func TestMarshalEmptyPayload(t *testing.T) {
	p := &Packet{Cmd: CmdStatusRequest}
	raw, err := p.Marshal()
	require.NoError(t, err)

	r := NewReceiver()
	got := feedAll(t, r, raw, time.Now())
	require.NotNil(t, got)
	require.Equal(t, CmdStatusRequest, got.Cmd)
	require.Empty(t, got.Payload)
}

func TestMarshalTooLarge(t *testing.T) {
	p := &Packet{Cmd: CmdRelayTX, Payload: make([]byte, 256)}
	_, err := p.Marshal()
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestChecksumMismatch(t *testing.T) {
	p := &Packet{Cmd: CmdRelayTX, Payload: []byte{1, 2, 3}}
	raw, err := p.Marshal()
	require.NoError(t, err)
	raw[5] ^= 0xFF

	r := NewReceiver()
	require.Nil(t, feedAll(t, r, raw, time.Now()))
	require.Equal(t, uint64(1), r.Counters().ChecksumErrors)
	require.Equal(t, uint64(0), r.Counters().PacketsReceived)
	require.Equal(t, 0, r.BytesBuffered())
}

func TestLengthOutOfRange(t *testing.T) {
	// hand-built header declaring a 300 byte payload
	raw := []byte{StartByte, byte(CmdRelayTX), 0x2C, 0x01}
	r := NewReceiver()
	require.Nil(t, feedAll(t, r, raw, time.Now()))
	require.Equal(t, uint64(1), r.Counters().ParseErrors)
	require.Equal(t, 0, r.BytesBuffered())
}

func TestGarbageBeforeStart(t *testing.T) {
	p := &Packet{Cmd: CmdAck}
	raw, err := p.Marshal()
	require.NoError(t, err)
	noisy := append([]byte{0x00, 0x13, 0x37}, raw...)

	r := NewReceiver()
	got := feedAll(t, r, noisy, time.Now())
	require.NotNil(t, got)
	require.Equal(t, CmdAck, got.Cmd)
}

func TestInterByteTimeout(t *testing.T) {
	r := NewReceiver()
	start := time.Now()
	r.Feed(StartByte, start)
	r.Feed(byte(CmdRelayTX), start)
	require.Equal(t, 2, r.BytesBuffered())

	// nothing for 50ms: still mid-frame
	r.CheckTimeout(start.Add(50 * time.Millisecond))
	require.Equal(t, 2, r.BytesBuffered())

	r.CheckTimeout(start.Add(150 * time.Millisecond))
	require.Equal(t, 0, r.BytesBuffered())
	require.Equal(t, uint64(1), r.Counters().TimeoutErrors)

	// timeout never fires in WAIT_START
	r.CheckTimeout(start.Add(10 * time.Second))
	require.Equal(t, uint64(1), r.Counters().TimeoutErrors)
}

func TestOverflowReset(t *testing.T) {
	r := NewReceiver()
	now := time.Now()
	r.Feed(StartByte, now)
	r.Overflow()
	require.Equal(t, 0, r.BytesBuffered())
	require.Equal(t, uint64(1), r.Counters().BufferOverflow)
}

func TestBackToBackFrames(t *testing.T) {
	now := time.Now()
	a, err := (&Packet{Cmd: CmdRelayTX, Payload: []byte{1}}).Marshal()
	require.NoError(t, err)
	b, err := (&Packet{Cmd: CmdStatusRequest}).Marshal()
	require.NoError(t, err)

	r := NewReceiver()
	var got []*Packet
	for _, by := range append(a, b...) {
		if p := r.Feed(by, now); p != nil {
			got = append(got, p)
		}
	}
	require.Len(t, got, 2)
	require.Equal(t, CmdRelayTX, got[0].Cmd)
	require.Equal(t, CmdStatusRequest, got[1].Cmd)
}

func TestFrameRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cmd := Command(rapid.IntRange(1, 0x0E).Draw(t, "cmd"))
		payload := rapid.SliceOfN(rapid.Byte(), 0, MaxPayload).Draw(t, "payload")
		raw, err := (&Packet{Cmd: cmd, Payload: payload}).Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r := NewReceiver()
		var got *Packet
		for _, b := range raw {
			if p := r.Feed(b, time.Time{}); p != nil {
				got = p
			}
		}
		if got == nil {
			t.Fatalf("no packet parsed")
		}
		if got.Cmd != cmd {
			t.Fatalf("cmd mismatch: got %v want %v", got.Cmd, cmd)
		}
		if len(got.Payload) != len(payload) {
			t.Fatalf("payload length mismatch")
		}
		for i := range payload {
			if got.Payload[i] != payload[i] {
				t.Fatalf("payload byte %d mismatch", i)
			}
		}
		if r.BytesBuffered() != 0 {
			t.Fatalf("receiver not drained after parse")
		}
	})
}
