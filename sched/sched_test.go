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

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aerolora/aerolink/telemetry"
)

func frame(seq, sysID, msgID uint8, payload []byte) []byte {
	p := []byte{telemetry.MarkerV1, byte(len(payload)), seq, sysID, 1, msgID}
	p = append(p, payload...)
	return append(p, 0, 0)
}

func TestClassification(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	require.Equal(t, Queued, s.Enqueue(frame(0, 1, telemetry.MsgHeartbeat, nil), now))
	require.Equal(t, Queued, s.Enqueue(frame(1, 1, telemetry.MsgAttitude, nil), now))
	require.Equal(t, Queued, s.Enqueue(frame(2, 1, 200, nil), now))

	require.Equal(t, 1, s.Depth(telemetry.TierCritical))
	require.Equal(t, 1, s.Depth(telemetry.TierImportant))
	require.Equal(t, 1, s.Depth(telemetry.TierRoutine))
}

func TestUnparseablePayloadIsRoutine(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	// not a frame at all, still transported as routine traffic
	require.Equal(t, Queued, s.Enqueue([]byte{1, 2, 3}, now))
	require.Equal(t, 1, s.Depth(telemetry.TierRoutine))
	require.Equal(t, 0, s.Depth(telemetry.TierCritical))
}

func TestRejects(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	require.Equal(t, RejectedEmpty, s.Enqueue(nil, now))
	require.Equal(t, RejectedTooLarge, s.Enqueue(make([]byte, MaxPayload+1), now))
	require.Equal(t, 0, s.Depth(telemetry.TierRoutine))
}

// Fill T2, overflow by one, then preempt with a single T0 item.
func TestPriorityPreemption(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	for i := 0; i < 31; i++ {
		res := s.Enqueue(frame(uint8(i), 1, 200, []byte{uint8(i)}), now)
		if i < 30 {
			require.Equal(t, Queued, res)
		} else {
			require.Equal(t, DroppedFull, res)
		}
	}
	require.Equal(t, uint64(1), s.Status()[telemetry.TierRoutine].DropsFull)

	require.Equal(t, Queued, s.Enqueue(frame(99, 1, telemetry.MsgHeartbeat, nil), now))

	first := s.PollNext(now)
	require.NotNil(t, first)
	require.Equal(t, telemetry.TierCritical, first.Tier)

	for i := 0; i < 30; i++ {
		it := s.PollNext(now)
		require.NotNil(t, it)
		require.Equal(t, telemetry.TierRoutine, it.Tier)
		// FIFO within the tier
		info, err := telemetry.Parse(it.Payload)
		require.NoError(t, err)
		require.Equal(t, uint8(i), info.Seq)
	}
	require.Nil(t, s.PollNext(now))
}

func TestEnqueueNeverDisplaces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers[telemetry.TierCritical].Slots = 2
	s := New(cfg)
	now := time.Now()

	require.Equal(t, Queued, s.Enqueue(frame(0, 1, telemetry.MsgHeartbeat, nil), now))
	require.Equal(t, Queued, s.Enqueue(frame(1, 1, telemetry.MsgHeartbeat, nil), now))
	require.Equal(t, DroppedFull, s.Enqueue(frame(2, 1, telemetry.MsgHeartbeat, nil), now))

	// the survivors are the two oldest
	it := s.PollNext(now)
	require.NotNil(t, it)
	info, _ := telemetry.Parse(it.Payload)
	require.Equal(t, uint8(0), info.Seq)
}

func TestStaleness(t *testing.T) {
	s := New(DefaultConfig())
	start := time.Now()

	require.Equal(t, Queued, s.Enqueue(frame(0, 1, 200, nil), start))
	require.Nil(t, s.PollNext(start.Add(6*time.Second)))
	require.Equal(t, uint64(1), s.Status()[telemetry.TierRoutine].DropsStale)
	require.Equal(t, 0, s.Depth(telemetry.TierRoutine))
}

func TestStaleSkipsToFresh(t *testing.T) {
	s := New(DefaultConfig())
	start := time.Now()

	require.Equal(t, Queued, s.Enqueue(frame(0, 1, 200, nil), start))
	require.Equal(t, Queued, s.Enqueue(frame(1, 1, 200, nil), start.Add(4*time.Second)))

	it := s.PollNext(start.Add(6 * time.Second))
	require.NotNil(t, it)
	info, _ := telemetry.Parse(it.Payload)
	require.Equal(t, uint8(1), info.Seq)
	require.Equal(t, uint64(1), s.Status()[telemetry.TierRoutine].DropsStale)
}

func TestStaleCriticalFallsThroughToLowerTier(t *testing.T) {
	s := New(DefaultConfig())
	start := time.Now()

	require.Equal(t, Queued, s.Enqueue(frame(0, 1, telemetry.MsgHeartbeat, nil), start))
	require.Equal(t, Queued, s.Enqueue(frame(1, 1, 200, nil), start.Add(2*time.Second)))

	// T0 item is 3s old (limit 1s), T2 item is 1s old (limit 5s)
	it := s.PollNext(start.Add(3 * time.Second))
	require.NotNil(t, it)
	require.Equal(t, telemetry.TierRoutine, it.Tier)
	require.Equal(t, uint64(1), s.Status()[telemetry.TierCritical].DropsStale)
}

func TestDepthNeverExceedsSlots(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	for i := 0; i < 100; i++ {
		s.Enqueue(frame(uint8(i), 1, 200, nil), now)
		require.LessOrEqual(t, s.Depth(telemetry.TierRoutine), 30)
	}
}

func TestTXCounter(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()
	s.Enqueue(frame(0, 1, 200, nil), now)
	s.Enqueue(frame(1, 1, 200, nil), now)
	require.NotNil(t, s.PollNext(now))
	require.NotNil(t, s.PollNext(now))
	require.Nil(t, s.PollNext(now))
	require.Equal(t, uint64(2), s.Status()[telemetry.TierRoutine].TX)
}
