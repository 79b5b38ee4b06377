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

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// FrameV1 builds a version-1 application frame for tests in this module.
func FrameV1(seq, sysID, msgID uint8, payload []byte) []byte {
	p := []byte{MarkerV1, byte(len(payload)), seq, sysID, 1, msgID}
	p = append(p, payload...)
	// trailing checksum of the application protocol, opaque to us
	return append(p, 0, 0)
}

// FrameV2 builds a version-2 application frame for tests in this
// module. The message id field is 24 bits on the wire; the transport
// keys on its low byte.
func FrameV2(seq, sysID, msgID uint8, payload []byte) []byte {
	p := []byte{MarkerV2, byte(len(payload)), 0, 0, seq, sysID, 1, msgID, 0, 0}
	p = append(p, payload...)
	return append(p, 0, 0)
}

func TestParseV1(t *testing.T) {
	p := FrameV1(42, 7, MsgAttitude, []byte{1, 2, 3})
	info, err := Parse(p)
	require.NoError(t, err)
	require.Equal(t, MarkerV1, info.Discriminator)
	require.Equal(t, uint8(42), info.Seq)
	require.Equal(t, uint8(7), info.SysID)
	require.Equal(t, MsgAttitude, info.MsgID)
	require.Equal(t, 3, PayloadLen(p))
}

func TestParseV2(t *testing.T) {
	p := FrameV2(9, 3, MsgCommandLong, nil)
	info, err := Parse(p)
	require.NoError(t, err)
	require.Equal(t, MarkerV2, info.Discriminator)
	require.Equal(t, uint8(9), info.Seq)
	require.Equal(t, uint8(3), info.SysID)
	require.Equal(t, MsgCommandLong, info.MsgID)
}

func TestParseRejects(t *testing.T) {
	_, err := Parse(nil)
	require.ErrorIs(t, err, ErrNotAFrame)
	_, err = Parse([]byte{0x55, 1, 2, 3, 4, 5, 6, 7})
	require.ErrorIs(t, err, ErrNotAFrame)
	// marker but too short to index msg id
	_, err = Parse([]byte{MarkerV1, 0, 1})
	require.ErrorIs(t, err, ErrNotAFrame)
	require.Equal(t, -1, PayloadLen([]byte{0x55}))
}

func TestTierTable(t *testing.T) {
	require.Equal(t, TierCritical, TierOf(MsgHeartbeat))
	require.Equal(t, TierCritical, TierOf(MsgCommandLong))
	require.Equal(t, TierImportant, TierOf(MsgGPSRaw))
	require.Equal(t, TierImportant, TierOf(MsgVFRHUD))
	// unknown ids are routine
	require.Equal(t, TierRoutine, TierOf(250))
}

func TestEssentialMatchesTiers(t *testing.T) {
	require.True(t, Essential(MsgHeartbeat))
	require.True(t, Essential(MsgGlobalPosition))
	require.False(t, Essential(253))
}

func TestTierString(t *testing.T) {
	require.Equal(t, "T0", TierCritical.String())
	require.Equal(t, "T1", TierImportant.String())
	require.Equal(t, "T2", TierRoutine.String())
}
