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

// Tier is the transmit priority class of an application message.
type Tier uint8

// Tiers, highest priority first.
const (
	TierCritical Tier = iota // commands, mode changes, acknowledgements
	TierImportant            // position, attitude, RC, HUD
	TierRoutine              // everything else
	NumTiers
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "T0"
	case TierImportant:
		return "T1"
	case TierRoutine:
		return "T2"
	}
	return "T?"
}

// Message ids the tier tables key on.
const (
	MsgHeartbeat      uint8 = 0
	MsgSetMode        uint8 = 11
	MsgParamValue     uint8 = 22
	MsgParamSet       uint8 = 23
	MsgGPSRaw         uint8 = 24
	MsgAttitude       uint8 = 30
	MsgGlobalPosition uint8 = 33
	MsgMissionItem    uint8 = 39
	MsgMissionCount   uint8 = 44
	MsgMissionAck     uint8 = 47
	MsgRCChannels     uint8 = 65
	MsgVFRHUD         uint8 = 74
	MsgCommandLong    uint8 = 76
	MsgCommandAck     uint8 = 77
)

// tierByMsgID is identical on every node. An id absent from the table is
// routine traffic.
var tierByMsgID = map[uint8]Tier{
	MsgHeartbeat:      TierCritical,
	MsgCommandLong:    TierCritical,
	MsgCommandAck:     TierCritical,
	MsgSetMode:        TierCritical,
	MsgParamSet:       TierCritical,
	MsgParamValue:     TierCritical,
	MsgMissionItem:    TierCritical,
	MsgMissionCount:   TierCritical,
	MsgMissionAck:     TierCritical,
	MsgGPSRaw:         TierImportant,
	MsgAttitude:       TierImportant,
	MsgGlobalPosition: TierImportant,
	MsgRCChannels:     TierImportant,
	MsgVFRHUD:         TierImportant,
}

// TierOf classifies a message id. Unknown ids fall to TierRoutine.
func TierOf(msgID uint8) Tier {
	if t, ok := tierByMsgID[msgID]; ok {
		return t
	}
	return TierRoutine
}

// Essential reports whether a message id belongs on the long-range link.
// The essential set is T0 and T1: commands alone would leave the ground
// station blind to position during degraded operation.
func Essential(msgID uint8) bool {
	return TierOf(msgID) != TierRoutine
}
