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

// Package radio defines the abstract long-range radio capability and the
// error-recovery wrapper the transmit path drives it through. Hardware
// drivers live behind the Radio interface; this package never touches
// registers.
package radio

import (
	"errors"
)

// MaxFrameSize is the largest packet a driver hands out of its FIFO.
const MaxFrameSize = 256

// Params configures a radio for one network.
type Params struct {
	FrequencyHz     uint32
	BandwidthHz     uint32
	SpreadingFactor uint8
	CodingRate      uint8
	SyncWord        byte
	PowerDBm        int8
}

// Sync words of the two segregated networks. Nodes on the direct
// GCS link must share DirectSyncWord; the mesh frequency uses
// MeshSyncWord everywhere. A dual-radio ground node configures each
// radio with its own network's word.
const (
	DirectSyncWord byte = 0x12
	MeshSyncWord   byte = 0x34
)

// Channel activity detection outcome.
type ChannelState uint8

// CAD results.
const (
	ChannelFree ChannelState = iota
	ChannelBusy
)

// Errors the wrapper distinguishes.
var (
	// ErrTransient marks a transmit failure worth retrying.
	ErrTransient = errors.New("radio: transient failure")
	// ErrChannelBusy is returned when CAD never saw the channel clear.
	ErrChannelBusy = errors.New("radio: channel busy")
)

// Radio is the minimal capability the transport needs from a driver.
// All methods are called from the node's single loop goroutine.
type Radio interface {
	Init(p Params) error
	Transmit(b []byte) error
	BeginReceive() error
	Read(buf []byte) (int, error)
	RSSI() float64
	SNR() float64
	Reset() error
	ScanChannel() (ChannelState, error)
}
