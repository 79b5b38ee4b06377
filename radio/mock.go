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

// Mock is a scriptable in-memory Radio for tests across the module.
// Transmitted packets accumulate in Sent; queued RX packets are handed
// out one per Read call, the way a driver drains its FIFO.
type Mock struct {
	Params     Params
	Sent       [][]byte
	rx         [][]byte
	TXErrs     []error
	CADResults []ChannelState
	RSSIVal    float64
	SNRVal     float64
	InitErr    error
	ResetErr   error

	Inits     int
	Resets    int
	Receiving bool
}

// NewMock returns a mock with a free channel and a quiet link.
func NewMock() *Mock {
	return &Mock{RSSIVal: -70, SNRVal: 9}
}

// Init records the parameters.
func (m *Mock) Init(p Params) error {
	m.Inits++
	if m.InitErr != nil {
		return m.InitErr
	}
	m.Params = p
	return nil
}

// Transmit consumes the next scripted error, or succeeds.
func (m *Mock) Transmit(b []byte) error {
	if len(m.TXErrs) > 0 {
		err := m.TXErrs[0]
		m.TXErrs = m.TXErrs[1:]
		if err != nil {
			return err
		}
	}
	m.Sent = append(m.Sent, append([]byte(nil), b...))
	return nil
}

// BeginReceive arms the mock receiver.
func (m *Mock) BeginReceive() error {
	m.Receiving = true
	return nil
}

// InjectRX queues a packet for the next Read.
func (m *Mock) InjectRX(b []byte) {
	m.rx = append(m.rx, append([]byte(nil), b...))
}

// Pending reports whether an injected packet is waiting.
func (m *Mock) Pending() bool { return len(m.rx) > 0 }

// Read pops one queued packet into buf.
func (m *Mock) Read(buf []byte) (int, error) {
	if len(m.rx) == 0 {
		return 0, nil
	}
	p := m.rx[0]
	m.rx = m.rx[1:]
	return copy(buf, p), nil
}

// RSSI returns the scripted level.
func (m *Mock) RSSI() float64 { return m.RSSIVal }

// SNR returns the scripted level.
func (m *Mock) SNR() float64 { return m.SNRVal }

// Reset counts the power cycle.
func (m *Mock) Reset() error {
	m.Resets++
	m.Receiving = false
	return m.ResetErr
}

// ScanChannel consumes the next scripted CAD result, defaulting to free.
func (m *Mock) ScanChannel() (ChannelState, error) {
	if len(m.CADResults) == 0 {
		return ChannelFree, nil
	}
	s := m.CADResults[0]
	m.CADResults = m.CADResults[1:]
	return s, nil
}
