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
	"io"
	"time"

	"go.bug.st/serial"
)

// intakeBudget caps how many bytes one loop iteration drains from a
// serial device, so a chatty port cannot starve the other pumps.
const intakeBudget = 512

// overflowThreshold is the intake size treated as the driver FIFO
// high-water mark: a drain that fills the whole budget means the port
// had at least that much backed up, so the framer discards the batch
// and resets rather than parse a stream that already lost bytes.
const overflowThreshold = intakeBudget

// OpenSerial opens a serial device in 8N1 with a short read timeout so
// intake polls return instead of blocking the loop.
func OpenSerial(device string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	if err := port.SetReadTimeout(time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting read timeout on %s: %w", device, err)
	}
	return port, nil
}

// drainIntake reads at most intakeBudget bytes without blocking.
func drainIntake(r io.Reader, buf []byte) []byte {
	total := 0
	for total < intakeBudget {
		n, err := r.Read(buf[total:])
		if err != nil || n == 0 {
			break
		}
		total += n
	}
	return buf[:total]
}
