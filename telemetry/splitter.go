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

// Per-version total frame overhead (header plus trailing checksum).
var overhead = map[byte]int{
	MarkerV1: 8,
	MarkerV2: 12,
}

// FrameSize returns the full on-wire size of a frame with the given
// discriminator and declared payload length, or -1 for an unknown
// discriminator.
func FrameSize(discriminator byte, payloadLen int) int {
	ov, ok := overhead[discriminator]
	if !ok {
		return -1
	}
	return ov + payloadLen
}

// Splitter reassembles application frames out of an arbitrary byte
// stream. Bytes before a frame start are discarded; partial frames are
// held until completed.
type Splitter struct {
	buf     []byte
	Skipped uint64
}

// NewSplitter returns an empty splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Feed appends stream bytes and returns any completed frames.
func (s *Splitter) Feed(data []byte) [][]byte {
	s.buf = append(s.buf, data...)
	var frames [][]byte
	for {
		// resynchronize on a frame start
		start := 0
		for start < len(s.buf) && !IsFrameStart(s.buf[start]) {
			start++
		}
		s.Skipped += uint64(start)
		s.buf = s.buf[start:]
		if len(s.buf) < 2 {
			return frames
		}
		total := FrameSize(s.buf[0], int(s.buf[1]))
		if len(s.buf) < total {
			return frames
		}
		frames = append(frames, append([]byte(nil), s.buf[:total]...))
		s.buf = s.buf[total:]
	}
}
