// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package segment

import (
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
)

// Window computes download rate and remaining-time estimates against a
// fixed reference point captured when the download starts. Pausing resets
// the window. Shared by the segmented and sequential managers.
type Window struct {
	clk     clock.Clock
	oldsize int64
	oldtime time.Time
}

// NewWindow creates a Window measuring against clk.
func NewWindow(clk clock.Clock) *Window {
	return &Window{clk: clk}
}

// Started returns true once a reference point has been captured.
func (b *Window) Started() bool {
	return !b.oldtime.IsZero()
}

// Start captures the byte count the rate is measured against.
func (b *Window) Start(bytes int64) {
	b.oldsize = bytes
	b.oldtime = b.clk.Now()
}

// Reset clears the reference point, e.g. across a pause.
func (b *Window) Reset() {
	b.oldsize = 0
	b.oldtime = time.Time{}
}

// Bitrate returns the average rate since the window start in kilobits per
// second.
func (b *Window) Bitrate(bytes int64) float64 {
	if b.oldtime.IsZero() {
		return 0
	}
	elapsed := b.clk.Now().Sub(b.oldtime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(bytes-b.oldsize) * 8 / 1024 / elapsed
}

// ETA formats the estimated remaining time for the given progress, or
// "??:??" when the rate is zero or progress overshot the size.
func (b *Window) ETA(bytes, size int64) string {
	kbps := b.Bitrate(bytes)
	if kbps == 0 || size-bytes < 0 {
		return "??:??"
	}
	secondsLeft := float64(size-bytes) / (kbps * 1024 / 8)
	hours := int(secondsLeft / 3600)
	minutes := int(secondsLeft/60) % 60
	seconds := int(secondsLeft) % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
