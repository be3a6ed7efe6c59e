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
package cmd

import (
	"fmt"
	"io"
	"strings"
)

const progressBarWidth = 79

// progressBar renders the classic single-line terminal bar: percent, MB
// progress, bitrate (kbps, or Mbps above 1000) and ETA.
type progressBar struct {
	out     io.Writer
	width   int
	bitrate float64
	eta     string
}

func newProgressBar(out io.Writer) *progressBar {
	return &progressBar{out: out, width: progressBarWidth}
}

// update redraws the bar. Wired to the status callback as
// (bytesDone, 1, totalSize).
func (p *progressBar) update(blockCount, blockSize, totalSize int64) {
	currentMB := float64(blockCount*blockSize) / 1024 / 1024
	totalMB := float64(totalSize) / 1024 / 1024
	if totalMB < 0 {
		return
	}

	var percent float64
	if totalMB > 0 {
		percent = 100 * currentMB / totalMB
	}
	if percent > 100 {
		percent = 100
	}

	percentTxt := fmt.Sprintf(" %.0f%%", percent)
	bytesTxt := fmt.Sprintf(" %.2f/%.2f MB", currentMB, totalMB)

	var bitrateTxt string
	if p.bitrate > 1000 {
		bitrateTxt = fmt.Sprintf(" %.2f Mbps", p.bitrate/1000)
	} else if p.bitrate > 0 {
		bitrateTxt = fmt.Sprintf(" %.0f kbps", p.bitrate)
	}

	var etaTxt string
	if p.eta != "" {
		etaTxt = " " + p.eta
	}

	length := p.width - 2 - len(percentTxt) - len(bytesTxt) - len(bitrateTxt) - len(etaTxt)
	if length < 0 {
		length = 0
	}
	filled := int(percent * float64(length) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", length-filled)

	fmt.Fprintf(p.out, "\r[%s]%s%s%s%s", bar, percentTxt, bytesTxt, bitrateTxt, etaTxt)
}

func (p *progressBar) setBitrate(kbps float64) {
	p.bitrate = kbps
}

func (p *progressBar) setTime(eta string) {
	p.eta = eta
}

func (p *progressBar) done() {
	fmt.Fprintln(p.out)
}
