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
	"time"

	"github.com/uber/metaget/lib/streamserver"
)

// Default concurrency and piece limits.
const (
	DefaultLimitPerHost = 1
	DefaultHostLimit    = 5
	DefaultMaxPieces    = 256
)

// Config defines segment manager configuration.
type Config struct {
	// LimitPerHost caps simultaneous connections per mirror url.
	LimitPerHost int `yaml:"limit_per_host"`

	// HostLimit caps how many distinct mirrors are connected at once.
	HostLimit int `yaml:"host_limit"`

	// MaxPieces bounds the piece count when the spec declares no piece
	// digests; the piece size is raised to compensate.
	MaxPieces int `yaml:"max_pieces"`

	// CycleInterval is the scheduling loop period.
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// PauseInterval is how long the loop sleeps while paused.
	PauseInterval time.Duration `yaml:"pause_interval"`

	// Country biases mirror ordering towards matching locations.
	Country string `yaml:"country"`

	// Stream optionally serves the file over HTTP while it downloads.
	Stream streamserver.Config `yaml:"stream"`
}

func (c Config) applyDefaults() Config {
	if c.LimitPerHost == 0 {
		c.LimitPerHost = DefaultLimitPerHost
	}
	if c.HostLimit == 0 {
		c.HostLimit = DefaultHostLimit
	}
	if c.MaxPieces == 0 {
		c.MaxPieces = DefaultMaxPieces
	}
	if c.CycleInterval == 0 {
		c.CycleInterval = 100 * time.Millisecond
	}
	if c.PauseInterval == 0 {
		c.PauseInterval = time.Second
	}
	return c
}

// Callbacks are the optional progress hooks a download reports through. All
// callbacks are invoked from the manager loop, never from workers.
type Callbacks struct {
	// Status mimics a classic retrieve hook; the manager calls it as
	// (bytesDone, 1, size).
	Status func(blockCount, blockSize, totalSize int64)

	// Bitrate reports the current download rate in kilobits per second.
	Bitrate func(kbps float64)

	// Time reports the estimated remaining time, formatted HH:MM:SS or
	// MM:SS, or "??:??" when unknown.
	Time func(eta string)

	// Cancel is polled every cycle; returning true aborts the download.
	Cancel func() bool

	// Pause is polled every cycle; while true the loop sleeps and the
	// bitrate window resets.
	Pause func() bool
}

func (c Callbacks) status(blockCount, blockSize, totalSize int64) {
	if c.Status != nil {
		c.Status(blockCount, blockSize, totalSize)
	}
}

func (c Callbacks) bitrate(kbps float64) {
	if c.Bitrate != nil {
		c.Bitrate(kbps)
	}
}

func (c Callbacks) time(eta string) {
	if c.Time != nil {
		c.Time(eta)
	}
}

func (c Callbacks) cancelled() bool {
	return c.Cancel != nil && c.Cancel()
}

func (c Callbacks) paused() bool {
	return c.Pause != nil && c.Pause()
}
