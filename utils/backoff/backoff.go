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
package backoff

import (
	"errors"
	"math/rand"
	"time"

	"github.com/andres-erbsen/clock"
)

// ErrRetryTimeout is returned by Attempts.Err when the retry timeout elapses
// before an attempt succeeds.
var ErrRetryTimeout = errors.New("backoff retry timeout")

// Config defines Backoff configuration.
type Config struct {
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	Factor       float64       `yaml:"factor"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
	NoJitter     bool          `yaml:"no_jitter"`
}

func (c Config) applyDefaults() Config {
	if c.Min == 0 {
		c.Min = 250 * time.Millisecond
	}
	if c.Max == 0 {
		c.Max = 30 * time.Second
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 3 * time.Minute
	}
	return c
}

// Backoff provides thread-safe exponential backoff attempts.
type Backoff struct {
	config Config
	clk    clock.Clock
}

// New creates a new Backoff.
func New(config Config) *Backoff {
	return &Backoff{config.applyDefaults(), clock.New()}
}

// WithClock creates a new Backoff which uses the given clock, for testing.
func WithClock(config Config, clk clock.Clock) *Backoff {
	return &Backoff{config.applyDefaults(), clk}
}

// Attempts returns a new Attempts, which always executes at least one
// attempt regardless of the retry timeout.
func (b *Backoff) Attempts() *Attempts {
	return &Attempts{
		backoff:  b,
		deadline: b.clk.Now().Add(b.config.RetryTimeout),
	}
}

// Attempts tracks the state of an individual backoff cycle.
type Attempts struct {
	backoff  *Backoff
	deadline time.Time
	attempt  int
	err      error
}

// WaitForNext blocks until the next attempt may execute. Returns false if the
// retry timeout was reached and no further attempts should be made.
func (a *Attempts) WaitForNext() bool {
	if a.attempt == 0 {
		a.attempt++
		return true
	}
	d := a.backoff.delay(a.attempt - 1)
	if a.backoff.clk.Now().Add(d).After(a.deadline) {
		a.err = ErrRetryTimeout
		return false
	}
	a.backoff.clk.Sleep(d)
	a.attempt++
	return true
}

// Err returns the terminal error of the attempt cycle, if any.
func (a *Attempts) Err() error {
	return a.err
}

func (b *Backoff) delay(retry int) time.Duration {
	d := float64(b.config.Min)
	for i := 0; i < retry; i++ {
		d *= b.config.Factor
		if d >= float64(b.config.Max) {
			d = float64(b.config.Max)
			break
		}
	}
	if !b.config.NoJitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}
