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
package downloader

import (
	"context"
	"io"
	"math/rand"
	"os"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/lib/resume"
	"github.com/uber/metaget/lib/segment"
	"github.com/uber/metaget/lib/store"
	"github.com/uber/metaget/lib/transport"
	"github.com/uber/metaget/lib/verification"
	"github.com/uber/metaget/utils/log"

	"github.com/andres-erbsen/clock"
)

const sequentialBlockSize = 32 * 1024

// sequentialManager is the fallback when segmented mode fails: it tries one
// mirror end to end at a time, starting at a random mirror, resuming from
// the first gap the resume record reports.
type sequentialManager struct {
	spec      *core.FileSpec
	tfactory  *transport.Factory
	verifier  *verification.Verifier
	callbacks segment.Callbacks
	clk       clock.Clock
}

func (m *sequentialManager) run(ctx context.Context) bool {
	mirrors := core.SortMirrors(core.FilterMirrors(m.spec.Mirrors), "")
	if len(mirrors) == 0 {
		return false
	}
	start := rand.Intn(len(mirrors))
	for i := 0; i < len(mirrors); i++ {
		if m.callbacks.Cancel != nil && m.callbacks.Cancel() {
			return false
		}
		mirror := mirrors[(start+i)%len(mirrors)]
		if m.runOne(ctx, mirror.URL) {
			return true
		}
	}
	return false
}

// runOne downloads the whole file from a single mirror, streaming through
// the shared output handle.
func (m *sequentialManager) runOne(ctx context.Context, rawurl string) bool {
	logger := log.With("output", m.spec.OutputPath, "mirror", rawurl)

	record := resume.Load(m.spec.OutputPath + resume.Suffix)
	offset := record.FirstGap()

	resp, err := m.tfactory.FetchFile(ctx, rawurl, offset)
	if err != nil {
		logger.Infof("Sequential fetch: %s", err)
		return false
	}
	defer resp.Body.Close()

	size := m.spec.Size
	if size <= 0 {
		size = resp.Size
	}

	digests := m.spec.Digests
	if len(digests) == 0 && len(resp.Digests) > 0 {
		digests = resp.Digests
	}

	file, err := store.OpenSharedFile(m.spec.OutputPath)
	if err != nil {
		logger.Errorf("Open output: %s", err)
		return false
	}
	defer file.Close()

	// Starting over from byte zero: drop any stale bytes a previous attempt
	// left past the rewrite point.
	if resp.Offset == 0 {
		if err := os.Truncate(m.spec.OutputPath, 0); err != nil {
			logger.Errorf("Truncate output: %s", err)
			return false
		}
	}

	// The resume record tracks the written prefix as a single growing run.
	if err := record.SetPieceSize(0); err != nil {
		logger.Errorf("Reset resume record: %s", err)
	}
	if err := record.Mark(0); err != nil {
		logger.Errorf("Persist resume record: %s", err)
	}

	window := segment.NewWindow(m.clk)
	window.Start(resp.Offset)
	pos := resp.Offset
	buf := make([]byte, sequentialBlockSize)
	for {
		if m.callbacks.Cancel != nil && m.callbacks.Cancel() {
			return false
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := file.WriteRange(pos, buf[:n]); werr != nil {
				logger.Errorf("Write output: %s", werr)
				return false
			}
			pos += int64(n)
			if serr := record.SetPieceSize(pos); serr != nil {
				logger.Errorf("Persist resume record: %s", serr)
			}
			if m.callbacks.Status != nil {
				m.callbacks.Status(pos, 1, size)
			}
			if m.callbacks.Bitrate != nil {
				m.callbacks.Bitrate(window.Bitrate(pos))
			}
			if m.callbacks.Time != nil {
				m.callbacks.Time(window.ETA(pos, size))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Infof("Sequential read: %s", err)
			return false
		}
	}

	if !m.verifier.VerifyFile(m.spec.OutputPath, digests) {
		logger.Infof("Checksum failed for %s", m.spec.OutputPath)
		return false
	}
	if size > 0 {
		if info, err := os.Stat(m.spec.OutputPath); err != nil || info.Size() != size {
			return false
		}
	}
	if err := record.Complete(); err != nil {
		logger.Errorf("Remove resume record: %s", err)
	}
	return true
}
