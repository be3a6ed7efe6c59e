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
	"context"
	"sync"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/lib/store"
	"github.com/uber/metaget/lib/transport"
	"github.com/uber/metaget/lib/verification"

	"go.uber.org/atomic"
)

// worker owns one (mirror, piece) assignment and runs it to completion or
// error. It never surfaces errors to its goroutine's caller; the manager
// inspects err on the next cycle.
type worker struct {
	slot     *hostSlot
	file     *store.SharedFile
	start    int64
	end      int64
	filesize int64
	digests  core.DigestSet

	// bytes is 0 until the piece is written and verified, then exactly
	// end-start. Monotonically nondecreasing.
	bytes atomic.Int64

	mu       sync.Mutex
	err      *transport.Error
	fatalErr error // Output file write failures; aborts the whole download.

	// reaped is owned by the manager loop: set once the error has been acted
	// upon, so a slot is not reaped twice before reassignment.
	reaped bool

	done chan struct{}
}

func newWorker(
	slot *hostSlot,
	file *store.SharedFile,
	start, end, filesize int64,
	digests core.DigestSet) *worker {

	return &worker{
		slot:     slot,
		file:     file,
		start:    start,
		end:      end,
		filesize: filesize,
		digests:  digests,
		done:     make(chan struct{}),
	}
}

// byteCount returns the length of the assigned range.
func (w *worker) byteCount() int64 {
	return w.end - w.start
}

// alive returns true while the worker goroutine is still running.
func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) error() *transport.Error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *worker) fatal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalErr
}

func (w *worker) setError(err *transport.Error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// location returns the redirect target, if the worker failed on a redirect.
func (w *worker) location() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err.Location
	}
	return ""
}

// finish releases the host slot and signals completion.
func (w *worker) finish() {
	if w.slot != nil {
		w.slot.busy.Store(false)
		if w.slot.pruned.Load() {
			w.slot.host.Close()
		}
	}
	close(w.done)
}

// verifyExisting checks whether the bytes already present in the output
// range satisfy the piece digests. With no digests declared it vacuously
// succeeds, trusting the caller.
func (w *worker) verifyExisting() bool {
	data, err := w.file.ReadRange(w.start, w.byteCount())
	if err != nil {
		return false
	}
	if len(w.digests) > 0 && int64(len(data)) != w.byteCount() {
		return false
	}
	return verification.VerifyChunk(data, w.digests)
}

// runVerifyOnly re-validates a piece recorded complete in the resume store,
// without touching the network. Runs synchronously.
func (w *worker) runVerifyOnly() {
	defer w.finish()
	if w.verifyExisting() {
		w.bytes.Store(w.byteCount())
		return
	}
	w.setError(&transport.Error{Kind: transport.KindChunkChecksum})
}

// run fetches the assigned range, verifies the piece digest and then writes
// it through the shared file. Runs on its own goroutine.
func (w *worker) run(ctx context.Context) {
	defer w.finish()

	if ctx.Err() != nil {
		w.setError(&transport.Error{Kind: transport.KindCancelled})
		return
	}

	// Finish early if the range already checks out, e.g. from a previous run
	// which died before the resume record was written.
	if len(w.digests) > 0 && w.verifyExisting() {
		w.bytes.Store(w.byteCount())
		return
	}

	body, err := w.slot.host.FetchRange(ctx, w.start, w.end, w.filesize, w.digests)
	if err != nil {
		if terr, ok := err.(*transport.Error); ok {
			w.setError(terr)
		} else {
			w.setError(&transport.Error{
				Kind: transport.KindBadSocket, URL: w.slot.host.URL()})
		}
		return
	}

	if !verification.VerifyChunk(body, w.digests) {
		w.setError(&transport.Error{
			Kind: transport.KindChunkChecksum, URL: w.slot.host.URL()})
		return
	}

	if err := w.file.WriteRange(w.start, body); err != nil {
		w.mu.Lock()
		w.fatalErr = err
		w.mu.Unlock()
		return
	}

	w.bytes.Store(w.byteCount())
}
