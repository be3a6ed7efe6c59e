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

// Package segment implements segmented downloading: one file fetched in
// parallel from several mirrors, each connection retrieving a disjoint byte
// range, with per-piece verification and durable resume state.
package segment

import (
	"context"
	"os"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/lib/resume"
	"github.com/uber/metaget/lib/store"
	"github.com/uber/metaget/lib/streamserver"
	"github.com/uber/metaget/lib/transport"
	"github.com/uber/metaget/lib/verification"
	"github.com/uber/metaget/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// hostSlot is one open connection against one mirror url. busy is set while
// a worker owns the slot.
type hostSlot struct {
	host   transport.Host
	busy   atomic.Bool
	pruned atomic.Bool
}

// Manager drives one segmented download: it partitions the file into pieces,
// assigns pieces to mirrors under per-host and global connection caps, reaps
// failed pieces and reassigns them, and reports progress. The manager is the
// sole owner of the mirror set, the host slots and the piece slots; workers
// only report into their own fields.
type Manager struct {
	config    Config
	clk       clock.Clock
	stats     tally.Scope
	tfactory  *transport.Factory
	verifier  *verification.Verifier
	callbacks Callbacks
	logger    *zap.SugaredLogger

	spec      *core.FileSpec
	size      int64
	pieceSize int64

	file   *store.SharedFile
	record *resume.Record
	stream *streamserver.Server

	// mirrors is the live mirror set, keyed by url. sorted caches the
	// assignment order and is rebuilt whenever the set changes.
	mirrors map[string]core.Mirror
	sorted  []core.Mirror

	slots []*worker
	hosts []*hostSlot

	// pieceFailures counts bad-bytes failures per piece and mirror url, to
	// detect mirrors which consistently corrupt a piece.
	pieceFailures map[int]map[string]int

	window *Window

	// committed is the length of the verified prefix of the file, exported
	// for the streaming server.
	committed *atomic.Int64

	status bool
}

// New creates a manager for one FileSpec.
func New(
	config Config,
	spec *core.FileSpec,
	tfactory *transport.Factory,
	verifier *verification.Verifier,
	callbacks Callbacks,
	stats tally.Scope,
	clk clock.Clock) *Manager {

	config = config.applyDefaults()
	mirrors := make(map[string]core.Mirror)
	for _, m := range core.FilterMirrors(spec.Mirrors) {
		mirrors[m.URL] = m
	}
	m := &Manager{
		config:        config,
		clk:           clk,
		stats:         stats.SubScope("segment"),
		tfactory:      tfactory,
		verifier:      verifier,
		callbacks:     callbacks,
		logger:        log.With("output", spec.OutputPath),
		spec:          spec,
		size:          spec.Size,
		pieceSize:     spec.EffectivePieceSize(),
		mirrors:       mirrors,
		pieceFailures: make(map[int]map[string]int),
		window:        NewWindow(clk),
		committed:     atomic.NewInt64(0),
		status:        true,
	}
	m.resort()
	return m
}

// CommittedLength returns the byte length of the contiguous verified prefix
// of the output file. Readers may serve up to this offset.
func (m *Manager) CommittedLength() int64 {
	return m.committed.Load()
}

// Run executes the download to completion. Returns true if the file was
// fully downloaded and verified.
func (m *Manager) Run(ctx context.Context) bool {
	file, err := store.OpenSharedFile(m.spec.OutputPath)
	if err != nil {
		m.logger.Errorf("Open output: %s", err)
		return false
	}
	m.file = file
	m.record = resume.Load(m.spec.OutputPath + resume.Suffix)

	if m.config.Stream.Addr != "" {
		m.stream = streamserver.New(m.config.Stream, file)
		go func() {
			if err := m.stream.ListenAndServe(); err != nil {
				m.logger.Infof("Stream server: %s", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.size <= 0 {
		size, ok := m.probeSize(ctx)
		if !ok {
			m.logger.Info("Could not determine file size from mirrors")
			m.status = false
			m.close()
			return false
		}
		m.size = size
	}

	// The piece size is fixed when piece digests are tied to it; otherwise
	// it is raised so the piece count never exceeds MaxPieces.
	if m.spec.PieceDigests.NumPieces() == 0 &&
		core.NumPieces(m.size, m.pieceSize) > m.config.MaxPieces {
		m.pieceSize = (m.size + int64(m.config.MaxPieces) - 1) / int64(m.config.MaxPieces)
		m.logger.Infof("Raised piece size to %d", m.pieceSize)
	}
	if err := m.record.UpdatePieceSize(m.pieceSize); err != nil {
		m.logger.Errorf("Update resume record: %s", err)
		m.status = false
		m.close()
		return false
	}

	ticker := m.clk.Ticker(m.config.CycleInterval)
	defer ticker.Stop()

	for {
		if m.callbacks.paused() {
			m.window.Reset()
			m.clk.Sleep(m.config.PauseInterval)
			continue
		}
		<-ticker.C
		if !m.cycle(ctx, cancel) {
			return m.status
		}
	}
}

// cycle runs one scheduling round. Returns false when the download is done,
// failed or cancelled.
func (m *Manager) cycle(ctx context.Context, cancel context.CancelFunc) bool {
	bytes := m.byteTotal()

	if !m.window.Started() {
		m.window.Start(bytes)
	}

	if m.callbacks.cancelled() {
		cancel()
		m.waitForWorkers()
		m.status = false
		m.close()
		return false
	}

	if err := m.fatalError(); err != nil {
		m.logger.Errorf("Write failure: %s", err)
		cancel()
		m.waitForWorkers()
		m.status = false
		m.close()
		return false
	}

	m.update(ctx)

	if err := m.record.Extend(m.completedPieces()); err != nil {
		m.logger.Errorf("Persist resume record: %s", err)
	}
	m.advanceCommitted()

	if bytes >= m.size && m.activeCount() == 0 {
		m.close()
		return false
	}

	if len(m.mirrors) == 0 {
		m.logger.Info("No mirrors remaining")
		m.status = false
		m.close()
		return false
	}

	return true
}

// update reports progress and performs at most one piece assignment.
func (m *Manager) update(ctx context.Context) {
	bytes := m.byteTotal()
	m.callbacks.status(bytes, 1, m.size)
	m.callbacks.bitrate(m.window.Bitrate(bytes))
	m.callbacks.time(m.window.ETA(bytes, m.size))

	slot := m.nextHost()
	if slot == nil {
		return
	}

	index, ok := m.nextPieceIndex()
	if !ok {
		return
	}

	start, end := core.PieceRange(index, m.size, m.pieceSize)
	w := newWorker(slot, m.file, start, end, m.size, m.spec.PieceDigests.ForPiece(index))
	m.slots[index] = w

	if m.record.Has(index) {
		// Piece already recorded complete: digest-verify only. On failure,
		// unmark so the piece is downloaded again.
		slot.busy.Store(false)
		w.slot = nil
		w.runVerifyOnly()
		if w.error() != nil {
			if err := m.record.Unmark(index); err != nil {
				m.logger.Errorf("Unmark piece %d: %s", index, err)
			}
		}
		return
	}

	slot.busy.Store(true)
	go w.run(ctx)
}

// nextPieceIndex picks the piece to assign: the first slot which is empty,
// errored, or whose worker died without progress; else a fresh slot while
// pieces remain.
func (m *Manager) nextPieceIndex() (int, bool) {
	for i, w := range m.slots {
		if w == nil || w.error() != nil {
			return i, true
		}
		if !w.alive() && w.bytes.Load() == 0 {
			return i, true
		}
	}
	i := len(m.slots)
	if int64(i)*m.pieceSize < m.size {
		m.slots = append(m.slots, nil)
		return i, true
	}
	return 0, false
}

// nextHost returns a host slot to assign work to, or nil if none is
// available this cycle. Errored mirrors are reaped first.
func (m *Manager) nextHost() *hostSlot {
	m.removeErrors()

	limit := m.config.HostLimit * m.config.LimitPerHost
	if mirrorLimit := m.config.LimitPerHost * len(m.mirrors); mirrorLimit < limit {
		limit = mirrorLimit
	}
	if len(m.hosts) >= limit {
		// At the connection cap; reuse an idle slot if one exists, rotating
		// it to the back so reassigned pieces cycle through mirrors instead
		// of hammering the same one.
		for i, s := range m.hosts {
			if !s.busy.Load() {
				m.hosts = append(append(m.hosts[:i:i], m.hosts[i+1:]...), s)
				return s
			}
		}
		return nil
	}

	counts := make(map[string]int)
	for _, s := range m.hosts {
		counts[s.host.URL()]++
	}

	for _, mirror := range m.sorted {
		n := counts[mirror.URL]
		atNewHost := n == 0 && len(counts) < m.config.HostLimit
		underHostCap := n > 0 && n < m.config.LimitPerHost
		if !atNewHost && !underHostCap {
			continue
		}
		host, err := m.tfactory.New(mirror.URL)
		if err != nil {
			m.logger.Infof("Dropping mirror %s: %s", mirror.URL, err)
			m.dropMirror(mirror.URL)
			return nil
		}
		slot := &hostSlot{host: host}
		m.hosts = append(m.hosts, slot)
		return slot
	}
	return nil
}

// removeErrors reaps worker errors: redirects inject the new location as a
// mirror, permanent errors drop the mirror, transient errors keep it (the
// piece is reassigned when its slot is reused). Hosts whose url is no longer
// live are closed and dropped.
func (m *Manager) removeErrors() {
	for _, w := range m.slots {
		if w == nil || w.reaped {
			continue
		}
		werr := w.error()
		if werr == nil || werr.URL == "" {
			continue
		}
		w.reaped = true
		switch {
		case werr.Kind == transport.KindChunkChecksum ||
			werr.Kind == transport.KindDigestMismatch:
			// Transient, but a mirror which repeatedly serves bad bytes for
			// the same piece is dropped so the download can terminate.
			index := int(w.start / m.pieceSize)
			if m.countPieceFailure(index, werr.URL) >= chunkFailureLimit {
				if _, ok := m.mirrors[werr.URL]; ok {
					m.logger.Infof(
						"Dropping mirror %s: repeated bad piece %d", werr.URL, index)
					m.stats.Counter("mirror_dropped").Inc(1)
					m.dropMirror(werr.URL)
				}
			}
		case werr.Kind == transport.KindRedirect:
			if orig, ok := m.mirrors[werr.URL]; ok && werr.Location != "" {
				injected := core.Mirror{
					URL:        werr.Location,
					Preference: orig.Preference,
					Location:   orig.Location,
				}
				if filtered := core.FilterMirrors([]core.Mirror{injected}); len(filtered) > 0 {
					m.logger.Infof("Redirect %s -> %s", werr.URL, werr.Location)
					m.mirrors[werr.Location] = filtered[0]
				}
				m.dropMirror(werr.URL)
			}
		case werr.Kind == transport.KindCancelled:
		case !werr.Kind.Transient():
			if _, ok := m.mirrors[werr.URL]; ok {
				m.logger.Infof("Dropping mirror %s: %s", werr.URL, werr)
				m.stats.Counter("mirror_dropped").Inc(1)
				m.dropMirror(werr.URL)
			}
		}
	}

	alive := m.hosts[:0]
	for _, s := range m.hosts {
		if _, ok := m.mirrors[s.host.URL()]; ok {
			alive = append(alive, s)
			continue
		}
		// Dropped mirror: close the connection now if idle, else let the
		// owning worker close it on exit.
		if !s.busy.Load() {
			s.host.Close()
		} else {
			s.pruned.Store(true)
		}
	}
	m.hosts = alive
}

// chunkFailureLimit is how many bad-bytes failures for one piece a single
// mirror may accumulate before it is dropped.
const chunkFailureLimit = 3

func (m *Manager) countPieceFailure(index int, url string) int {
	if m.pieceFailures[index] == nil {
		m.pieceFailures[index] = make(map[string]int)
	}
	m.pieceFailures[index][url]++
	return m.pieceFailures[index][url]
}

func (m *Manager) dropMirror(url string) {
	delete(m.mirrors, url)
	m.resort()
}

func (m *Manager) resort() {
	mirrors := make([]core.Mirror, 0, len(m.mirrors))
	for _, mirror := range m.mirrors {
		mirrors = append(mirrors, mirror)
	}
	m.sorted = core.SortMirrors(mirrors, m.config.Country)
}

// byteTotal sums verified bytes over all non-errored piece slots.
func (m *Manager) byteTotal() int64 {
	var total int64
	for _, w := range m.slots {
		if w != nil && w.error() == nil {
			total += w.bytes.Load()
		}
	}
	return total
}

// completedPieces returns the indices whose workers hold their full range.
func (m *Manager) completedPieces() []int {
	var indices []int
	for i, w := range m.slots {
		if w != nil && w.error() == nil && w.bytes.Load() == w.byteCount() && w.byteCount() > 0 {
			indices = append(indices, i)
		}
	}
	return indices
}

// advanceCommitted extends the verified prefix length for readers.
func (m *Manager) advanceCommitted() {
	var n int64
	for _, w := range m.slots {
		if w == nil || w.error() != nil || w.bytes.Load() != w.byteCount() {
			break
		}
		n = w.end
	}
	if n > m.committed.Load() {
		m.committed.Store(n)
		if m.stream != nil {
			m.stream.SetLength(n)
		}
	}
}

func (m *Manager) activeCount() int {
	count := 0
	for _, w := range m.slots {
		if w != nil && w.alive() {
			count++
		}
	}
	return count
}

func (m *Manager) fatalError() error {
	for _, w := range m.slots {
		if w != nil {
			if err := w.fatal(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) waitForWorkers() {
	for _, w := range m.slots {
		if w != nil {
			<-w.done
		}
	}
}

// probeSize asks mirrors for the file size until three have answered, then
// applies agreeSizes. Digest headers observed during probing are adopted as whole-file
// digests when the spec declared none and two of three mirrors agree.
func (m *Manager) probeSize(ctx context.Context) (int64, bool) {
	var sizes []int64
	var digests []core.DigestSet

	for _, mirror := range m.sorted {
		if len(sizes) >= 3 {
			break
		}
		host, err := m.tfactory.New(mirror.URL)
		if err != nil {
			continue
		}
		res, err := host.Probe(ctx)
		host.Close()
		if err != nil || res.Size < 0 {
			continue
		}
		sizes = append(sizes, res.Size)
		if len(res.Digests) > 0 {
			digests = append(digests, res.Digests)
		}
	}

	if len(m.spec.Digests) == 0 && len(digests) > 0 {
		if adopted, ok := agreeDigests(digests); ok {
			m.logger.Info("Adopting whole-file digests from mirror Digest headers")
			m.spec.Digests = adopted
		}
	}

	return agreeSizes(sizes)
}

// agreeSizes applies the 3-probe agreement rule: a single answer wins, a
// value reported twice wins, otherwise the probe is inconclusive.
func agreeSizes(sizes []int64) (int64, bool) {
	switch {
	case len(sizes) == 0:
		return 0, false
	case len(sizes) == 1:
		return sizes[0], true
	}
	counts := make(map[int64]int)
	for _, s := range sizes {
		counts[s]++
	}
	if counts[sizes[0]] >= 2 {
		return sizes[0], true
	}
	if counts[sizes[1]] >= 2 {
		return sizes[1], true
	}
	return 0, false
}

// agreeDigests applies the 2-of-3 rule over observed digest sets; a lone
// observation is adopted as is.
func agreeDigests(digests []core.DigestSet) (core.DigestSet, bool) {
	if len(digests) == 1 {
		return digests[0], true
	}
	count := func(target core.DigestSet) int {
		n := 0
		for _, d := range digests {
			if target.Equal(d) {
				n++
			}
		}
		return n
	}
	if count(digests[0]) >= 2 {
		return digests[0], true
	}
	if count(digests[1]) >= 2 {
		return digests[1], true
	}
	return nil, false
}

// close finishes the download: final progress report, host teardown, and
// whole-file verification. An empty output is removed along with its resume
// record.
func (m *Manager) close() {
	bytes := m.byteTotal()
	m.callbacks.status(bytes, 1, m.size)
	m.callbacks.bitrate(m.window.Bitrate(bytes))
	m.callbacks.time(m.window.ETA(bytes, m.size))

	for _, s := range m.hosts {
		s.host.Close()
	}
	m.hosts = nil
	if m.stream != nil {
		m.stream.SetDone()
		m.stream.Close()
	}
	m.file.Close()

	info, err := os.Stat(m.spec.OutputPath)
	if err != nil {
		m.status = false
		return
	}
	if info.Size() == 0 {
		os.Remove(m.spec.OutputPath)
		os.Remove(m.spec.OutputPath + resume.Suffix)
		m.status = false
		return
	}
	if m.status {
		if !m.verifier.VerifyFile(m.spec.OutputPath, m.spec.Digests) ||
			(m.size > 0 && info.Size() != m.size) {
			// The partial output and the resume record are both preserved so
			// a rerun can recover the good pieces.
			m.logger.Infof("Checksum failed for %s", m.spec.OutputPath)
			m.stats.Counter("checksum_failed").Inc(1)
			m.status = false
			return
		}
		if err := m.record.Complete(); err != nil {
			m.logger.Errorf("Remove resume record: %s", err)
		}
	}
}
