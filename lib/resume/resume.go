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

// Package resume persists which pieces of a download have completed, so an
// interrupted download restarts from where it left off.
//
// The record lives next to the output file as "<output>.temp", a single text
// line "<piece_size>:<idx1>,<idx2>,...". A missing or malformed record reads
// as empty.
package resume

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/willf/bitset"
)

// Suffix is appended to the output path to form the record path.
const Suffix = ".temp"

// Record tracks the piece size and the set of completed piece indices for
// one output file. Methods which mutate the record persist it immediately.
type Record struct {
	path      string
	pieceSize int64
	completed *bitset.BitSet
}

// Load reads the record at path. A missing or malformed file yields an
// empty record with piece size 0.
func Load(path string) *Record {
	r := &Record{
		path:      path,
		completed: bitset.New(0),
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return r
	}
	line := strings.TrimSpace(string(b))
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return r
	}
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return r
	}
	completed := bitset.New(0)
	if parts[1] != "" {
		for _, s := range strings.Split(parts[1], ",") {
			i, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || i < 0 {
				return r
			}
			completed.Set(uint(i))
		}
	}
	r.pieceSize = size
	r.completed = completed
	return r
}

// PieceSize returns the piece size the completed indices are expressed in.
func (r *Record) PieceSize() int64 {
	return r.pieceSize
}

// Has returns true if piece i is recorded complete.
func (r *Record) Has(i int) bool {
	return i >= 0 && r.completed.Test(uint(i))
}

// Completed returns the completed piece indices in ascending order.
func (r *Record) Completed() []int {
	var out []int
	for i, ok := r.completed.NextSet(0); ok; i, ok = r.completed.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Mark records piece i as complete and persists the record.
func (r *Record) Mark(i int) error {
	if i < 0 {
		return fmt.Errorf("invalid piece index %d", i)
	}
	r.completed.Set(uint(i))
	return r.save()
}

// Unmark removes piece i from the completed set and persists the record.
func (r *Record) Unmark(i int) error {
	if i < 0 {
		return fmt.Errorf("invalid piece index %d", i)
	}
	r.completed.Clear(uint(i))
	return r.save()
}

// Extend records all given pieces as complete and persists the record.
func (r *Record) Extend(indices []int) error {
	for _, i := range indices {
		if i >= 0 {
			r.completed.Set(uint(i))
		}
	}
	return r.save()
}

// Clear removes all completed pieces and persists the record.
func (r *Record) Clear() error {
	r.completed = bitset.New(0)
	return r.save()
}

// SetPieceSize sets the piece size without recomputing the completed set.
func (r *Record) SetPieceSize(size int64) error {
	r.pieceSize = size
	return r.save()
}

// UpdatePieceSize re-expresses the completed set in units of the new piece
// size and persists the record. Maximal runs of consecutive completed pieces
// are converted; edge pieces which do not cover a full new piece are
// discarded, so information may be lost but never gained.
func (r *Record) UpdatePieceSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("invalid piece size %d", size)
	}
	if r.pieceSize == size {
		return nil
	}
	if r.pieceSize <= 0 {
		r.pieceSize = size
		r.completed = bitset.New(0)
		return r.save()
	}

	old := r.pieceSize
	indices := r.Completed()
	rescaled := bitset.New(0)

	i := 0
	for i < len(indices) {
		// Find the maximal run starting at indices[i].
		j := i
		for j+1 < len(indices) && indices[j+1] == indices[j]+1 {
			j++
		}
		from := int64(indices[i]) * old
		to := from + int64(j-i+1)*old
		// Keep only the new pieces lying wholly inside [from, to).
		first := (from + size - 1) / size
		last := to / size
		for k := first; k < last; k++ {
			rescaled.Set(uint(k))
		}
		i = j + 1
	}

	r.pieceSize = size
	r.completed = rescaled
	return r.save()
}

// FirstGap returns the first byte offset not covered by the run of
// consecutive completed pieces starting at index 0. Used by the sequential
// fallback to pick where to resume.
func (r *Record) FirstGap() int64 {
	var n int64
	for r.completed.Test(uint(n)) {
		n++
	}
	return n * r.pieceSize
}

// Complete deletes the record file; the download finished.
func (r *Record) Complete() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// save writes the record to a temporary file and renames it into place.
func (r *Record) save() error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:", r.pieceSize)
	indices := r.Completed()
	sort.Ints(indices)
	strs := make([]string, len(indices))
	for i, idx := range indices {
		strs[i] = strconv.Itoa(idx)
	}
	b.WriteString(strings.Join(strs, ","))

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write resume record: %s", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace resume record: %s", err)
	}
	return nil
}
