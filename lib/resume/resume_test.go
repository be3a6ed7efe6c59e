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
package resume

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempRecordPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "blob.temp")
}

func TestLoadMissingFile(t *testing.T) {
	require := require.New(t)

	r := Load(tempRecordPath(t))
	require.Equal(int64(0), r.PieceSize())
	require.Empty(r.Completed())
}

func TestLoadMalformedFile(t *testing.T) {
	for _, content := range []string{"", "garbage", "abc:1,2", "100:1,x,3"} {
		path := tempRecordPath(t)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		r := Load(path)
		require.Equal(t, int64(0), r.PieceSize(), "content=%q", content)
		require.Empty(t, r.Completed(), "content=%q", content)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	require := require.New(t)

	path := tempRecordPath(t)
	r := Load(path)
	require.NoError(r.SetPieceSize(262144))
	require.NoError(r.Extend([]int{3, 1, 0, 7}))
	require.NoError(r.Mark(5))
	require.NoError(r.Unmark(3))

	loaded := Load(path)
	require.Equal(int64(262144), loaded.PieceSize())
	require.Equal([]int{0, 1, 5, 7}, loaded.Completed())
}

func TestRoundTripProperty(t *testing.T) {
	require := require.New(t)

	rnd := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		path := tempRecordPath(t)
		r := Load(path)
		size := int64(rnd.Intn(1<<20) + 1)
		require.NoError(r.SetPieceSize(size))
		var indices []int
		for i := 0; i < rnd.Intn(64); i++ {
			indices = append(indices, rnd.Intn(1024))
		}
		require.NoError(r.Extend(indices))

		loaded := Load(path)
		require.Equal(size, loaded.PieceSize())
		require.Equal(r.Completed(), loaded.Completed())
	}
}

func TestUpdatePieceSizeNoop(t *testing.T) {
	require := require.New(t)

	path := tempRecordPath(t)
	r := Load(path)
	require.NoError(r.SetPieceSize(1000))
	require.NoError(r.Extend([]int{0, 1, 2}))
	require.NoError(r.UpdatePieceSize(1000))
	require.Equal([]int{0, 1, 2}, r.Completed())
}

func TestUpdatePieceSizeSplit(t *testing.T) {
	require := require.New(t)

	// Pieces 0,1 of size 1000 cover bytes [0,2000); in units of 500 that is
	// pieces 0..3.
	r := Load(tempRecordPath(t))
	require.NoError(r.SetPieceSize(1000))
	require.NoError(r.Extend([]int{0, 1}))
	require.NoError(r.UpdatePieceSize(500))
	require.Equal(int64(500), r.PieceSize())
	require.Equal([]int{0, 1, 2, 3}, r.Completed())
}

func TestUpdatePieceSizeMerge(t *testing.T) {
	require := require.New(t)

	// Pieces 2,3 of size 500 cover bytes [1000,2000): exactly piece 1 of
	// size 1000.
	r := Load(tempRecordPath(t))
	require.NoError(r.SetPieceSize(500))
	require.NoError(r.Extend([]int{2, 3}))
	require.NoError(r.UpdatePieceSize(1000))
	require.Equal([]int{1}, r.Completed())
}

func TestUpdatePieceSizeDiscardsPartialEdges(t *testing.T) {
	require := require.New(t)

	// A single 500-byte piece cannot cover any 1000-byte piece.
	r := Load(tempRecordPath(t))
	require.NoError(r.SetPieceSize(500))
	require.NoError(r.Extend([]int{3}))
	require.NoError(r.UpdatePieceSize(1000))
	require.Empty(r.Completed())
}

func TestUpdatePieceSizeRescaleMonotone(t *testing.T) {
	require := require.New(t)

	rnd := rand.New(rand.NewSource(7))
	sizes := []int64{250, 500, 1000, 750}
	for trial := 0; trial < 25; trial++ {
		r := Load(tempRecordPath(t))
		require.NoError(r.SetPieceSize(sizes[trial%len(sizes)]))
		var indices []int
		for i := 0; i < rnd.Intn(32); i++ {
			indices = append(indices, rnd.Intn(64))
		}
		require.NoError(r.Extend(indices))

		coveredBefore := coveredBytes(r)
		require.NoError(r.UpdatePieceSize(sizes[(trial+1)%len(sizes)]))
		require.NoError(r.UpdatePieceSize(sizes[trial%len(sizes)]))

		// Information may be lost, never gained.
		coveredAfter := coveredBytes(r)
		for b := range coveredAfter {
			require.Contains(coveredBefore, b)
		}
	}
}

func coveredBytes(r *Record) map[int64]struct{} {
	covered := make(map[int64]struct{})
	for _, i := range r.Completed() {
		start := int64(i) * r.PieceSize()
		for b := start; b < start+r.PieceSize(); b++ {
			covered[b] = struct{}{}
		}
	}
	return covered
}

func TestFirstGap(t *testing.T) {
	require := require.New(t)

	r := Load(tempRecordPath(t))
	require.NoError(r.SetPieceSize(100))
	require.Equal(int64(0), r.FirstGap())

	require.NoError(r.Extend([]int{0, 1, 3}))
	require.Equal(int64(200), r.FirstGap())

	require.NoError(r.Mark(2))
	require.Equal(int64(400), r.FirstGap())
}

func TestComplete(t *testing.T) {
	require := require.New(t)

	path := tempRecordPath(t)
	r := Load(path)
	require.NoError(r.SetPieceSize(100))
	require.NoError(r.Mark(0))
	_, err := os.Stat(path)
	require.NoError(err)

	require.NoError(r.Complete())
	_, err = os.Stat(path)
	require.True(os.IsNotExist(err))

	// Deleting a missing record is not an error.
	require.NoError(r.Complete())
}

func TestDuplicatesCollapse(t *testing.T) {
	require := require.New(t)

	r := Load(tempRecordPath(t))
	require.NoError(r.SetPieceSize(100))
	require.NoError(r.Extend([]int{1, 1, 1, 2}))
	require.Equal([]int{1, 2}, r.Completed())
}
