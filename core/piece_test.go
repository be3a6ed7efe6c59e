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
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPiecesCoverFileDisjointly(t *testing.T) {
	tests := []struct {
		size, pieceSize int64
	}{
		{0, 262144},
		{1, 262144},
		{262144, 262144},
		{262145, 262144},
		{3494481, 262144},
		{1000, 1},
		{7, 3},
	}
	for _, test := range tests {
		n := NumPieces(test.size, test.pieceSize)
		var covered int64
		for i := 0; i < n; i++ {
			start, end := PieceRange(i, test.size, test.pieceSize)
			require.Equal(t, covered, start, "pieces must be contiguous")
			require.True(t, end > start)
			require.True(t, end <= test.size)
			covered = end
		}
		require.Equal(t, test.size, covered, "pieces must cover the file")
	}
}

func TestPieceLengthFinalPiece(t *testing.T) {
	require := require.New(t)

	require.Equal(int64(262144), PieceLength(0, 3494481, 262144))
	// 3494481 = 13 * 262144 + 86609.
	require.Equal(14, NumPieces(3494481, 262144))
	require.Equal(int64(86609), PieceLength(13, 3494481, 262144))
}
