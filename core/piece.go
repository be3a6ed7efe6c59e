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

// NumPieces returns the number of pieces a file of the given size splits
// into.
func NumPieces(size, pieceSize int64) int {
	if size <= 0 || pieceSize <= 0 {
		return 0
	}
	return int((size + pieceSize - 1) / pieceSize)
}

// PieceRange returns the byte range [start, end) of piece i. The final piece
// may be shorter than pieceSize.
func PieceRange(i int, size, pieceSize int64) (start, end int64) {
	start = int64(i) * pieceSize
	end = start + pieceSize
	if end > size {
		end = size
	}
	return start, end
}

// PieceLength returns the byte length of piece i.
func PieceLength(i int, size, pieceSize int64) int64 {
	start, end := PieceRange(i, size, pieceSize)
	return end - start
}
