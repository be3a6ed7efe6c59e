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
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/uber/metaget/core"
)

// testBlob returns n deterministic bytes.
func testBlob(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/257)
	}
	return b
}

// pieceSHA1s returns per-piece sha1 hex digests for blob.
func pieceSHA1s(blob []byte, pieceSize int64) []string {
	var hexes []string
	n := core.NumPieces(int64(len(blob)), pieceSize)
	for i := 0; i < n; i++ {
		start, end := core.PieceRange(i, int64(len(blob)), pieceSize)
		sum := sha1.Sum(blob[start:end])
		hexes = append(hexes, hex.EncodeToString(sum[:]))
	}
	return hexes
}

// testMirror is an httptest server with minimal Range support which records
// how often each range start was requested.
type testMirror struct {
	URL string

	srv *httptest.Server

	mu        sync.Mutex
	rangeReqs map[int64]int

	// corrupt, when set, rewrites the body of a range response.
	corrupt func(start int64, body []byte) []byte
}

// newMirror serves blob with Range support.
func newMirror(t *testing.T, blob []byte, corrupt func(start int64, body []byte) []byte) *testMirror {
	t.Helper()
	m := &testMirror{
		rangeReqs: make(map[int64]int),
		corrupt:   corrupt,
	}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "HEAD" {
			w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
			w.WriteHeader(http.StatusOK)
			return
		}
		rh := r.Header.Get("Range")
		if rh == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
			w.Write(blob)
			return
		}
		var start, end int64
		fmt.Sscanf(rh, "bytes=%d-%d", &start, &end)
		end++
		if end > int64(len(blob)) {
			end = int64(len(blob))
		}
		m.mu.Lock()
		m.rangeReqs[start]++
		m.mu.Unlock()
		body := append([]byte(nil), blob[start:end]...)
		if m.corrupt != nil {
			body = m.corrupt(start, body)
		}
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(blob)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	t.Cleanup(m.srv.Close)
	m.URL = m.srv.URL
	return m
}

func (m *testMirror) rangeCount(start int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeReqs[start]
}

// newRedirectingMirror answers every request with a 301 to location.
func newRedirectingMirror(t *testing.T, location string) *testMirror {
	t.Helper()
	m := &testMirror{rangeReqs: make(map[int64]int)}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	t.Cleanup(m.srv.Close)
	m.URL = m.srv.URL
	return m
}
