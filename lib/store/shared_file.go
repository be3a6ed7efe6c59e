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

// Package store provides the shared output file all segment workers write
// through.
package store

import (
	"fmt"
	"os"
	"sync"
)

// SharedFile is the single read/write handle on a download's output file.
// Every access is serialized on one mutex: writers seek, write and flush
// under the lock; readers (piece verification, the streaming server) take
// the same lock. The file is opened read/write and is never truncated; its
// length grows monotonically as ranges are written.
type SharedFile struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenSharedFile opens the file at path read/write, creating it if needed.
func OpenSharedFile(path string) (*SharedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", path, err)
	}
	return &SharedFile{f: f, path: path}, nil
}

// Path returns the file path.
func (s *SharedFile) Path() string {
	return s.path
}

// WriteRange writes p at the given byte offset and flushes, under the lock.
func (s *SharedFile) WriteRange(offset int64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Seek(offset, 0); err != nil {
		return fmt.Errorf("seek: %s", err)
	}
	if _, err := s.f.Write(p); err != nil {
		return fmt.Errorf("write: %s", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("flush: %s", err)
	}
	return nil
}

// ReadRange reads up to n bytes starting at offset, under the lock. Returns
// the bytes actually present; a range beyond the current file length yields
// a short result.
func (s *SharedFile) ReadRange(offset, n int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("seek: %s", err)
	}
	buf := make([]byte, n)
	read := 0
	for int64(read) < n {
		m, err := s.f.Read(buf[read:])
		read += m
		if err != nil {
			break
		}
	}
	return buf[:read], nil
}

// Size returns the current file length.
func (s *SharedFile) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close closes the underlying file.
func (s *SharedFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
