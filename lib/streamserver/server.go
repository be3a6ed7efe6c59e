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

// Package streamserver streams a file over HTTP while it is still being
// downloaded, reading through the download's shared file lock and never
// serving past the verified prefix.
package streamserver

import (
	"net"
	"net/http"
	"time"

	"github.com/uber/metaget/lib/store"
	"github.com/uber/metaget/utils/log"

	"github.com/go-chi/chi"
	"go.uber.org/atomic"
)

const pollInterval = 100 * time.Millisecond

// Config defines stream server configuration.
type Config struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr"`
}

// Server streams the partially downloaded file.
type Server struct {
	config Config

	file   *store.SharedFile
	length *atomic.Int64
	done   *atomic.Bool

	listener net.Listener
}

// New creates a new Server streaming file.
func New(config Config, file *store.SharedFile) *Server {
	return &Server{
		config: config,
		file:   file,
		length: atomic.NewInt64(0),
		done:   atomic.NewBool(false),
	}
}

// SetLength advances the number of bytes readers may be served.
func (s *Server) SetLength(n int64) {
	if n > s.length.Load() {
		s.length.Store(n)
	}
}

// SetDone marks the download finished: readers drain the remaining bytes
// and stop instead of waiting for more.
func (s *Server) SetDone() {
	s.done.Store(true)
}

// Addr returns the bound listen address, once ListenAndServe has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.stream)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	return r
}

// ListenAndServe starts serving on the configured address. Blocks until the
// listener closes.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = l
	log.Infof("Streaming download on %s", l.Addr())
	return http.Serve(l, s.Handler())
}

// Close stops the listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// stream writes bytes [0, length) to the client as they become available,
// reading under the shared file lock so in-flight piece writes never tear.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	var start int64
	for {
		if r.Context().Err() != nil {
			return
		}
		available := s.length.Load() - start
		if available <= 0 {
			if s.done.Load() {
				return
			}
			time.Sleep(pollInterval)
			continue
		}
		b, err := s.file.ReadRange(start, available)
		if err != nil || len(b) == 0 {
			return
		}
		if _, err := w.Write(b); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		start += int64(len(b))
	}
}
