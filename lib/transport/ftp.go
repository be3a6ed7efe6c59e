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
package transport

import (
	"context"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/utils/backoff"

	"github.com/jlaffaye/ftp"
)

// ftpHost fetches ranges from one FTP mirror via REST + RETR on a binary
// mode control connection.
type ftpHost struct {
	factory *Factory
	rawurl  string
	u       *url.URL
	conn    *ftp.ServerConn
	backoff *backoff.Backoff
}

func newFTPHost(f *Factory, rawurl string, u *url.URL) *ftpHost {
	return &ftpHost{
		factory: f,
		rawurl:  rawurl,
		u:       u,
		backoff: backoff.New(backoff.Config{
			Min:          500 * time.Millisecond,
			RetryTimeout: f.config.ConnectTimeout,
		}),
	}
}

func (h *ftpHost) URL() string {
	return h.rawurl
}

func (h *ftpHost) addr() string {
	host := h.u.Host
	if h.u.Port() == "" {
		host = net.JoinHostPort(h.u.Hostname(), "21")
	}
	return host
}

// connect dials and logs in, anonymously unless the url carries credentials,
// and switches the connection to binary mode.
func (h *ftpHost) connect() error {
	conn, err := ftp.Dial(h.addr(), ftp.DialWithTimeout(h.factory.config.ConnectTimeout))
	if err != nil {
		return h.classify(err)
	}
	user, pass := "anonymous", "anonymous"
	if h.u.User != nil {
		user = h.u.User.Username()
		if p, ok := h.u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return h.classify(err)
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		// Some proxied servers reject TYPE; transfers may still work.
		h.factory.stats.Counter("ftp_type_rejected").Inc(1)
	}
	h.conn = conn
	return nil
}

func (h *ftpHost) ensureConnected() error {
	if h.conn != nil {
		return nil
	}
	return h.connect()
}

func (h *ftpHost) Close() error {
	if h.conn != nil {
		h.conn.Quit()
		h.conn = nil
	}
	return nil
}

// Probe issues SIZE. FTP servers advertise no digests.
func (h *ftpHost) Probe(ctx context.Context) (*ProbeResult, error) {
	if err := h.ensureConnected(); err != nil {
		return nil, err
	}
	size, err := h.conn.FileSize(h.u.Path)
	if err != nil {
		return nil, h.classify(err)
	}
	return &ProbeResult{Size: size, Digests: make(core.DigestSet)}, nil
}

// FetchRange retrieves bytes [start, end) via REST + RETR. Transient socket
// failures reconnect up to ConnectRetryCount times; permanent replies drop
// out immediately.
func (h *ftpHost) FetchRange(
	ctx context.Context, start, end, filesize int64,
	expected core.DigestSet) ([]byte, error) {

	var lastErr error
	attempts := h.backoff.Attempts()
	for i := 0; i < ConnectRetryCount && attempts.WaitForNext(); i++ {
		if err := h.ensureConnected(); err != nil {
			lastErr = err
			if terr, ok := err.(*Error); ok && !terr.Kind.Transient() {
				return nil, err
			}
			h.conn = nil
			continue
		}
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, URL: h.rawurl, cause: ctx.Err()}
		}
		body, err := h.fetchOnce(ctx, start, end)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if terr, ok := err.(*Error); ok {
			switch terr.Kind {
			case KindFTPPerm, KindBadSize:
				return nil, err
			}
		}
		// Transient: tear the connection down and retry.
		h.Close()
	}
	if lastErr == nil {
		lastErr = &Error{Kind: KindBadSocket, URL: h.rawurl}
	}
	return nil, lastErr
}

func (h *ftpHost) fetchOnce(ctx context.Context, start, end int64) ([]byte, error) {
	resp, err := h.conn.RetrFrom(h.u.Path, uint64(start))
	if err != nil {
		return nil, h.classify(err)
	}
	defer resp.Close()
	resp.SetDeadline(time.Now().Add(h.factory.config.ReadTimeout))

	n := end - start
	buf := make([]byte, n)
	var read int64
	for read < n {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, URL: h.rawurl, cause: ctx.Err()}
		}
		chunk := n - read
		if chunk > 32*1024 {
			chunk = 32 * 1024
		}
		if h.factory.limiter != nil {
			if err := h.factory.limiter.WaitN(ctx, int(chunk)); err != nil {
				return nil, &Error{Kind: KindCancelled, URL: h.rawurl, cause: err}
			}
		}
		m, err := io.ReadFull(resp, buf[read:read+chunk])
		read += int64(m)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, &Error{Kind: KindIncompleteRead, URL: h.rawurl, cause: err}
			}
			return nil, h.classify(err)
		}
	}
	return buf, nil
}

// classify maps ftp library errors onto the transport taxonomy: 5xx replies
// are permanent, other replies temporary, network timeouts a timeout, and
// everything else a socket problem.
func (h *ftpHost) classify(err error) *Error {
	if terr, ok := err.(*Error); ok {
		return terr
	}
	if perr, ok := err.(*textproto.Error); ok {
		kind := KindFTPTemp
		if perr.Code >= 500 {
			kind = KindFTPPerm
		}
		return &Error{Kind: kind, URL: h.rawurl, Status: perr.Code, cause: err}
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return &Error{Kind: KindTimeout, URL: h.rawurl, cause: err}
	}
	return &Error{Kind: KindBadSocket, URL: h.rawurl, cause: err}
}
