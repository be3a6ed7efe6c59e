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
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/uber/metaget/core"
)

// httpHost fetches ranges from one HTTP(S) mirror over a keep-alive
// connection.
type httpHost struct {
	factory   *Factory
	rawurl    string
	client    *http.Client
	transport *http.Transport
}

func newHTTPHost(f *Factory, rawurl string) *httpHost {
	t := &http.Transport{
		MaxIdleConnsPerHost: 1,
		DialContext: (&net.Dialer{
			Timeout: f.config.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: f.config.ReadTimeout,
	}
	return &httpHost{
		factory: f,
		rawurl:  rawurl,
		client: &http.Client{
			Transport: t,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are surfaced to the manager, never followed here.
				return http.ErrUseLastResponse
			},
		},
		transport: t,
	}
}

func (h *httpHost) URL() string {
	return h.rawurl
}

func (h *httpHost) Close() error {
	h.transport.CloseIdleConnections()
	return nil
}

// Probe issues HEAD requests, following up to MaxRedirects 301/302 hops, and
// reports the content length plus any RFC 3230 digests the server declares.
func (h *httpHost) Probe(ctx context.Context) (*ProbeResult, error) {
	head, err := h.head(ctx, h.rawurl, false)
	if err != nil {
		return nil, err
	}
	digests, err := core.ParseDigestHeader(head.Digest)
	if err != nil {
		digests = make(core.DigestSet)
	}
	return &ProbeResult{Size: head.ContentLength, Digests: digests}, nil
}

// HeadResult captures the response of a HEAD probe after redirects.
type HeadResult struct {
	FinalURL      string
	ContentLength int64
	ContentType   string
	Link          string
	Digest        string
}

// head performs the redirect-following HEAD used both for size probing and
// source classification. metalinkAccept adds the metalink Accept header.
func (h *httpHost) head(
	ctx context.Context, rawurl string, metalinkAccept bool) (*HeadResult, error) {

	headers := h.factory.baseHeaders(metalinkAccept)
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, "HEAD", rawurl, nil)
		if err != nil {
			return nil, &Error{Kind: KindInvalidURL, URL: rawurl, cause: err}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, h.classify(rawurl, err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound:
			if hop >= MaxRedirects {
				return nil, &Error{
					Kind: KindHTTPStatus, URL: rawurl, Status: resp.StatusCode}
			}
			loc := resp.Header.Get("Location")
			if loc == "" {
				return nil, &Error{
					Kind: KindHTTPStatus, URL: rawurl, Status: resp.StatusCode}
			}
			next, err := resp.Request.URL.Parse(loc)
			if err != nil {
				return nil, &Error{Kind: KindInvalidURL, URL: loc, cause: err}
			}
			rawurl = next.String()
			continue
		case http.StatusOK:
			length := int64(-1)
			if cl := resp.Header.Get("Content-Length"); cl != "" {
				if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
					length = n
				}
			}
			return &HeadResult{
				FinalURL:      rawurl,
				ContentLength: length,
				ContentType:   resp.Header.Get("Content-Type"),
				Link:          resp.Header.Get("Link"),
				Digest:        resp.Header.Get("Digest"),
			}, nil
		default:
			return nil, &Error{
				Kind: KindHTTPStatus, URL: rawurl, Status: resp.StatusCode}
		}
	}
}

// FetchRange retrieves bytes [start, end) with a single range GET. Redirects
// are reported, not followed; the manager rewires the mirror set.
func (h *httpHost) FetchRange(
	ctx context.Context, start, end, filesize int64,
	expected core.DigestSet) ([]byte, error) {

	req, err := http.NewRequestWithContext(ctx, "GET", h.rawurl, nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: h.rawurl, cause: err}
	}
	for k, v := range h.factory.baseHeaders(false) {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, h.classify(h.rawurl, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusMovedPermanently, http.StatusFound:
		return nil, &Error{
			Kind:     KindRedirect,
			URL:      h.rawurl,
			Location: resp.Header.Get("Location"),
			Status:   resp.StatusCode,
		}
	default:
		return nil, &Error{
			Kind: KindHTTPStatus, URL: h.rawurl, Status: resp.StatusCode}
	}

	if err := checkContentRange(resp.Header.Get("Content-Range"), filesize); err != nil {
		h.factory.stats.Counter("bad_size").Inc(1)
		return nil, &Error{Kind: KindBadSize, URL: h.rawurl, cause: err}
	}

	body, err := h.readAll(ctx, resp.Body, end-start)
	if err != nil {
		return nil, err
	}

	// Cross-check any digests the server reports against the expected piece
	// digests. A mismatch discards the piece; the manager reassigns it.
	if dh := resp.Header.Get("Digest"); dh != "" && len(expected) > 0 {
		reported, err := core.ParseDigestHeader(dh)
		if err == nil {
			for algo, want := range expected {
				got, ok := reported[algo]
				if !ok {
					continue
				}
				if !strings.EqualFold(got, want) {
					h.factory.stats.Counter("digest_header_discard").Inc(1)
					return nil, &Error{Kind: KindDigestMismatch, URL: h.rawurl}
				}
			}
		}
	}

	return body, nil
}

// readAll reads exactly n bytes from r, honoring the factory bandwidth
// limit.
func (h *httpHost) readAll(ctx context.Context, r io.Reader, n int64) ([]byte, error) {
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
		m, err := io.ReadFull(r, buf[read:read+chunk])
		read += int64(m)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, &Error{Kind: KindIncompleteRead, URL: h.rawurl, cause: err}
			}
			return nil, h.classify(h.rawurl, err)
		}
	}
	return buf, nil
}

// classify maps a raw network error to a transport Error.
func (h *httpHost) classify(rawurl string, err error) *Error {
	if terr, ok := err.(*Error); ok {
		return terr
	}
	if uerr, ok := err.(*url.Error); ok {
		err = uerr.Err
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return &Error{Kind: KindTimeout, URL: rawurl, cause: err}
	}
	return &Error{Kind: KindBadSocket, URL: rawurl, cause: err}
}

// checkContentRange validates that the Content-Range total matches the
// expected file size.
func checkContentRange(header string, filesize int64) error {
	if header == "" {
		return fmt.Errorf("missing Content-Range header")
	}
	parts := strings.SplitN(header, "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed Content-Range %q", header)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return fmt.Errorf("malformed Content-Range %q: %s", header, err)
	}
	if total != filesize {
		return fmt.Errorf("Content-Range total %d does not match size %d", total, filesize)
	}
	return nil
}
