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
	"net/http"
	"net/url"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/utils/httputil"

	"github.com/jlaffaye/ftp"
)

// FetchDocument retrieves a small document (a metalink descriptor, a
// detached signature) over HTTP with retries, following redirects and
// sending the metalink Accept header. Gzip responses are decompressed by
// the caller.
func (f *Factory) FetchDocument(rawurl string) ([]byte, error) {
	resp, err := httputil.Get(
		rawurl,
		httputil.SendHeaders(f.baseHeaders(true)),
		httputil.SendRedirect(httputil.FollowRedirects(MaxRedirects)),
		httputil.SendRetry(httputil.RetryBackoff(f.config.DocumentBackOff.Build())))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// FileResponse is an open whole-file download stream.
type FileResponse struct {
	// Body streams the file contents from Offset onwards.
	Body io.ReadCloser

	// Offset is the byte position Body starts at: the requested resume
	// offset if the server honored it, else zero.
	Offset int64

	// Size is the total file size, or -1 if unknown.
	Size int64

	// Digests holds any RFC 3230 digests the server reported.
	Digests core.DigestSet
}

// FetchFile opens a whole-file download of rawurl, used by the sequential
// fallback. offset asks the server to resume mid-file; servers which do not
// support ranges restart from zero, reported via FileResponse.Offset.
func (f *Factory) FetchFile(
	ctx context.Context, rawurl string, offset int64) (*FileResponse, error) {

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: rawurl, cause: err}
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTPFile(ctx, rawurl, offset)
	case "ftp":
		return f.fetchFTPFile(ctx, rawurl, u, offset)
	default:
		return nil, &Error{Kind: KindUnsupportedProtocol, URL: rawurl}
	}
}

func (f *Factory) fetchHTTPFile(
	ctx context.Context, rawurl string, offset int64) (*FileResponse, error) {

	h := newHTTPHost(f, rawurl)

	req, err := http.NewRequestWithContext(ctx, "GET", rawurl, nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: rawurl, cause: err}
	}
	for k, v := range f.baseHeaders(false) {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	client := *h.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", MaxRedirects)
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		h.Close()
		return nil, h.classify(rawurl, err)
	}

	res := &FileResponse{
		Body:    &httpFileBody{body: resp.Body, host: h},
		Size:    -1,
		Digests: make(core.DigestSet),
	}
	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			res.Size = resp.ContentLength
		}
	case http.StatusPartialContent:
		res.Offset = offset
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			var first, last, total int64
			if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &first, &last, &total); err == nil {
				res.Offset = first
				res.Size = total
			}
		}
	default:
		resp.Body.Close()
		h.Close()
		return nil, &Error{Kind: KindHTTPStatus, URL: rawurl, Status: resp.StatusCode}
	}

	if digests, err := core.ParseDigestHeader(resp.Header.Get("Digest")); err == nil {
		res.Digests = digests
	}
	return res, nil
}

func (f *Factory) fetchFTPFile(
	ctx context.Context, rawurl string, u *url.URL, offset int64) (*FileResponse, error) {

	h := newFTPHost(f, rawurl, u)
	if err := h.ensureConnected(); err != nil {
		return nil, err
	}
	size := int64(-1)
	if n, err := h.conn.FileSize(u.Path); err == nil {
		size = n
	}
	resp, err := h.conn.RetrFrom(u.Path, uint64(offset))
	if err != nil {
		h.Close()
		return nil, h.classify(err)
	}
	return &FileResponse{
		Body:    &ftpFileBody{resp: resp, host: h},
		Offset:  offset,
		Size:    size,
		Digests: make(core.DigestSet),
	}, nil
}

// httpFileBody closes idle connections along with the response stream.
type httpFileBody struct {
	body io.ReadCloser
	host *httpHost
}

func (b *httpFileBody) Read(p []byte) (int, error) {
	return b.body.Read(p)
}

func (b *httpFileBody) Close() error {
	err := b.body.Close()
	b.host.Close()
	return err
}

// ftpFileBody closes the control connection along with the data stream.
type ftpFileBody struct {
	resp *ftp.Response
	host *ftpHost
}

func (b *ftpFileBody) Read(p []byte) (int, error) {
	return b.resp.Read(p)
}

func (b *ftpFileBody) Close() error {
	err := b.resp.Close()
	b.host.Close()
	return err
}
