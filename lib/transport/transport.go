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

// Package transport implements range retrieval from HTTP(S) and FTP mirrors.
package transport

import (
	"context"
	"encoding/base64"
	"net/url"
	"time"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/utils/httputil"

	"github.com/uber-go/tally"
	"golang.org/x/time/rate"
)

// Process-wide transport constants.
const (
	UserAgent    = "pyMetalink/6.1 +https://github.com/metalink-dev/pymetalink/"
	MIMEType     = "application/metalink+xml"
	MaxRedirects = 20

	// ConnectRetryCount bounds FTP reconnect attempts per fetch.
	ConnectRetryCount = 3
)

// Config defines transport configuration.
type Config struct {
	UserAgent      string        `yaml:"user_agent"`
	UUID           string        `yaml:"uuid"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// BandwidthBPS caps download throughput in bytes per second across all
	// hosts created from this config. Zero disables the limit.
	BandwidthBPS int64 `yaml:"bandwidth_bps"`

	// DocumentBackOff drives retries of small-document fetches (metalink
	// descriptors, signatures).
	DocumentBackOff httputil.ExponentialBackOffConfig `yaml:"document_backoff"`
}

func (c Config) applyDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = UserAgent
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.DocumentBackOff.MaxElapsedTime == 0 {
		c.DocumentBackOff.MaxElapsedTime = 5 * time.Second
	}
	if c.DocumentBackOff.MaxInterval == 0 {
		c.DocumentBackOff.MaxInterval = time.Second
	}
	return c
}

// ProbeResult is what a Host learns about a file without downloading it.
type ProbeResult struct {
	Size    int64
	Digests core.DigestSet
}

// Host is one connection slot against one mirror url. A host fetches at most
// one range at a time; the manager enforces connection caps by bounding how
// many hosts it creates per url.
type Host interface {
	// URL returns the mirror url this host was created for.
	URL() string

	// FetchRange retrieves bytes [start, end) of the file. filesize is the
	// expected total size, validated against the server's response. expected
	// carries the piece digests used to cross-check an RFC 3230 Digest
	// response header. The context cancels the fetch between reads. Errors
	// are always *Error.
	FetchRange(ctx context.Context, start, end, filesize int64, expected core.DigestSet) ([]byte, error)

	// Probe determines the file size (and opportunistically any digests the
	// server advertises) without downloading.
	Probe(ctx context.Context) (*ProbeResult, error)

	// Close releases the connection.
	Close() error
}

// Factory creates hosts for mirror urls.
type Factory struct {
	config  Config
	stats   tally.Scope
	limiter *rate.Limiter
}

// NewFactory creates a new Factory.
func NewFactory(config Config, stats tally.Scope) *Factory {
	config = config.applyDefaults()
	var limiter *rate.Limiter
	if config.BandwidthBPS > 0 {
		// The burst must cover one 32 KiB read, or WaitN fails outright.
		burst := int(config.BandwidthBPS)
		if burst < 32*1024 {
			burst = 32 * 1024
		}
		limiter = rate.NewLimiter(rate.Limit(config.BandwidthBPS), burst)
	}
	return &Factory{
		config:  config,
		stats:   stats.SubScope("transport"),
		limiter: limiter,
	}
}

// New creates a Host for rawurl, dispatching on the url scheme.
func (f *Factory) New(rawurl string) (Host, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: rawurl, cause: err}
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPHost(f, rawurl), nil
	case "ftp":
		return newFTPHost(f, rawurl, u), nil
	default:
		return nil, &Error{Kind: KindUnsupportedProtocol, URL: rawurl}
	}
}

// Head performs a redirect-following HEAD probe of rawurl, optionally with
// the metalink Accept header. Used by the source resolver for
// classification.
func (f *Factory) Head(
	ctx context.Context, rawurl string, metalinkAccept bool) (*HeadResult, error) {

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: rawurl, cause: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{Kind: KindUnsupportedProtocol, URL: rawurl}
	}
	h := newHTTPHost(f, rawurl)
	defer h.Close()
	return h.head(ctx, rawurl, metalinkAccept)
}

// baseHeaders returns the headers sent on every outbound request.
func (f *Factory) baseHeaders(metalinkAccept bool) map[string]string {
	h := map[string]string{
		"User-Agent":      f.config.UserAgent,
		"Cache-Control":   "no-cache",
		"Pragma":          "no-cache",
		"Accept-Encoding": "gzip",
		"Want-Digest":     core.WantDigestHeader,
	}
	if f.config.UUID != "" {
		h["Authorization"] = "Basic " +
			base64.StdEncoding.EncodeToString([]byte(f.config.UUID+":"))
	}
	if metalinkAccept {
		h["Accept"] = MIMEType + ", */*"
	}
	return h
}
