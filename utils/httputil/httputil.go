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

// Package httputil provides a wrapper around net/http with declarative send
// options, retries against transient failures, and typed status errors.
package httputil

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
)

// StatusError occurs if an HTTP response has an unexpected status code.
type StatusError struct {
	Method       string
	URL          string
	Status       int
	Header       http.Header
	ResponseDump string
}

// NewStatusError returns a new StatusError.
func NewStatusError(resp *http.Response) StatusError {
	defer resp.Body.Close()
	respBytes, err := ioutil.ReadAll(resp.Body)
	respDump := string(respBytes)
	if err != nil {
		respDump = fmt.Sprintf("failed to dump response: %s", err)
	}
	return StatusError{
		Method:       resp.Request.Method,
		URL:          resp.Request.URL.String(),
		Status:       resp.StatusCode,
		Header:       resp.Header,
		ResponseDump: respDump,
	}
}

func (e StatusError) Error() string {
	if e.ResponseDump == "" {
		return fmt.Sprintf("%s %s %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s %d: %s", e.Method, e.URL, e.Status, e.ResponseDump)
}

// IsStatus returns true if err is a StatusError of the given status.
func IsStatus(err error, status int) bool {
	statusErr, ok := err.(StatusError)
	return ok && statusErr.Status == status
}

// IsNotFound returns true if err is a 404 StatusError.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// IsForbidden returns true if err is a 403 StatusError.
func IsForbidden(err error) bool {
	return IsStatus(err, http.StatusForbidden)
}

// IsRedirect returns true if err is a 301 or 302 StatusError.
func IsRedirect(err error) bool {
	return IsStatus(err, http.StatusMovedPermanently) ||
		IsStatus(err, http.StatusFound)
}

// NetworkError occurs on any Send error which occurred while attempting to
// send the HTTP request, e.g. the given host is unresponsive.
type NetworkError struct {
	err error
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", e.err)
}

// IsNetworkError returns true if err is a NetworkError.
func IsNetworkError(err error) bool {
	_, ok := err.(NetworkError)
	return ok
}

type sendOptions struct {
	body          io.Reader
	timeout       time.Duration
	acceptedCodes map[int]bool
	headers       map[string]string
	redirect      func(req *http.Request, via []*http.Request) error
	retry         retryOptions
	transport     http.RoundTripper
}

// SendOption allows overriding defaults for the Send function.
type SendOption func(*sendOptions)

// SendBody specifies a body for http request.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOptions) { o.body = body }
}

// SendTimeout specifies timeout for http request.
func SendTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = timeout }
}

// SendHeaders specifies headers for http request.
func SendHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) { o.headers = headers }
}

// SendAcceptedCodes specifies accepted codes for http request.
func SendAcceptedCodes(codes ...int) SendOption {
	m := make(map[int]bool)
	for _, c := range codes {
		m[c] = true
	}
	return func(o *sendOptions) { o.acceptedCodes = m }
}

// SendTransport specifies transport for http request.
func SendTransport(transport http.RoundTripper) SendOption {
	return func(o *sendOptions) { o.transport = transport }
}

// SendRedirect specifies a redirect policy for http request. By default,
// redirects are not followed and the redirect response is returned as is.
func SendRedirect(redirect func(req *http.Request, via []*http.Request) error) SendOption {
	return func(o *sendOptions) { o.redirect = redirect }
}

// FollowRedirects returns a redirect policy which follows up to max hops.
func FollowRedirects(max int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return fmt.Errorf("stopped after %d redirects", max)
		}
		return nil
	}
}

type retryOptions struct {
	backoff    backoff.BackOff
	extraCodes map[int]bool
}

// RetryOption allows overriding defaults for the SendRetry option.
type RetryOption func(*retryOptions)

// RetryBackoff specifies the backoff policy between retries.
func RetryBackoff(b backoff.BackOff) RetryOption {
	return func(o *retryOptions) { o.backoff = b }
}

// RetryCodes adds codes to the list of status codes to retry on, in addition
// to 5XX responses and network errors.
func RetryCodes(codes ...int) RetryOption {
	return func(o *retryOptions) {
		for _, c := range codes {
			o.extraCodes[c] = true
		}
	}
}

// SendRetry retries the request on network errors and 5XX responses.
func SendRetry(options ...RetryOption) SendOption {
	retry := retryOptions{
		backoff: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(250*time.Millisecond),
			2),
		extraCodes: make(map[int]bool),
	}
	for _, opt := range options {
		opt(&retry)
	}
	return func(o *sendOptions) { o.retry = retry }
}

// ExponentialBackOffConfig defines backoff configuration for yaml files.
type ExponentialBackOffConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	Multiplier          float64       `yaml:"multiplier"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	MaxElapsedTime      time.Duration `yaml:"max_elapsed_time"`
}

// Build creates the backoff from config.
func (c ExponentialBackOffConfig) Build() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval != 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.RandomizationFactor != 0 {
		b.RandomizationFactor = c.RandomizationFactor
	}
	if c.Multiplier != 0 {
		b.Multiplier = c.Multiplier
	}
	if c.MaxInterval != 0 {
		b.MaxInterval = c.MaxInterval
	}
	if c.MaxElapsedTime != 0 {
		b.MaxElapsedTime = c.MaxElapsedTime
	}
	return b
}

func (o *sendOptions) client() *http.Client {
	redirect := o.redirect
	if redirect == nil {
		redirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &http.Client{
		Timeout:       o.timeout,
		CheckRedirect: redirect,
		Transport:     o.transport,
	}
}

func shouldRetry(o *sendOptions, resp *http.Response, err error) bool {
	if o.retry.backoff == nil {
		return false
	}
	if err != nil {
		return true
	}
	if resp.StatusCode >= 500 && !o.acceptedCodes[resp.StatusCode] {
		return true
	}
	return o.retry.extraCodes[resp.StatusCode]
}

// Send sends an HTTP request and returns the response. A response whose
// status is not an accepted code (only 200 unless set via SendAcceptedCodes)
// is returned as a StatusError.
func Send(method, url string, options ...SendOption) (*http.Response, error) {
	o := sendOptions{
		timeout:       60 * time.Second,
		acceptedCodes: map[int]bool{http.StatusOK: true},
	}
	for _, opt := range options {
		opt(&o)
	}

	req, err := http.NewRequest(method, url, o.body)
	if err != nil {
		return nil, fmt.Errorf("new request: %s", err)
	}
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	client := o.client()

	var resp *http.Response
	for {
		resp, err = client.Do(req)
		if !shouldRetry(&o, resp, err) {
			break
		}
		d := o.retry.backoff.NextBackOff()
		if d == backoff.Stop {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(d)
	}
	if err != nil {
		return nil, NetworkError{err}
	}
	if !o.acceptedCodes[resp.StatusCode] {
		return nil, NewStatusError(resp)
	}
	return resp, nil
}

// Get sends a GET http request.
func Get(url string, options ...SendOption) (*http.Response, error) {
	return Send("GET", url, options...)
}

// Head sends a HEAD http request.
func Head(url string, options ...SendOption) (*http.Response, error) {
	return Send("HEAD", url, options...)
}
