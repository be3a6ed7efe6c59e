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
package httputil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"
)

func TestSendAcceptedCodes(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(499)
	}))
	defer srv.Close()

	_, err := Get(srv.URL, SendAcceptedCodes(200, 499))
	require.NoError(err)
}

func TestSendStatusError(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nothing here"))
	}))
	defer srv.Close()

	_, err := Get(srv.URL)
	require.Error(err)
	require.True(IsNotFound(err))
	serr, ok := err.(StatusError)
	require.True(ok)
	require.Equal(http.StatusNotFound, serr.Status)
	require.Equal("nothing here", serr.ResponseDump)
}

func TestSendRetryOn5XX(t *testing.T) {
	require := require.New(t)

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := Get(srv.URL, SendRetry(RetryBackoff(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 4))))
	require.NoError(err)
	require.Equal(int64(3), atomic.LoadInt64(&calls))
}

func TestSendRetryExhausted(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := Get(srv.URL, SendRetry(RetryBackoff(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 1))))
	require.True(IsStatus(err, http.StatusBadGateway))
}

func TestSendNetworkError(t *testing.T) {
	_, err := Get("http://127.0.0.1:1/")
	require.True(t, IsNetworkError(err))
}

func TestSendDoesNotFollowRedirectsByDefault(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://elsewhere/")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer srv.Close()

	resp, err := Get(srv.URL, SendAcceptedCodes(http.StatusMovedPermanently))
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal("http://elsewhere/", resp.Header.Get("Location"))
}

func TestSendFollowRedirectsOption(t *testing.T) {
	require := require.New(t)

	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer redirecting.Close()

	resp, err := Get(redirecting.URL, SendRedirect(FollowRedirects(20)))
	require.NoError(err)
	resp.Body.Close()
}

func TestSendHeaders(t *testing.T) {
	require := require.New(t)

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := Get(srv.URL, SendHeaders(map[string]string{"X-Custom": "val"}))
	require.NoError(err)
	require.Equal("val", got)
}
