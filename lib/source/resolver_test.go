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
package source

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/lib/transport"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

func newTestResolver() *Resolver {
	return NewResolver(transport.NewFactory(transport.Config{}, tally.NoopScope))
}

func TestResolvePlainURL(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "123")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	specs, err := newTestResolver().Resolve(
		context.Background(), srv.URL+"/pub/blob.iso", "/downloads")
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal(filepath.Join("/downloads", "blob.iso"), specs[0].OutputPath)
	require.Equal(core.SizeUnknown, specs[0].Size)
	require.Len(specs[0].Mirrors, 1)
}

func TestResolveMetalinkByContentType(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/metalink+xml; charset=utf-8")
		if r.Method == "HEAD" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write([]byte(metalink4Doc))
	}))
	defer srv.Close()

	specs, err := newTestResolver().Resolve(
		context.Background(), srv.URL+"/example", "/downloads")
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal("96fbe5abe8ecfb923e4ab0a579b3d6be43ef0e96", specs[0].Digests[core.SHA1])

	// HEAD requests carry the metalink Accept header.
}

func TestResolveMetalinkBySuffix(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if r.Method == "HEAD" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write([]byte(metalink4Doc))
	}))
	defer srv.Close()

	specs, err := newTestResolver().Resolve(
		context.Background(), srv.URL+"/example.meta4", "/downloads")
	require.NoError(err)
	require.Len(specs, 1)
}

func TestResolveLinkHeaders(t *testing.T) {
	require := require.New(t)

	sha256raw, err := hex.DecodeString(
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "3494481")
		w.Header().Add("Link",
			`<http://mirror1.example.com/f.iso>; rel="duplicate"; pri=1, `+
				`<http://mirror2.example.com/f.iso>; rel="duplicate"; pri=2`)
		w.Header().Set("Digest", "sha-256="+base64.StdEncoding.EncodeToString(sha256raw))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	specs, err := newTestResolver().Resolve(
		context.Background(), srv.URL+"/f.iso", "/downloads")
	require.NoError(err)
	require.Len(specs, 1)

	spec := specs[0]
	require.Equal(int64(3494481), spec.Size)
	require.Equal(hex.EncodeToString(sha256raw), spec.Digests[core.SHA256])
	require.Len(spec.Mirrors, 2)
	require.Equal("http://mirror1.example.com/f.iso", spec.Mirrors[0].URL)
	require.True(spec.Mirrors[0].Preference > spec.Mirrors[1].Preference)
}

func TestResolveLinkHeadersWithoutDigestFallThrough(t *testing.T) {
	require := require.New(t)

	// RFC 6249: Link headers without a Digest header are ignored.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Add("Link", `<http://mirror1.example.com/f.iso>; rel="duplicate"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	specs, err := newTestResolver().Resolve(
		context.Background(), srv.URL+"/f.iso", "/downloads")
	require.NoError(err)
	require.Len(specs, 1)
	require.Len(specs[0].Mirrors, 1)
	require.Equal(srv.URL+"/f.iso", specs[0].Mirrors[0].URL)
}

func TestResolveLocalMetalinkFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "example.meta4")
	require.NoError(os.WriteFile(path, []byte(metalink4Doc), 0644))

	// The document is dynamic with an unreachable origin; the local copy is
	// used as fallback.
	specs, err := newTestResolver().Resolve(context.Background(), path, "/downloads")
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal(int64(3494481), specs[0].Size)
}

func TestResolveLocalJigdoFile(t *testing.T) {
	require := require.New(t)

	doc, _, _ := testJigdoDoc(t)
	path := filepath.Join(t.TempDir(), "debian.jigdo")
	require.NoError(os.WriteFile(path, []byte(doc), 0644))

	specs, err := newTestResolver().Resolve(context.Background(), path, "/downloads")
	require.NoError(err)
	require.Len(specs, 2)
}

func TestResolveDynamicMetalinkFollowsOrigin(t *testing.T) {
	require := require.New(t)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	updated := `<metalink xmlns="urn:ietf:params:xml:ns:metalink">
	  <file name="updated.iso">
	    <size>42</size>
	    <url>http://mirror/updated.iso</url>
	  </file>
	</metalink>`
	stale := `<metalink xmlns="urn:ietf:params:xml:ns:metalink">
	  <origin dynamic="true">` + srv.URL + `/current.meta4</origin>
	  <file name="stale.iso">
	    <size>41</size>
	    <url>http://mirror/stale.iso</url>
	  </file>
	</metalink>`

	serveMetalink := func(doc string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", transport.MIMEType)
			if r.Method == "HEAD" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Write([]byte(doc))
		}
	}
	mux.HandleFunc("/stale.meta4", serveMetalink(stale))
	mux.HandleFunc("/current.meta4", serveMetalink(updated))

	specs, err := newTestResolver().Resolve(
		context.Background(), srv.URL+"/stale.meta4", "/downloads")
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal(filepath.Join("/downloads", "updated.iso"), specs[0].OutputPath)
}
