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
	"errors"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFTPHost(t *testing.T) *ftpHost {
	t.Helper()
	host, err := testFactory().New("ftp://mirror.example.com/pub/blob.iso")
	require.NoError(t, err)
	return host.(*ftpHost)
}

func TestFTPAddrDefaultsPort(t *testing.T) {
	require := require.New(t)

	h := newTestFTPHost(t)
	require.Equal("mirror.example.com:21", h.addr())

	host, err := testFactory().New("ftp://mirror.example.com:2121/blob")
	require.NoError(err)
	require.Equal("mirror.example.com:2121", host.(*ftpHost).addr())
}

func TestFTPClassifyPermanentReply(t *testing.T) {
	require := require.New(t)

	h := newTestFTPHost(t)
	err := h.classify(&textproto.Error{Code: 550, Msg: "No such file"})
	require.Equal(KindFTPPerm, err.Kind)
	require.Equal(550, err.Status)
	require.False(err.Kind.Transient())
}

func TestFTPClassifyTemporaryReply(t *testing.T) {
	require := require.New(t)

	h := newTestFTPHost(t)
	err := h.classify(&textproto.Error{Code: 426, Msg: "Transfer aborted"})
	require.Equal(KindFTPTemp, err.Kind)
	require.True(err.Kind.Transient())
}

func TestFTPClassifySocketError(t *testing.T) {
	require := require.New(t)

	h := newTestFTPHost(t)
	err := h.classify(errors.New("connection reset"))
	require.Equal(KindBadSocket, err.Kind)
	require.True(err.Kind.Transient())
}

func TestErrorKindTaxonomy(t *testing.T) {
	transient := []Kind{
		KindTimeout, KindBadSocket, KindChunkChecksum, KindDigestMismatch,
		KindIncompleteRead, KindFTPTemp,
	}
	for _, k := range transient {
		require.True(t, k.Transient(), k.String())
	}
	permanent := []Kind{
		KindBadSize, KindFTPPerm, KindHTTPStatus, KindInvalidURL,
		KindUnsupportedProtocol,
	}
	for _, k := range permanent {
		require.False(t, k.Transient(), k.String())
	}
}
