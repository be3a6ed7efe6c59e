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
package verification

import (
	"crypto/md5"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/uber/metaget/core"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestHashFile(t *testing.T) {
	require := require.New(t)

	content := []byte("hello metalink")
	path := writeTempFile(t, content)

	expected := md5.Sum(content)
	actual, err := HashFile(path, core.MD5)
	require.NoError(err)
	require.Equal(hex.EncodeToString(expected[:]), actual)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile("/nonexistent/blob", core.SHA1)
	require.Error(t, err)
}

func TestVerifyFileEmptyDigestsAssumesOK(t *testing.T) {
	v := New(nil)
	path := writeTempFile(t, []byte("anything"))
	require.True(t, v.VerifyFile(path, core.DigestSet{}))
}

func TestVerifyFileStrongestDecides(t *testing.T) {
	require := require.New(t)

	content := []byte("precedence test")
	path := writeTempFile(t, content)

	md5sum := md5.Sum(content)
	badSHA512 := make([]byte, sha512.Size)

	// A mismatching sha512 is authoritative even though the md5 matches.
	v := New(nil)
	require.False(v.VerifyFile(path, core.DigestSet{
		core.SHA512: hex.EncodeToString(badSHA512),
		core.MD5:    hex.EncodeToString(md5sum[:]),
	}))

	sha512sum := sha512.Sum512(content)
	require.True(v.VerifyFile(path, core.DigestSet{
		core.SHA512: hex.EncodeToString(sha512sum[:]),
		core.MD5:    hex.EncodeToString(badSHA512[:md5.Size]),
	}))
}

type fixedPGPVerifier struct {
	err error
}

func (v fixedPGPVerifier) Verify(path, sig string) error { return v.err }

func TestVerifyFilePGPAttemptedFirst(t *testing.T) {
	require := require.New(t)

	content := []byte("pgp test")
	path := writeTempFile(t, content)
	md5sum := md5.Sum(content)
	digests := core.DigestSet{
		core.PGP: "-----BEGIN PGP SIGNATURE-----",
		core.MD5: hex.EncodeToString(md5sum[:]),
	}

	require.False(New(fixedPGPVerifier{errors.New("bad sig")}).VerifyFile(path, digests))
	require.True(New(fixedPGPVerifier{nil}).VerifyFile(path, digests))

	// Missing verifier counts as not attempted; the md5 decides.
	require.True(New(nil).VerifyFile(path, digests))
}

func TestVerifyChunk(t *testing.T) {
	require := require.New(t)

	chunk := []byte("chunk bytes")
	md5sum := md5.Sum(chunk)
	sha512sum := sha512.Sum512(chunk)

	require.True(VerifyChunk(chunk, core.DigestSet{}))
	require.True(VerifyChunk(chunk, core.DigestSet{
		core.MD5: hex.EncodeToString(md5sum[:]),
	}))
	require.True(VerifyChunk(chunk, core.DigestSet{
		core.SHA512: hex.EncodeToString(sha512sum[:]),
	}))
	require.False(VerifyChunk(chunk, core.DigestSet{
		core.SHA512: hex.EncodeToString(make([]byte, sha512.Size)),
		core.MD5:    hex.EncodeToString(md5sum[:]),
	}))
}
