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
package core

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// fileHashChunkSize is the read size used when digesting files.
const fileHashChunkSize = 1 << 20

// NewHash returns a new hash.Hash for the given algorithm identifier.
func NewHash(algo string) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algo %q", algo)
}

// Digester calculates the hex digest of a data stream under a single
// algorithm.
type Digester struct {
	algo string
	hash hash.Hash
}

// NewDigester instantiates and returns a new Digester object.
func NewDigester(algo string) (*Digester, error) {
	h, err := NewHash(algo)
	if err != nil {
		return nil, err
	}
	return &Digester{algo: algo, hash: h}, nil
}

// Algo returns the digester's algorithm identifier.
func (d *Digester) Algo() string {
	return d.algo
}

// Digest returns the hex digest of existing data.
func (d *Digester) Digest() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// FromReader returns the hex digest of data from reader.
func (d *Digester) FromReader(rd io.Reader) (string, error) {
	buf := make([]byte, fileHashChunkSize)
	if _, err := io.CopyBuffer(d.hash, rd, buf); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// FromBytes digests the input and returns its hex digest.
func (d *Digester) FromBytes(p []byte) (string, error) {
	if _, err := d.hash.Write(p); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// Tee allows d to calculate a digest of r while the caller reads from the
// returned reader.
func (d *Digester) Tee(r io.Reader) io.Reader {
	return io.TeeReader(r, d.hash)
}
