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

// Package verification implements whole-file and per-piece digest checks.
//
// Verification is strict on precedence: the first digest attempted decides
// the result. A present-but-mismatching strong digest is an authoritative
// failure even when a weaker digest would have matched, so a mirror cannot
// smuggle a file past a strong digest by also reporting a matching weak one.
package verification

import (
	"fmt"
	"os"

	"github.com/uber/metaget/core"
)

// PGPVerifier verifies a detached armored signature over a file. It is an
// external collaborator; implementations typically shell out to gpg.
type PGPVerifier interface {
	Verify(path string, armoredSig string) error
}

// Verifier checks files and chunks against expected digest sets.
type Verifier struct {
	pgp PGPVerifier
}

// New creates a new Verifier. pgp may be nil, in which case pgp digests are
// treated as not attempted.
func New(pgp PGPVerifier) *Verifier {
	return &Verifier{pgp: pgp}
}

// HashFile computes the hex digest of the file at path under algo, reading
// in 1 MiB chunks.
func HashFile(path, algo string) (string, error) {
	d, err := core.NewDigester(algo)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %s", path, err)
	}
	defer f.Close()
	hex, err := d.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %s", path, err)
	}
	return hex, nil
}

// VerifyFile checks the file at path against digests. A pgp signature is
// attempted first when a verifier is configured; otherwise the strongest
// hash present decides. An empty digest set verifies trivially.
func (v *Verifier) VerifyFile(path string, digests core.DigestSet) bool {
	if sig, ok := digests[core.PGP]; ok && v.pgp != nil {
		return v.pgp.Verify(path, sig) == nil
	}
	algo, expected, ok := digests.Strongest()
	if !ok {
		// No digest provided, assume OK.
		return true
	}
	actual, err := HashFile(path, algo)
	if err != nil {
		return false
	}
	return actual == expected
}

// VerifyChunk checks a chunk of bytes against digests under the same
// precedence as VerifyFile, without pgp. An empty set verifies trivially.
func VerifyChunk(b []byte, digests core.DigestSet) bool {
	algo, expected, ok := digests.Strongest()
	if !ok {
		return true
	}
	d, err := core.NewDigester(algo)
	if err != nil {
		return false
	}
	actual, err := d.FromBytes(b)
	if err != nil {
		return false
	}
	return actual == expected
}
