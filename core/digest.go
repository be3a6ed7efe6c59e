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
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Digest algorithm identifiers.
const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
	SHA384 = "sha384"
	SHA512 = "sha512"
	PGP    = "pgp"
)

// HashPrecedence lists hash algorithms strongest first. Verification uses the
// first algorithm present in a digest set; weaker algorithms are never
// consulted as fallback.
var HashPrecedence = []string{SHA512, SHA384, SHA256, SHA1, MD5}

// WantDigestHeader is the Want-Digest value sent on all outbound requests,
// using the RFC 3230 algorithm tokens.
const WantDigestHeader = "md5,sha,sha-256,sha-384,sha-512"

// hexLengths maps each algorithm to its expected hex digest length.
var hexLengths = map[string]int{
	MD5:    32,
	SHA1:   40,
	SHA256: 64,
	SHA384: 96,
	SHA512: 128,
}

// DigestSet maps an algorithm identifier to a lowercase hex digest. The pgp
// key holds an armored signature rather than hex.
type DigestSet map[string]string

// Clone returns a copy of s.
func (s DigestSet) Clone() DigestSet {
	c := make(DigestSet, len(s))
	for algo, hex := range s {
		c[algo] = hex
	}
	return c
}

// Strongest returns the strongest hash algorithm present in s, or false if s
// contains no hash digests.
func (s DigestSet) Strongest() (algo, hex string, ok bool) {
	for _, algo := range HashPrecedence {
		if hex, ok := s[algo]; ok {
			return algo, strings.ToLower(hex), true
		}
	}
	return "", "", false
}

// Equal returns true if both sets contain the same algorithms with the same
// hex values, ignoring case.
func (s DigestSet) Equal(other DigestSet) bool {
	if len(s) != len(other) {
		return false
	}
	for algo, hex := range s {
		if !strings.EqualFold(other[algo], hex) {
			return false
		}
	}
	return true
}

// PieceDigests maps an algorithm identifier to one hex digest per piece.
type PieceDigests map[string][]string

// ForPiece returns the digests declared for piece i across all algorithms.
func (p PieceDigests) ForPiece(i int) DigestSet {
	set := make(DigestSet)
	for algo, hexes := range p {
		if i < len(hexes) {
			set[algo] = hexes[i]
		}
	}
	return set
}

// NumPieces returns the longest declared piece digest sequence.
func (p PieceDigests) NumPieces() int {
	var n int
	for _, hexes := range p {
		if len(hexes) > n {
			n = len(hexes)
		}
	}
	return n
}

// ValidateDigest returns an error if hex is not a valid digest for algo.
func ValidateDigest(algo, hexstr string) error {
	n, ok := hexLengths[algo]
	if !ok {
		return fmt.Errorf("unknown digest algo %q", algo)
	}
	if len(hexstr) != n {
		return fmt.Errorf("expected %d characters, got %d from %q", n, len(hexstr), hexstr)
	}
	if _, err := hex.DecodeString(hexstr); err != nil {
		return fmt.Errorf("hex: %s", err)
	}
	return nil
}

// NormalizeAlgo converts an external algorithm token (RFC 3230 digest
// tokens, metalink hash types) to the internal identifier. The bare token
// "sha" aliases sha1.
func NormalizeAlgo(token string) string {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "sha" {
		return SHA1
	}
	return strings.Replace(token, "-", "", 1)
}

// digestToken converts an internal algorithm identifier to its RFC 3230
// token.
func digestToken(algo string) string {
	switch algo {
	case SHA1:
		return "sha"
	case SHA256, SHA384, SHA512:
		return "sha-" + algo[3:]
	default:
		return algo
	}
}

// ParseDigestHeader parses an RFC 3230 Digest response header of
// comma-separated "algo=base64" instance digests into a DigestSet of
// lowercase hex values. An empty header yields an empty set.
func ParseDigestHeader(header string) (DigestSet, error) {
	set := make(DigestSet)
	if header == "" {
		return set, nil
	}
	for _, entry := range strings.Split(header, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid digest entry %q", entry)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("decode digest entry %q: %s", entry, err)
		}
		set[NormalizeAlgo(parts[0])] = hex.EncodeToString(raw)
	}
	return set, nil
}

// FormatDigestHeader formats a DigestSet as an RFC 3230 Digest header,
// dropping entries which are not valid hex.
func FormatDigestHeader(set DigestSet) string {
	var entries []string
	for _, algo := range HashPrecedence {
		hexstr, ok := set[algo]
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(hexstr)
		if err != nil {
			continue
		}
		entries = append(entries, fmt.Sprintf(
			"%s=%s", digestToken(algo), base64.StdEncoding.EncodeToString(raw)))
	}
	return strings.Join(entries, ",")
}
