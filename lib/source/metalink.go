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
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/uber/metaget/core"
)

// Document is a parsed metalink descriptor: the file specs plus the origin
// metadata used for dynamic metalinks.
type Document struct {
	Origin  string
	Dynamic bool
	Specs   []*core.FileSpec
}

// Metalink 4 (RFC 5854) XML model.
type metalink4 struct {
	XMLName xml.Name       `xml:"metalink"`
	Origin  metalink4Orig  `xml:"origin"`
	Files   []metalink4File `xml:"file"`
}

type metalink4Orig struct {
	Dynamic string `xml:"dynamic,attr"`
	Value   string `xml:",chardata"`
}

type metalink4File struct {
	Name      string            `xml:"name,attr"`
	Size      int64             `xml:"size"`
	Hashes    []metalinkHash    `xml:"hash"`
	Pieces    []metalink4Pieces `xml:"pieces"`
	URLs      []metalink4URL    `xml:"url"`
	OS        []string          `xml:"os"`
	Language  string            `xml:"language"`
	Signature metalinkSignature `xml:"signature"`
}

type metalinkHash struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type metalink4Pieces struct {
	Type   string   `xml:"type,attr"`
	Length int64    `xml:"length,attr"`
	Hashes []string `xml:"hash"`
}

type metalink4URL struct {
	Location string `xml:"location,attr"`
	Priority int    `xml:"priority,attr"`
	Value    string `xml:",chardata"`
}

type metalinkSignature struct {
	MediaType string `xml:"mediatype,attr"`
	Type      string `xml:"type,attr"`
	Value     string `xml:",chardata"`
}

// Metalink 3 (legacy) XML model.
type metalink3 struct {
	XMLName xml.Name        `xml:"metalink"`
	Version string          `xml:"version,attr"`
	Type    string          `xml:"type,attr"`
	Origin  string          `xml:"origin,attr"`
	Files   []metalink3File `xml:"files>file"`
}

type metalink3File struct {
	Name         string            `xml:"name,attr"`
	Size         int64             `xml:"size"`
	Verification metalink3Verify   `xml:"verification"`
	Resources    []metalink3URL    `xml:"resources>url"`
	OS           []string          `xml:"os"`
	Language     string            `xml:"language"`
}

type metalink3Verify struct {
	Hashes    []metalinkHash    `xml:"hash"`
	Pieces    []metalink3Pieces `xml:"pieces"`
	Signature metalinkSignature `xml:"signature"`
}

type metalink3Pieces struct {
	Type   string              `xml:"type,attr"`
	Length int64               `xml:"length,attr"`
	Hashes []metalink3PieceSum `xml:"hash"`
}

type metalink3PieceSum struct {
	Piece int    `xml:"piece,attr"`
	Value string `xml:",chardata"`
}

type metalink3URL struct {
	Type       string `xml:"type,attr"`
	Location   string `xml:"location,attr"`
	Preference string `xml:"preference,attr"`
	Value      string `xml:",chardata"`
}

// ParseMetalink parses a metalink XML document (version 4 or legacy 3) into
// file specs rooted at outputDir.
func ParseMetalink(b []byte, outputDir string) (*Document, error) {
	var m4 metalink4
	if err := xml.Unmarshal(b, &m4); err != nil {
		return nil, fmt.Errorf("parse metalink: %s", err)
	}
	if len(m4.Files) > 0 && looksLikeV4(m4) {
		return convertV4(m4, outputDir)
	}

	var m3 metalink3
	if err := xml.Unmarshal(b, &m3); err != nil {
		return nil, fmt.Errorf("parse metalink: %s", err)
	}
	if len(m3.Files) == 0 {
		return nil, errors.New("metalink lists no files")
	}
	return convertV3(m3, outputDir)
}

// looksLikeV4 distinguishes the flat v4 file layout from v3's nested one:
// a v3 document also decodes file names via files>file, never directly.
func looksLikeV4(m metalink4) bool {
	for _, f := range m.Files {
		if f.Name != "" && (len(f.URLs) > 0 || len(f.Hashes) > 0 || f.Size > 0) {
			return true
		}
	}
	return false
}

func convertV4(m metalink4, outputDir string) (*Document, error) {
	doc := &Document{
		Origin:  strings.TrimSpace(m.Origin.Value),
		Dynamic: m.Origin.Dynamic == "true",
	}
	for _, f := range m.Files {
		spec, err := convertFile(
			f.Name, f.Size, f.Hashes, f.Signature, f.OS, f.Language, outputDir)
		if err != nil {
			return nil, err
		}
		for _, p := range f.Pieces {
			algo := core.NormalizeAlgo(p.Type)
			spec.PieceSize = p.Length
			hexes := make([]string, len(p.Hashes))
			for i, h := range p.Hashes {
				hexes[i] = strings.ToLower(strings.TrimSpace(h))
			}
			spec.PieceDigests[algo] = hexes
		}
		for _, u := range f.URLs {
			spec.Mirrors = append(spec.Mirrors, core.Mirror{
				URL:        strings.TrimSpace(u.Value),
				Preference: preferenceFromPriority(u.Priority),
				Location:   u.Location,
			})
		}
		doc.Specs = append(doc.Specs, spec)
	}
	return doc, nil
}

func convertV3(m metalink3, outputDir string) (*Document, error) {
	doc := &Document{
		Origin:  m.Origin,
		Dynamic: m.Type == "dynamic",
	}
	for _, f := range m.Files {
		spec, err := convertFile(
			f.Name, f.Size, f.Verification.Hashes, f.Verification.Signature,
			f.OS, f.Language, outputDir)
		if err != nil {
			return nil, err
		}
		for _, p := range f.Verification.Pieces {
			algo := core.NormalizeAlgo(p.Type)
			spec.PieceSize = p.Length
			hexes := make([]string, len(p.Hashes))
			for _, h := range p.Hashes {
				i := h.Piece
				if i < 0 || i >= len(hexes) {
					return nil, fmt.Errorf("piece index %d out of range", i)
				}
				hexes[i] = strings.ToLower(strings.TrimSpace(h.Value))
			}
			spec.PieceDigests[algo] = hexes
		}
		for _, u := range f.Resources {
			pref, _ := strconv.Atoi(u.Preference)
			spec.Mirrors = append(spec.Mirrors, core.Mirror{
				URL:        strings.TrimSpace(u.Value),
				Preference: pref,
				Location:   u.Location,
			})
		}
		doc.Specs = append(doc.Specs, spec)
	}
	return doc, nil
}

func convertFile(
	name string,
	size int64,
	hashes []metalinkHash,
	sig metalinkSignature,
	osTags []string,
	language string,
	outputDir string) (*core.FileSpec, error) {

	if name == "" {
		return nil, errors.New("metalink file entry has no name")
	}
	if strings.Contains(name, "..") {
		return nil, fmt.Errorf("unsafe file name %q", name)
	}
	if size == 0 {
		size = core.SizeUnknown
	}
	spec := &core.FileSpec{
		OutputPath:   filepath.Join(outputDir, filepath.FromSlash(name)),
		Size:         size,
		Digests:      make(core.DigestSet),
		PieceSize:    core.DefaultPieceSize,
		PieceDigests: make(core.PieceDigests),
		OS:           osTags,
		Language:     language,
	}
	for _, h := range hashes {
		spec.Digests[core.NormalizeAlgo(h.Type)] = strings.ToLower(strings.TrimSpace(h.Value))
	}
	if armored := strings.TrimSpace(sig.Value); armored != "" {
		spec.Digests[core.PGP] = armored
	}
	return spec, nil
}

// preferenceFromPriority converts a metalink 4 priority (1 is best) to the
// preference scale (higher is better).
func preferenceFromPriority(priority int) int {
	if priority <= 0 {
		return 0
	}
	pref := 101 - priority
	if pref < 1 {
		pref = 1
	}
	return pref
}
