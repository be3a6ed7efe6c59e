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
	"net/url"
	"sort"
	"strings"
)

// SizeUnknown marks a FileSpec whose size was not declared and must be
// probed from mirrors.
const SizeUnknown int64 = -1

// DefaultPieceSize is used when a FileSpec declares no piece length.
const DefaultPieceSize int64 = 262144

// SupportedSchemes lists the url schemes usable for segmented downloads.
var SupportedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
}

// Mirror is one location a file is retrievable from.
type Mirror struct {
	URL        string
	Preference int
	Location   string
}

// Scheme returns the lowercase url scheme of the mirror, or empty if the url
// does not parse.
func (m Mirror) Scheme() string {
	u, err := url.Parse(m.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// FileSpec is the unit of download work: one logical file with its expected
// size, digests and mirror list. It is immutable during a download; the
// manager maintains its own live mirror set.
type FileSpec struct {
	OutputPath   string
	Size         int64
	Digests      DigestSet
	PieceSize    int64
	PieceDigests PieceDigests
	Mirrors      []Mirror
	OS           []string
	Language     string
}

// NewFileSpec creates a FileSpec for a single url with defaults applied.
func NewFileSpec(outputPath, rawurl string) *FileSpec {
	return &FileSpec{
		OutputPath: outputPath,
		Size:       SizeUnknown,
		Digests:    make(DigestSet),
		PieceSize:  DefaultPieceSize,
		Mirrors:    []Mirror{{URL: rawurl}},
	}
}

// EffectivePieceSize returns the declared piece size or the default.
func (s *FileSpec) EffectivePieceSize() int64 {
	if s.PieceSize <= 0 {
		return DefaultPieceSize
	}
	return s.PieceSize
}

// MatchesLocale reports whether the spec passes the process os/lang filters.
// An empty os tag matches anything; lang matches when empty, "any", or equal
// to one of the configured languages.
func (s *FileSpec) MatchesLocale(osName string, langs []string) bool {
	if osName != "" && len(s.OS) > 0 && !strings.EqualFold(s.OS[0], osName) {
		return false
	}
	if s.Language == "" {
		return true
	}
	lang := strings.ToLower(s.Language)
	if lang == "any" {
		return true
	}
	for _, l := range langs {
		if l == "any" || strings.ToLower(l) == lang {
			return true
		}
	}
	return len(langs) == 0
}

// FilterMirrors returns the mirrors with supported schemes, dropping
// .torrent urls.
func FilterMirrors(mirrors []Mirror) []Mirror {
	var out []Mirror
	for _, m := range mirrors {
		if strings.HasSuffix(m.URL, ".torrent") {
			continue
		}
		if !SupportedSchemes[m.Scheme()] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SortMirrors orders mirrors for assignment: mirrors whose location matches
// country (case-insensitive) come first, each partition sorted by preference
// descending with url as tiebreaker.
func SortMirrors(mirrors []Mirror, country string) []Mirror {
	var local, other []Mirror
	for _, m := range mirrors {
		if country != "" && strings.EqualFold(m.Location, country) {
			local = append(local, m)
		} else {
			other = append(other, m)
		}
	}
	sortPrefs(local)
	sortPrefs(other)
	return append(local, other...)
}

func sortPrefs(mirrors []Mirror) {
	sort.SliceStable(mirrors, func(i, j int) bool {
		if mirrors[i].Preference != mirrors[j].Preference {
			return mirrors[i].Preference > mirrors[j].Preference
		}
		return mirrors[i].URL > mirrors[j].URL
	})
}
