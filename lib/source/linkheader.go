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
	"strconv"
	"strings"
)

// Link is one entry of an RFC 6249 Link response header.
type Link struct {
	URL  string
	Rel  string
	Type string
	Pri  int
}

// ParseLinkHeader splits an RFC 6249 Link header into entries. Parameters
// rel, type and pri are extracted; unknown parameters are ignored. Commas
// inside <> are not treated as separators.
func ParseLinkHeader(header string) []Link {
	var links []Link
	for _, entry := range splitLinkEntries(header) {
		parts := strings.Split(entry, ";")
		url := strings.Trim(strings.TrimSpace(parts[0]), "<>")
		if url == "" {
			continue
		}
		link := Link{URL: url}
		for _, part := range parts[1:] {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(kv[0]))
			value := strings.Trim(strings.TrimSpace(kv[1]), `"`)
			switch key {
			case "rel":
				link.Rel = value
			case "type":
				link.Type = value
			case "pri":
				if n, err := strconv.Atoi(value); err == nil {
					link.Pri = n
				}
			}
		}
		links = append(links, link)
	}
	return links
}

// splitLinkEntries splits on commas outside of <> brackets.
func splitLinkEntries(header string) []string {
	var entries []string
	depth := 0
	start := 0
	for i, c := range header {
		switch c {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				entries = append(entries, header[start:i])
				start = i + 1
			}
		}
	}
	if start < len(header) {
		entries = append(entries, header[start:])
	}
	return entries
}
