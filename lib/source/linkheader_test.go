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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLinkHeader(t *testing.T) {
	require := require.New(t)

	header := `<http://mirror1.example.com/f.iso>; rel="duplicate"; pri=1, ` +
		`<ftp://mirror2.example.com/f.iso>; rel="duplicate"; pri=2; geo=de, ` +
		`<http://example.com/f.iso.asc>; rel="describedby"; type="application/pgp-signature"`

	links := ParseLinkHeader(header)
	require.Len(links, 3)

	require.Equal("http://mirror1.example.com/f.iso", links[0].URL)
	require.Equal("duplicate", links[0].Rel)
	require.Equal(1, links[0].Pri)

	require.Equal("ftp://mirror2.example.com/f.iso", links[1].URL)
	require.Equal(2, links[1].Pri)

	require.Equal("describedby", links[2].Rel)
	require.Equal("application/pgp-signature", links[2].Type)
}

func TestParseLinkHeaderCommaInsideBrackets(t *testing.T) {
	require := require.New(t)

	header := `<http://mirror.example.com/f,v2.iso>; rel="duplicate"`
	links := ParseLinkHeader(header)
	require.Len(links, 1)
	require.Equal("http://mirror.example.com/f,v2.iso", links[0].URL)
}

func TestParseLinkHeaderEmpty(t *testing.T) {
	require.Empty(t, ParseLinkHeader(""))
}
