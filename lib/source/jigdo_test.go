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
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func jigdoEncodeMD5(raw []byte) string {
	return jigdoBase64.EncodeToString(raw)
}

func testJigdoDoc(t *testing.T) (string, string, string) {
	t.Helper()
	templateMD5 := bytes.Repeat([]byte{0x11}, 16)
	partMD5 := bytes.Repeat([]byte{0x22}, 16)
	doc := `# JigsawDownload
[Jigdo]
Version=1.1
Generator=jigdo-file/1.8.0

[Image]
Filename=debian.iso
Template=debian.template
Template-MD5Sum=` + jigdoEncodeMD5(templateMD5) + `

[Parts]
` + jigdoEncodeMD5(partMD5) + `=Debian:pool/main/a/acl_2.2.tar.gz

[Servers]
Debian=http://ftp.debian.org/debian/
Debian=ftp://ftp.de.debian.org/debian/
`
	return doc, hex.EncodeToString(templateMD5), hex.EncodeToString(partMD5)
}

func TestParseJigdo(t *testing.T) {
	require := require.New(t)

	doc, templateMD5, partMD5 := testJigdoDoc(t)
	j, err := ParseJigdo([]byte(doc))
	require.NoError(err)

	require.Equal("debian.iso", j.ImageName)
	require.Equal("debian.template", j.Template)
	require.Equal(templateMD5, j.TemplateMD5)
	require.Len(j.Parts, 1)
	require.Equal("pool/main/a/acl_2.2.tar.gz", j.Parts[0].Path)
	require.Equal(partMD5, j.Parts[0].MD5)
	require.Equal("Debian", j.Parts[0].Server)
	require.Len(j.Servers["Debian"], 2)
}

func TestParseJigdoGzip(t *testing.T) {
	require := require.New(t)

	doc, _, _ := testJigdoDoc(t)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(doc))
	require.NoError(err)
	require.NoError(gz.Close())

	j, err := ParseJigdo(buf.Bytes())
	require.NoError(err)
	require.Equal("debian.iso", j.ImageName)
}

func TestJigdoSpecs(t *testing.T) {
	require := require.New(t)

	doc, templateMD5, partMD5 := testJigdoDoc(t)
	j, err := ParseJigdo([]byte(doc))
	require.NoError(err)

	specs := j.Specs("http://example.com/images/debian.jigdo", "/downloads")
	require.Len(specs, 2)

	template := specs[0]
	require.Equal("/downloads/debian.template", template.OutputPath)
	require.Equal(templateMD5, template.Digests["md5"])
	require.Len(template.Mirrors, 1)
	require.Equal("http://example.com/images/debian.template", template.Mirrors[0].URL)

	part := specs[1]
	require.Equal(partMD5, part.Digests["md5"])
	require.Len(part.Mirrors, 2)
	require.Equal("http://ftp.debian.org/debian/pool/main/a/acl_2.2.tar.gz", part.Mirrors[0].URL)
	require.Equal("ftp://ftp.de.debian.org/debian/pool/main/a/acl_2.2.tar.gz", part.Mirrors[1].URL)
}

func TestParseJigdoMissingTemplate(t *testing.T) {
	_, err := ParseJigdo([]byte("[Image]\nFilename=x.iso\n"))
	require.Error(t, err)
}
