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
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/uber/metaget/core"
)

// jigdoBase64 is the digest alphabet jigdo files use in place of standard
// base64.
var jigdoBase64 = base64.NewEncoding(
	"0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_").
	WithPadding(base64.NoPadding)

// Jigdo is a parsed .jigdo descriptor: a template plus the constituent
// files the target image is reassembled from.
type Jigdo struct {
	// ImageName is the file the image reassembles into.
	ImageName string

	// Template locates the template file, relative to the descriptor's
	// directory unless it is an absolute url.
	Template string

	// TemplateMD5 is the hex md5 of the template file, when declared.
	TemplateMD5 string

	// Parts maps each part path to its md5 hex digest and servers.
	Parts []JigdoPart

	// Servers maps a server label to its base urls.
	Servers map[string][]string
}

// JigdoPart is one constituent file.
type JigdoPart struct {
	Path   string
	MD5    string
	Server string
}

// Assembler reassembles a jigdo image from its template and parts. It is an
// external collaborator, like the PGP verifier.
type Assembler interface {
	// Assemble writes the image and returns its md5 hex digest.
	Assemble(imagePath, templatePath string, partPaths []string) (string, error)
}

// ParseJigdo parses a .jigdo descriptor, transparently decompressing gzip.
func ParseJigdo(b []byte) (*Jigdo, error) {
	if isGzip(b) {
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("decompress jigdo: %s", err)
		}
		b, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress jigdo: %s", err)
		}
	}

	j := &Jigdo{Servers: make(map[string][]string)}
	section := ""
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(line[1 : len(line)-1])
			continue
		}
		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}
		switch section {
		case "image":
			switch strings.ToLower(key) {
			case "filename":
				j.ImageName = value
			case "template":
				j.Template = value
			case "template-md5sum":
				j.TemplateMD5 = decodeJigdoMD5(value)
			}
		case "parts":
			server, path, found := strings.Cut(value, ":")
			if !found {
				continue
			}
			j.Parts = append(j.Parts, JigdoPart{
				Path:   path,
				MD5:    decodeJigdoMD5(key),
				Server: server,
			})
		case "servers":
			j.Servers[key] = append(j.Servers[key], value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jigdo: %s", err)
	}
	if j.Template == "" {
		return nil, fmt.Errorf("jigdo descriptor declares no template")
	}
	return j, nil
}

// Specs compiles the descriptor into file specs: the template first, then
// one spec per part with all its server mirrors. base is the descriptor's
// own url, used to resolve relative paths.
func (j *Jigdo) Specs(base, outputDir string) []*core.FileSpec {
	specs := []*core.FileSpec{j.templateSpec(base, outputDir)}
	for _, part := range j.Parts {
		spec := &core.FileSpec{
			OutputPath:   filepath.Join(outputDir, filepath.Base(part.Path)),
			Size:         core.SizeUnknown,
			Digests:      make(core.DigestSet),
			PieceSize:    core.DefaultPieceSize,
			PieceDigests: make(core.PieceDigests),
		}
		if part.MD5 != "" {
			spec.Digests[core.MD5] = part.MD5
		}
		for _, root := range j.Servers[part.Server] {
			spec.Mirrors = append(spec.Mirrors, core.Mirror{
				URL: joinURL(root, part.Path),
			})
		}
		specs = append(specs, spec)
	}
	return specs
}

func (j *Jigdo) templateSpec(base, outputDir string) *core.FileSpec {
	templateURL := j.Template
	if !strings.Contains(templateURL, "://") {
		templateURL = joinURL(baseDir(base), j.Template)
	}
	spec := &core.FileSpec{
		OutputPath:   filepath.Join(outputDir, filepath.Base(j.Template)),
		Size:         core.SizeUnknown,
		Digests:      make(core.DigestSet),
		PieceSize:    core.DefaultPieceSize,
		PieceDigests: make(core.PieceDigests),
		Mirrors:      []core.Mirror{{URL: templateURL}},
	}
	if j.TemplateMD5 != "" {
		spec.Digests[core.MD5] = j.TemplateMD5
	}
	return spec
}

func splitKeyValue(line string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(line, "=")
	return strings.TrimSpace(key), strings.TrimSpace(value), ok
}

// decodeJigdoMD5 converts a jigdo-base64 md5 to lowercase hex. Returns
// empty on malformed input.
func decodeJigdoMD5(s string) string {
	raw, err := jigdoBase64.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != 16 {
		return ""
	}
	return hex.EncodeToString(raw)
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// baseDir strips the final path element of a url or path.
func baseDir(rawurl string) string {
	i := strings.LastIndex(rawurl, "/")
	if i < 0 {
		return rawurl
	}
	return rawurl[:i+1]
}

func joinURL(root, path string) string {
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(path, "/")
}
