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

// Package source classifies download sources and compiles them into file
// specs: plain urls, metalink XML documents, metalink-over-HTTP responses
// (RFC 6249 Link + RFC 3230 Digest headers) and jigdo descriptors.
package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/lib/transport"
	"github.com/uber/metaget/utils/log"
)

// maxDynamicHops bounds origin re-fetches of dynamic metalinks.
const maxDynamicHops = 5

// Resolver classifies sources.
type Resolver struct {
	tfactory *transport.Factory
}

// NewResolver creates a new Resolver.
func NewResolver(tfactory *transport.Factory) *Resolver {
	return &Resolver{tfactory: tfactory}
}

// Resolve turns src (a url or local path) into the file specs to download
// into outputDir.
func (r *Resolver) Resolve(
	ctx context.Context, src, outputDir string) ([]*core.FileSpec, error) {
	return r.resolve(ctx, src, outputDir, make(map[string]bool))
}

func (r *Resolver) resolve(
	ctx context.Context, src, outputDir string,
	visited map[string]bool) ([]*core.FileSpec, error) {

	if visited[src] || len(visited) > maxDynamicHops {
		return nil, fmt.Errorf("dynamic metalink origin loop at %s", src)
	}
	visited[src] = true

	if strings.HasSuffix(src, ".jigdo") {
		return r.resolveJigdo(ctx, src, outputDir)
	}

	if isLocal(src) {
		return r.resolveLocalMetalink(ctx, src, outputDir, visited)
	}

	if scheme(src) == "http" || scheme(src) == "https" {
		head, err := r.tfactory.Head(ctx, src, true)
		if err == nil {
			if specs, ok, err := r.classifyHead(ctx, src, outputDir, head, visited); ok {
				return specs, err
			}
		} else {
			// Not every server supports HEAD where GET works; fall through.
			log.With("src", src).Infof("HEAD probe failed: %s", err)
		}
	}

	if hasMetalinkSuffix(src) {
		doc, err := r.fetchMetalink(ctx, src, outputDir)
		if err != nil {
			return nil, err
		}
		return r.followDynamic(ctx, src, outputDir, doc, visited)
	}

	// Plain single-url download.
	return []*core.FileSpec{plainSpec(src, outputDir)}, nil
}

// classifyHead applies the header-based classification rules. ok is false
// when none matched and the caller should fall through.
func (r *Resolver) classifyHead(
	ctx context.Context, src, outputDir string, head *transport.HeadResult,
	visited map[string]bool) ([]*core.FileSpec, bool, error) {

	if strings.HasPrefix(head.ContentType, transport.MIMEType) {
		log.Info("Metalink content-type detected")
		doc, err := r.fetchMetalink(ctx, src, outputDir)
		if err != nil {
			return nil, true, err
		}
		specs, err := r.followDynamic(ctx, src, outputDir, doc, visited)
		return specs, true, err
	}

	if head.Link != "" {
		spec, err := r.specFromLinkHeaders(ctx, src, outputDir, head)
		if err != nil {
			return nil, true, err
		}
		if spec != nil {
			log.Info("Using Metalink HTTP Link headers")
			return []*core.FileSpec{spec}, true, nil
		}
		// No Digest header: RFC 6249 requires ignoring the Link headers.
	}

	if hasMetalinkSuffix(src) {
		doc, err := r.fetchMetalink(ctx, src, outputDir)
		if err != nil {
			return nil, true, err
		}
		specs, err := r.followDynamic(ctx, src, outputDir, doc, visited)
		return specs, true, err
	}

	return nil, false, nil
}

// specFromLinkHeaders builds a synthetic spec from RFC 6249 mirror links.
// Returns nil when the response carries no Digest header.
func (r *Resolver) specFromLinkHeaders(
	ctx context.Context, src, outputDir string,
	head *transport.HeadResult) (*core.FileSpec, error) {

	digests, err := core.ParseDigestHeader(head.Digest)
	if err != nil || len(digests) == 0 {
		return nil, nil
	}

	spec := &core.FileSpec{
		OutputPath:   filepath.Join(outputDir, path.Base(src)),
		Size:         head.ContentLength,
		Digests:      digests,
		PieceSize:    core.DefaultPieceSize,
		PieceDigests: make(core.PieceDigests),
	}
	if spec.Size == 0 {
		spec.Size = core.SizeUnknown
	}

	for _, link := range ParseLinkHeader(head.Link) {
		switch link.Rel {
		case "duplicate":
			spec.Mirrors = append(spec.Mirrors, core.Mirror{
				URL:        link.URL,
				Preference: preferenceFromPriority(link.Pri),
			})
		case "describedby":
			if link.Type == "application/pgp-signature" {
				sig, err := r.fetchBody(ctx, link.URL)
				if err != nil {
					log.With("src", src).Infof("Fetch pgp signature: %s", err)
					continue
				}
				spec.Digests[core.PGP] = string(sig)
			}
		}
	}
	if len(spec.Mirrors) == 0 {
		return nil, nil
	}
	return spec, nil
}

func (r *Resolver) resolveJigdo(
	ctx context.Context, src, outputDir string) ([]*core.FileSpec, error) {

	var b []byte
	var err error
	if isLocal(src) {
		b, err = os.ReadFile(localPath(src))
	} else {
		b, err = r.fetchBody(ctx, src)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch jigdo %s: %s", src, err)
	}
	j, err := ParseJigdo(b)
	if err != nil {
		return nil, err
	}
	return j.Specs(src, outputDir), nil
}

func (r *Resolver) resolveLocalMetalink(
	ctx context.Context, src, outputDir string,
	visited map[string]bool) ([]*core.FileSpec, error) {

	b, err := os.ReadFile(localPath(src))
	if err != nil {
		return nil, fmt.Errorf("read %s: %s", src, err)
	}
	doc, err := ParseMetalink(b, outputDir)
	if err != nil {
		return nil, err
	}
	return r.followDynamic(ctx, src, outputDir, doc, visited)
}

// followDynamic re-resolves a dynamic metalink from its origin, falling
// back to the document at hand when the origin is unreachable.
func (r *Resolver) followDynamic(
	ctx context.Context, src, outputDir string, doc *Document,
	visited map[string]bool) ([]*core.FileSpec, error) {

	if doc.Dynamic && doc.Origin != "" && doc.Origin != src && !visited[doc.Origin] {
		log.Infof("Downloading update from %s", doc.Origin)
		specs, err := r.resolve(ctx, doc.Origin, outputDir, visited)
		if err == nil {
			return specs, nil
		}
		log.With("origin", doc.Origin).Infof("Dynamic origin failed: %s", err)
	}
	if len(doc.Specs) == 0 {
		return nil, fmt.Errorf("no files to download in %s", src)
	}
	return doc.Specs, nil
}

func (r *Resolver) fetchMetalink(
	ctx context.Context, src, outputDir string) (*Document, error) {

	b, err := r.fetchBody(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch metalink %s: %s", src, err)
	}
	return ParseMetalink(b, outputDir)
}

// fetchBody retrieves a small document, transparently decompressing a
// gzipped response.
func (r *Resolver) fetchBody(ctx context.Context, rawurl string) ([]byte, error) {
	var b []byte
	var err error
	if s := scheme(rawurl); s == "http" || s == "https" {
		b, err = r.tfactory.FetchDocument(rawurl)
	} else {
		var resp *transport.FileResponse
		resp, err = r.tfactory.FetchFile(ctx, rawurl, 0)
		if err == nil {
			b, err = io.ReadAll(resp.Body)
			resp.Body.Close()
		}
	}
	if err != nil {
		return nil, err
	}
	if isGzip(b) {
		gz, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return b, nil
		}
		if unzipped, err := io.ReadAll(gz); err == nil {
			return unzipped, nil
		}
	}
	return b, nil
}

func plainSpec(src, outputDir string) *core.FileSpec {
	spec := core.NewFileSpec(filepath.Join(outputDir, path.Base(src)), src)
	spec.PieceDigests = make(core.PieceDigests)
	return spec
}

func scheme(src string) string {
	i := strings.Index(src, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(src[:i])
}

func isLocal(src string) bool {
	return scheme(src) == "" || scheme(src) == "file"
}

func localPath(src string) string {
	return strings.TrimPrefix(src, "file://")
}

func hasMetalinkSuffix(src string) bool {
	return strings.HasSuffix(src, ".metalink") || strings.HasSuffix(src, ".meta4")
}
