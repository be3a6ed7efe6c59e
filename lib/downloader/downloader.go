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

// Package downloader orchestrates downloads: for each FileSpec it skips
// work already done, runs the segmented manager, and falls back to trying
// one mirror at a time when segmented mode fails.
package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uber/metaget/core"
	"github.com/uber/metaget/lib/resume"
	"github.com/uber/metaget/lib/segment"
	"github.com/uber/metaget/lib/transport"
	"github.com/uber/metaget/lib/verification"
	"github.com/uber/metaget/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Config defines downloader configuration.
type Config struct {
	Segment   segment.Config   `yaml:"segment"`
	Transport transport.Config `yaml:"transport"`

	// Segmented disables the parallel manager when false; every download
	// goes straight to the sequential path.
	Segmented *bool `yaml:"segmented"`

	// Force re-downloads files which already verify.
	Force bool `yaml:"force"`

	// OS and Languages filter metalink file entries against this process.
	OS        string   `yaml:"os"`
	Languages []string `yaml:"languages"`
}

func (c Config) segmented() bool {
	return c.Segmented == nil || *c.Segmented
}

// Downloader runs FileSpecs to verified local files.
type Downloader struct {
	config   Config
	tfactory *transport.Factory
	verifier *verification.Verifier
	stats    tally.Scope
	clk      clock.Clock
}

// New creates a new Downloader.
func New(
	config Config,
	tfactory *transport.Factory,
	verifier *verification.Verifier,
	stats tally.Scope,
	clk clock.Clock) *Downloader {

	return &Downloader{
		config:   config,
		tfactory: tfactory,
		verifier: verifier,
		stats:    stats.SubScope("downloader"),
		clk:      clk,
	}
}

// Download runs one FileSpec to completion. Returns the output path on
// success.
func (d *Downloader) Download(
	ctx context.Context, spec *core.FileSpec, callbacks segment.Callbacks) (string, error) {

	logger := log.With("output", spec.OutputPath)

	if done, err := d.skipIfPresent(spec, callbacks, logger); err != nil {
		return "", err
	} else if done {
		return spec.OutputPath, nil
	}

	if dir := filepath.Dir(spec.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create output directory: %s", err)
		}
	}

	logger.Infof("Downloading to %s", spec.OutputPath)

	if d.config.segmented() {
		mgr := segment.New(
			d.config.Segment, spec, d.tfactory, d.verifier, callbacks, d.stats, d.clk)
		if mgr.Run(ctx) {
			d.stats.Counter("segmented_success").Inc(1)
			return spec.OutputPath, nil
		}
		logger.Info("Could not download all segments, trying one mirror at a time")
		d.stats.Counter("segmented_fallback").Inc(1)
	}

	seq := &sequentialManager{
		spec:      spec,
		tfactory:  d.tfactory,
		verifier:  d.verifier,
		callbacks: callbacks,
		clk:       d.clk,
	}
	if seq.run(ctx) {
		return spec.OutputPath, nil
	}
	return "", fmt.Errorf("download failed: %s", spec.OutputPath)
}

// DownloadAll runs every spec which passes the locale filter. Returns the
// paths downloaded; err is non-nil if any spec failed.
func (d *Downloader) DownloadAll(
	ctx context.Context, specs []*core.FileSpec, callbacks segment.Callbacks) ([]string, error) {

	var paths []string
	var firstErr error
	for _, spec := range specs {
		if !spec.MatchesLocale(d.config.OS, d.config.Languages) {
			continue
		}
		path, err := d.Download(ctx, spec, callbacks)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		paths = append(paths, path)
	}
	return paths, firstErr
}

// skipIfPresent implements the idempotent-completion rules: an existing
// output which verifies (or matches the expected size when no digests are
// declared) is not downloaded again.
func (d *Downloader) skipIfPresent(
	spec *core.FileSpec, callbacks segment.Callbacks, logger *zap.SugaredLogger) (bool, error) {

	if d.config.Force {
		return false, nil
	}
	info, err := os.Stat(spec.OutputPath)
	if err != nil {
		return false, nil
	}

	if len(spec.Digests) > 0 {
		if d.verifier.VerifyFile(spec.OutputPath, spec.Digests) {
			if callbacks.Status != nil {
				callbacks.Status(1, info.Size(), info.Size())
			}
			logger.Infof("Already downloaded %s", filepath.Base(spec.OutputPath))
			return true, nil
		}
		logger.Infof("Checksum failed, retrying download of %s", filepath.Base(spec.OutputPath))
		return false, nil
	}

	if spec.Size > 0 && info.Size() == spec.Size {
		if callbacks.Status != nil {
			callbacks.Status(1, info.Size(), info.Size())
		}
		logger.Infof("Already downloaded %s", filepath.Base(spec.OutputPath))
		return true, nil
	}

	if _, err := os.Stat(spec.OutputPath + resume.Suffix); err == nil {
		logger.Infof("Resuming download of %s", filepath.Base(spec.OutputPath))
	}
	return false, nil
}
