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

// Package cmd wires the metaget CLI: flags, config, progress rendering and
// the download pipeline.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/uber/metaget/lib/downloader"
	"github.com/uber/metaget/lib/segment"
	"github.com/uber/metaget/lib/source"
	"github.com/uber/metaget/lib/transport"
	"github.com/uber/metaget/lib/verification"
	"github.com/uber/metaget/metrics"
	"github.com/uber/metaget/utils/configutil"
	"github.com/uber/metaget/utils/log"
	"github.com/uber/metaget/utils/memsize"

	"github.com/andres-erbsen/clock"
	"github.com/c2h5oh/datasize"
	uuid "github.com/satori/go.uuid"
)

// Flags defines metaget CLI flags.
type Flags struct {
	ConfigFile string
	OutputDir  string
	Force      bool
	UUID       string
	Country    string
	OS         string
	Languages  string
	Bandwidth  string
	Sequential bool
	Quiet      bool
}

// ParseFlags parses CLI flags; the remaining arguments are the sources to
// download.
func ParseFlags() (*Flags, []string) {
	var flags Flags
	flag.StringVar(
		&flags.ConfigFile, "config", "", "configuration file path")
	flag.StringVar(
		&flags.OutputDir, "output-dir", "", "directory to download into (default cwd)")
	flag.BoolVar(
		&flags.Force, "force", false, "re-download files which already verify")
	flag.StringVar(
		&flags.UUID, "uuid", "", "identifier sent as basic auth on every request")
	flag.StringVar(
		&flags.Country, "country", "", "2-letter country code biasing mirror order")
	flag.StringVar(
		&flags.OS, "os", "", "os tag filter for metalink file entries")
	flag.StringVar(
		&flags.Languages, "lang", "", "comma-separated language filters")
	flag.StringVar(
		&flags.Bandwidth, "bandwidth", "", "download rate cap, e.g. 2MB")
	flag.BoolVar(
		&flags.Sequential, "sequential", false, "disable segmented downloading")
	flag.BoolVar(
		&flags.Quiet, "quiet", false, "disable the progress bar")
	flag.Parse()
	return &flags, flag.Args()
}

// Run downloads every source argument. Returns the process exit code: 0 on
// success, non-zero when any download failed.
func Run(flags *Flags, args []string) int {
	var config Config
	if flags.ConfigFile != "" {
		if err := configutil.Load(flags.ConfigFile, &config); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %s\n", err)
			return 1
		}
	}
	log.ConfigureLogger(config.Logging)

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: metaget [flags] <url|metalink|jigdo> ...")
		return 2
	}

	if err := applyFlags(&config, flags); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 2
	}

	stats, closer, err := metrics.New(config.Metrics)
	if err != nil {
		log.Fatalf("Failed to init metrics: %s", err)
	}
	defer closer.Close()

	outputDir := flags.OutputDir
	if outputDir == "" {
		outputDir, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to determine working directory: %s", err)
		}
	}

	tfactory := transport.NewFactory(config.Downloader.Transport, stats)
	resolver := source.NewResolver(tfactory)
	d := downloader.New(
		config.Downloader, tfactory, verification.New(nil), stats, clock.New())

	ctx := context.Background()
	exit := 0
	for _, src := range args {
		specs, err := resolver.Resolve(ctx, src, outputDir)
		if err != nil {
			log.Errorf("Resolve %s: %s", src, err)
			exit = 1
			continue
		}

		bar := newProgressBar(os.Stdout)
		callbacks := barCallbacks(bar, flags.Quiet)
		paths, err := d.DownloadAll(ctx, specs, callbacks)
		if !flags.Quiet {
			bar.done()
		}
		if err != nil {
			log.Errorf("Download %s: %s", src, err)
			exit = 1
			continue
		}
		for _, path := range paths {
			if info, err := os.Stat(path); err == nil {
				fmt.Printf("Downloaded %s (%s)\n", path, memsize.Format(uint64(info.Size())))
			} else {
				fmt.Printf("Downloaded %s\n", path)
			}
		}
	}
	return exit
}

// applyFlags folds CLI flags over the file-based configuration.
func applyFlags(config *Config, flags *Flags) error {
	if flags.UUID != "" {
		parsed, err := uuid.FromString(flags.UUID)
		if err != nil {
			return fmt.Errorf("invalid uuid %q: %s", flags.UUID, err)
		}
		config.Downloader.Transport.UUID = parsed.String()
	}
	if flags.Bandwidth != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(flags.Bandwidth)); err != nil {
			return fmt.Errorf("invalid bandwidth %q: %s", flags.Bandwidth, err)
		}
		config.Downloader.Transport.BandwidthBPS = int64(v.Bytes())
	}
	if flags.Country != "" {
		config.Downloader.Segment.Country = flags.Country
	}
	if flags.OS != "" {
		config.Downloader.OS = flags.OS
	}
	if flags.Languages != "" {
		config.Downloader.Languages = strings.Split(strings.ToLower(flags.Languages), ",")
	}
	if flags.Force {
		config.Downloader.Force = true
	}
	if flags.Sequential {
		segmented := false
		config.Downloader.Segmented = &segmented
	}
	return nil
}

func barCallbacks(bar *progressBar, quiet bool) segment.Callbacks {
	if quiet {
		return segment.Callbacks{}
	}
	return segment.Callbacks{
		Status:  bar.update,
		Bitrate: bar.setBitrate,
		Time:    bar.setTime,
	}
}
