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
package cmd

import (
	"github.com/uber/metaget/lib/downloader"
	"github.com/uber/metaget/metrics"
	"github.com/uber/metaget/utils/log"
)

// Config defines metaget configuration.
type Config struct {
	Logging    log.Config        `yaml:"logging"`
	Metrics    metrics.Config    `yaml:"metrics"`
	Downloader downloader.Config `yaml:"downloader"`
}
