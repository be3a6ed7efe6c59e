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
package configutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	ListenAddress string   `yaml:"listen_address" validate:"nonzero"`
	BufferSpace   int      `yaml:"buffer_space" validate:"min=128"`
	Servers       []string `yaml:"servers"`
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const baseConfig = `
listen_address: localhost:4385
buffer_space: 1024
servers:
    - somewhere-zone1:8090
    - somewhere-else-zone1:8010
`

func TestLoad(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, t.TempDir(), "base.yaml", baseConfig)

	var config testConfig
	require.NoError(Load(path, &config))
	require.Equal("localhost:4385", config.ListenAddress)
	require.Equal(1024, config.BufferSpace)
	require.Len(config.Servers, 2)
}

func TestLoadExtends(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", baseConfig)
	path := writeConfig(t, dir, "override.yaml", `
extends: base.yaml
buffer_space: 512
servers:
    - somewhere-sjc2:8090
`)

	var config testConfig
	require.NoError(Load(path, &config))
	require.Equal("localhost:4385", config.ListenAddress)
	require.Equal(512, config.BufferSpace)
	require.Equal([]string{"somewhere-sjc2:8090"}, config.Servers)
}

func TestLoadExtendsChain(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", baseConfig)
	writeConfig(t, dir, "mid.yaml", "extends: base.yaml\nbuffer_space: 512\n")
	path := writeConfig(t, dir, "top.yaml", "extends: mid.yaml\nbuffer_space: 256\n")

	var config testConfig
	require.NoError(Load(path, &config))
	require.Equal(256, config.BufferSpace)
	require.Equal("localhost:4385", config.ListenAddress)
}

func TestLoadCycleDetected(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "extends: b.yaml\n")
	path := filepath.Join(dir, "b.yaml")
	require.NoError(os.WriteFile(path, []byte(fmt.Sprintf("extends: %s\n", filepath.Join(dir, "a.yaml"))), 0644))

	var config testConfig
	require.Equal(ErrCycleRef, Load(filepath.Join(dir, "a.yaml"), &config))
}

func TestLoadValidationError(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, t.TempDir(), "bad.yaml", `
listen_address:
buffer_space: 1
`)

	var config testConfig
	err := Load(path, &config)
	require.Error(err)
	verr, ok := err.(ValidationError)
	require.True(ok)
	require.Error(verr.ErrForField("ListenAddress"))
}

func TestLoadMissingFile(t *testing.T) {
	var config testConfig
	require.Error(t, Load(filepath.Join(t.TempDir(), "nope.yaml"), &config))
	require.Error(t, Load("", &config))
}
