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

// Package configutil provides an interface for loading and validating
// configuration data from YAML files.
//
// Other YAML files could be included via the following directive:
//
//	extends: base.yaml
//
// There is no multiple inheritance supported. Dependency tree suppossed to
// form a linked list.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when there are circular dependencies detected in
// configuration files extending each other.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// Extends define a keyword in config for extending a base configuration file.
type Extends struct {
	Extends string `yaml:"extends"`
}

// ValidationError contains validation errors reported by validator.
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField returns the error for the given field.
func (e ValidationError) ErrForField(name string) error {
	return e.errorMap[name]
}

func (e ValidationError) Error() string {
	var b strings.Builder
	for f, err := range e.errorMap {
		fmt.Fprintf(&b, "%s: %v\n", f, err)
	}
	return b.String()
}

// Load reads and merges the chain of YAML files reachable from filename via
// extends directives into config, then validates the result.
func Load(filename string, config interface{}) error {
	if filename == "" {
		return errors.New("no configuration file specified")
	}

	var filenames []string
	seen := make(map[string]struct{})
	for filename != "" {
		if _, ok := seen[filename]; ok {
			return ErrCycleRef
		}
		seen[filename] = struct{}{}
		filenames = append([]string{filename}, filenames...)

		b, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("read config: %s", err)
		}
		var ext Extends
		if err := yaml.Unmarshal(b, &ext); err != nil {
			return fmt.Errorf("unmarshal extends: %s", err)
		}
		if ext.Extends != "" && !filepath.IsAbs(ext.Extends) {
			ext.Extends = filepath.Join(filepath.Dir(filename), ext.Extends)
		}
		filename = ext.Extends
	}

	// Base first, overrides last.
	for _, f := range filenames {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read config: %s", err)
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return fmt.Errorf("unmarshal config %s: %s", f, err)
		}
	}

	if err := validator.Validate(config); err != nil {
		if errs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs}
		}
		return err
	}
	return nil
}
