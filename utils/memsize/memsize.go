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

// Package memsize provides pretty printing of memory sizes.
package memsize

import "fmt"

// Base-2 byte units.
const (
	B  uint64 = 1
	KB        = 1024 * B
	MB        = 1024 * KB
	GB        = 1024 * MB
	TB        = 1024 * GB
)

// Format returns a human readable representation of n bytes.
func Format(n uint64) string {
	if n == 0 {
		return "0B"
	}
	switch {
	case n >= TB:
		return format(n, TB, "TB")
	case n >= GB:
		return format(n, GB, "GB")
	case n >= MB:
		return format(n, MB, "MB")
	case n >= KB:
		return format(n, KB, "KB")
	default:
		return format(n, B, "B")
	}
}

func format(n, unit uint64, suffix string) string {
	return fmt.Sprintf("%.2f%s", float64(n)/float64(unit), suffix)
}
