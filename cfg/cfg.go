// Copyright 2025 Team Saoirse
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

// Package cfg holds the compiled-in configuration: the replaced-path
// allowlist and the policy knobs. There is no runtime configuration surface
// on the emulator itself; the boot side compiles everything in.
package cfg

import "strings"

// Config is the emulator policy.
type Config struct {
	// FileLogEnabled opens the on-card log file when the designated device
	// mounts.
	FileLogEnabled bool

	// BlockIOSReload redirects firmware relaunches to the system menu.
	BlockIOSReload bool

	// ProtectContentMap additionally refuses writes to the real storage's
	// content map through the manager. The shipped predicate does not need
	// it; the knob exists because both behaviours are defensible.
	ProtectContentMap bool

	// ReplacedExact are paths replaced on exact match.
	ReplacedExact []string

	// ReplacedPrefixes are path prefixes replaced on any descendant.
	ReplacedPrefixes []string
}

// Default returns the shipped policy: the Mario Kart save directories, with
// the PAL title replaced by prefix.
func Default() *Config {
	return &Config{
		FileLogEnabled: true,
		BlockIOSReload: true,
		ReplacedExact: []string{
			"/title/00010004/524d4345/data/", // RMCE
			"/title/00010004/524d434a/data/", // RMCJ
			"/title/00010004/524d434b/data/", // RMCK
		},
		ReplacedPrefixes: []string{
			"/title/00010004/524d4350/data/", // RMCP
		},
	}
}

// IsReplacedPath is the sole source of truth for "this open goes to
// external storage, not to the real filesystem". It is a pure function of
// the path.
func (c *Config) IsReplacedPath(path string) bool {
	for _, p := range c.ReplacedExact {
		if path == p {
			return true
		}
	}
	for _, p := range c.ReplacedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IsProtectedPath reports paths the manager must refuse to mutate when the
// content-map knob is on.
func (c *Config) IsProtectedPath(path string) bool {
	return c.ProtectContentMap && path == "/shared1/content.map"
}
