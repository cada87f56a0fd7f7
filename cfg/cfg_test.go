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

package cfg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/team-saoirse/saoirse/cfg"
)

func TestIsReplacedPath(t *testing.T) {
	c := cfg.Default()

	cases := []struct {
		path string
		want bool
	}{
		{"/title/00010004/524d4350/data/", true},
		{"/title/00010004/524d4350/data/save.bin", true},
		{"/title/00010004/524d4350/data/sub/deep.bin", true},
		{"/title/00010004/524d4345/data/", true},
		{"/title/00010004/524d434a/data/", true},
		{"/title/00010004/524d434b/data/", true},

		// The non-prefix titles match exactly, not by descendant.
		{"/title/00010004/524d4345/data/save.bin", false},

		{"/title/00010004/524d4350/content/00.app", false},
		{"/title/00010001/524d4350/data/", false},
		{"/tmp/file.bin", false},
		{"/shared1/content.map", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.IsReplacedPath(tc.path), "path %q", tc.path)
	}
}

// Pure function: identical paths produce identical dispatch decisions.
func TestIsReplacedPathPure(t *testing.T) {
	c := cfg.Default()
	for i := 0; i < 3; i++ {
		assert.True(t, c.IsReplacedPath("/title/00010004/524d4350/data/x"))
	}
}

func TestProtectedPathKnob(t *testing.T) {
	c := cfg.Default()
	assert.False(t, c.IsProtectedPath("/shared1/content.map"))

	c.ProtectContentMap = true
	assert.True(t, c.IsProtectedPath("/shared1/content.map"))
	assert.False(t, c.IsProtectedPath("/shared1/other"))
}
