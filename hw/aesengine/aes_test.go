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

package aesengine_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-saoirse/saoirse/hw/aesengine"
	"github.com/team-saoirse/saoirse/ios"
)

func newEngine(t *testing.T) *aesengine.Engine {
	t.Helper()
	rt := ios.NewRouter()
	require.Equal(t, ios.OK, aesengine.RegisterSoft(rt))
	e, err := aesengine.Open(rt)
	require.Equal(t, ios.OK, err)
	return e
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := newEngine(t)
	key := bytes.Repeat([]byte{0x11}, 16)
	plain := make([]byte, 64)
	for i := range plain {
		plain[i] = byte(i)
	}

	iv := make([]byte, 16)
	enc := make([]byte, 64)
	require.Equal(t, ios.OK, e.Encrypt(key, iv, plain, enc))
	assert.False(t, bytes.Equal(plain, enc))

	iv2 := make([]byte, 16)
	dec := make([]byte, 64)
	require.Equal(t, ios.OK, e.Decrypt(key, iv2, enc, dec))
	assert.True(t, bytes.Equal(plain, dec))
}

// The IV vector is updated in place so consecutive commands chain like one
// long CBC stream.
func TestIVChaining(t *testing.T) {
	e := newEngine(t)
	key := bytes.Repeat([]byte{0x22}, 16)
	plain := make([]byte, 96)
	for i := range plain {
		plain[i] = byte(i * 5)
	}

	// One shot.
	iv := make([]byte, 16)
	whole := make([]byte, 96)
	require.Equal(t, ios.OK, e.Encrypt(key, iv, plain, whole))

	// Split into two chained commands.
	iv2 := make([]byte, 16)
	split := make([]byte, 96)
	require.Equal(t, ios.OK, e.Encrypt(key, iv2, plain[:48], split[:48]))
	require.Equal(t, ios.OK, e.Encrypt(key, iv2, plain[48:], split[48:]))

	assert.True(t, bytes.Equal(whole, split))
}

func TestRejectsBadArguments(t *testing.T) {
	e := newEngine(t)
	key := make([]byte, 16)
	iv := make([]byte, 16)
	out := make([]byte, 16)

	assert.Equal(t, ios.EInvalid, e.Decrypt(key[:8], iv, out, out))
	assert.Equal(t, ios.EInvalid, e.Decrypt(key, iv[:4], out, out))
	assert.Equal(t, ios.EInvalid, e.Decrypt(key, iv, out[:12], out))
	assert.Equal(t, ios.EInvalid, e.Decrypt(key, iv, nil, out))
}
