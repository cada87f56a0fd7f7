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

// Package aesengine wraps the kernel AES engine. The engine is a
// process-wide singleton with no queueing hardware, so all use is serialized
// behind the engine's mutex.
package aesengine

import (
	"sync"

	"github.com/team-saoirse/saoirse/ios"
)

// DevicePath is the kernel device path of the engine.
const DevicePath = "/dev/aes"

const (
	ioctlvEncrypt = 2
	ioctlvDecrypt = 3
)

// MaxChunk is the largest transfer the engine accepts per command.
const MaxChunk = 0x10000

// KeySize and IVSize are fixed by the AES-128-CBC hardware.
const (
	KeySize = 16
	IVSize  = 16
)

// Engine is the client handle.
type Engine struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	rm *ios.ResourceCtrl
}

// Open opens the engine device.
func Open(rt *ios.Router) (*Engine, ios.Error) {
	rm, err := ios.OpenResource(rt, DevicePath, ios.ModeNone)
	if err != ios.OK {
		return nil, err
	}
	return &Engine{rm: rm}, ios.OK
}

func (e *Engine) submit(cmd uint32, key []byte, iv []byte, input []byte, output []byte) ios.Error {
	if len(key) != KeySize || len(iv) != IVSize {
		return ios.EInvalid
	}
	if len(input) == 0 || len(input) > MaxChunk || len(input)%16 != 0 {
		return ios.EInvalid
	}
	if len(output) < len(input) {
		return ios.EInvalid
	}

	vec := []ios.Vector{
		{Data: input},
		{Data: key},
		{Data: output[:len(input)]},
		{Data: iv},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rm.Ioctlv(cmd, 2, 2, vec)
}

// Encrypt runs AES-128-CBC over input. iv is updated in place to the last
// ciphertext block, so consecutive calls chain.
func (e *Engine) Encrypt(key []byte, iv []byte, input []byte, output []byte) ios.Error {
	return e.submit(ioctlvEncrypt, key, iv, input, output)
}

// Decrypt runs AES-128-CBC over input. iv is updated in place to the last
// ciphertext block, so consecutive calls chain.
func (e *Engine) Decrypt(key []byte, iv []byte, input []byte, output []byte) ios.Error {
	return e.submit(ioctlvDecrypt, key, iv, input, output)
}

// Close releases the engine handle.
func (e *Engine) Close() ios.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rm.Close()
}
