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

// Package shaengine wraps the kernel SHA-1 engine. Like the AES engine it
// has no queueing hardware; use is serialized behind the engine's mutex.
package shaengine

import (
	"crypto/sha1"
	"encoding"
	"sync"

	"github.com/team-saoirse/saoirse/ios"
)

// DevicePath is the kernel device path of the engine.
const DevicePath = "/dev/sha"

const (
	ioctlvInit       = 0
	ioctlvContribute = 1
	ioctlvFinalize   = 2
)

// ContextSize is the size of the engine's exported hash state.
const ContextSize = 0x60

// HashSize is the SHA-1 digest size.
const HashSize = 0x14

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

func (e *Engine) submit(cmd uint32, data []byte, ctx []byte, digest []byte) ios.Error {
	if len(ctx) != ContextSize {
		return ios.EInvalid
	}
	vec := []ios.Vector{
		{Data: data},
		{Data: ctx},
		{Data: digest},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rm.Ioctlv(cmd, 1, 2, vec)
}

// Init resets the hash state held in ctx.
func (e *Engine) Init(ctx []byte) ios.Error {
	return e.submit(ioctlvInit, nil, ctx, nil)
}

// Contribute absorbs data into the hash state.
func (e *Engine) Contribute(ctx []byte, data []byte) ios.Error {
	return e.submit(ioctlvContribute, data, ctx, nil)
}

// Finalize absorbs data and writes the digest.
func (e *Engine) Finalize(ctx []byte, data []byte, digest []byte) ios.Error {
	if len(digest) != HashSize {
		return ios.EInvalid
	}
	return e.submit(ioctlvFinalize, data, ctx, digest)
}

// Close releases the engine handle.
func (e *Engine) Close() ios.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rm.Close()
}

// RegisterSoft installs a software rendition of the engine on the router.
// The exported context happens to be exactly the size of the stdlib SHA-1
// marshalled state, which is what it holds.
func RegisterSoft(rt *ios.Router) ios.Error {
	queue := ios.NewQueue[*ios.Request](ios.RequestQueueDepth)
	if err := rt.RegisterResourceManager(DevicePath, queue); err != ios.OK {
		return err
	}
	go softLoop(queue)
	return ios.OK
}

func softLoop(queue *ios.Queue[*ios.Request]) {
	for {
		req := queue.Receive()
		switch req.Cmd {
		case ios.CmdOpen:
			req.Reply(ios.Error(0))
		case ios.CmdClose:
			req.Reply(ios.OK)
		case ios.CmdIoctlv:
			req.Reply(softIoctlv(&req.Ioctlv))
		default:
			req.Reply(ios.EInvalid)
		}
	}
}

func softIoctlv(args *ios.IoctlvArgs) ios.Error {
	if args.InCount != 1 || args.IOCount != 2 || len(args.Vec) != 3 {
		return ios.EInvalid
	}
	data := args.Vec[0].Data
	ctx := args.Vec[1].Data
	digest := args.Vec[2].Data
	if len(ctx) != ContextSize {
		return ios.EInvalid
	}

	d := sha1.New()
	switch args.Cmd {
	case ioctlvInit:
		// Fresh state.
	case ioctlvContribute, ioctlvFinalize:
		if err := d.(encoding.BinaryUnmarshaler).UnmarshalBinary(ctx); err != nil {
			return ios.EInvalid
		}
	default:
		return ios.EInvalid
	}

	if len(data) > 0 {
		d.Write(data)
	}

	if args.Cmd == ioctlvFinalize {
		if len(digest) != HashSize {
			return ios.EInvalid
		}
		copy(digest, d.Sum(nil))
		return ios.OK
	}

	state, err := d.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil || len(state) > ContextSize {
		return ios.EUnknown
	}
	copy(ctx, state)
	return ios.OK
}
