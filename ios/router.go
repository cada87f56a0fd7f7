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

package ios

import (
	"strings"
	"sync"
)

// RequestQueueDepth is the depth used for resource-manager request queues.
const RequestQueueDepth = 8

// maxOpenHandles bounds the process-wide descriptor table.
const maxOpenHandles = 64

type manager struct {
	path  string
	queue *Queue[*Request]
}

type openHandle struct {
	inUse bool
	mgr   *manager
	local int32
}

// Router is the in-process rendition of the kernel's resource-manager
// registry and IPC dispatch. Services register an alias path plus a bounded
// request queue; calls made through a ResourceCtrl are turned into Request
// records, delivered to the owning queue, and awaited.
//
// Open walks managers in registration order, offering the request to every
// manager whose registered path is a prefix of the requested path; the first
// reply other than ENoExists wins. This mirrors the kernel's open chain and
// is what lets emu-fs decline "/dev/..." paths so they fall through to the
// real filesystem manager.
type Router struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	managers []*manager

	// Descriptor table mapping process-wide handles to (manager, local
	// handle) pairs.
	//
	// GUARDED_BY(mu)
	handles [maxOpenHandles]openHandle

	// Host access-rights table: the packed mask as the kernel consumes it
	// and the registered paths it encodes. Installed once, after the open
	// hook; host-attributed opens of a denied path fail before dispatch.
	//
	// GUARDED_BY(mu)
	ipcMask    []byte
	hostDenied map[string]bool
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// RegisterResourceManager claims a path for the given request queue.
// Registering an already-claimed path returns EExists.
func (rt *Router) RegisterResourceManager(path string, q *Queue[*Request]) Error {
	if path == "" || q == nil {
		return EInvalid
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, m := range rt.managers {
		if m.path == path {
			return EExists
		}
	}
	rt.managers = append(rt.managers, &manager{path: path, queue: q})
	return OK
}

// IPCMaskSize is the wire size of the packed access-rights table.
const IPCMaskSize = 12

// SetIPCAccessRights installs the host access-rights table. mask is the
// packed hash form handed to the kernel; denied names the registered paths
// it encodes, which this rendition enforces on host-attributed opens.
// Installing a second table is refused; rights only ever tighten once.
func (rt *Router) SetIPCAccessRights(mask []byte, denied []string) Error {
	if len(mask) != IPCMaskSize {
		return EInvalid
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.ipcMask != nil {
		return EAccess
	}
	rt.ipcMask = append([]byte(nil), mask...)
	rt.hostDenied = make(map[string]bool, len(denied))
	for _, p := range denied {
		rt.hostDenied[p] = true
	}
	return OK
}

// OpenHost resolves a host-originated open: the access-rights table is
// consulted first, then the request takes the ordinary open chain. The
// emulator's own (privileged) opens use Open and are not subject to it.
func (rt *Router) OpenHost(path string, mode uint32, uid uint32, gid uint16) (int32, Error) {
	rt.mu.Lock()
	deny := rt.hostDenied[path]
	rt.mu.Unlock()
	if deny {
		return int32(EAccess), EAccess
	}
	return rt.Open(path, mode, uid, gid)
}

// Open resolves path to a resource handle, carrying the caller's identity.
func (rt *Router) Open(path string, mode uint32, uid uint32, gid uint16) (int32, Error) {
	rt.mu.Lock()
	candidates := make([]*manager, 0, len(rt.managers))
	for _, m := range rt.managers {
		if strings.HasPrefix(path, m.path) {
			candidates = append(candidates, m)
		}
	}
	rt.mu.Unlock()

	for _, m := range candidates {
		req := NewRequest(CmdOpen)
		req.Open = OpenArgs{Path: path, Mode: mode, UID: uid, GID: gid}
		m.queue.Send(req)
		result := req.Await()
		if result == ENoExists {
			continue
		}
		if result < 0 {
			return int32(result), result
		}
		fd, err := rt.allocHandle(m, int32(result))
		if err != OK {
			// Too many process-wide handles; close the manager-local one.
			rt.dispatchClose(m, int32(result))
			return int32(err), err
		}
		return fd, OK
	}
	return int32(ENoExists), ENoExists
}

// LOCKS_EXCLUDED(rt.mu)
func (rt *Router) allocHandle(m *manager, local int32) (int32, Error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := range rt.handles {
		if !rt.handles[i].inUse {
			rt.handles[i] = openHandle{inUse: true, mgr: m, local: local}
			return int32(i), OK
		}
	}
	return 0, EMax
}

// LOCKS_EXCLUDED(rt.mu)
func (rt *Router) lookup(fd int32) (*manager, int32, Error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if fd < 0 || fd >= maxOpenHandles || !rt.handles[fd].inUse {
		return nil, 0, EInvalid
	}
	return rt.handles[fd].mgr, rt.handles[fd].local, OK
}

func (rt *Router) dispatchClose(m *manager, local int32) Error {
	req := NewRequest(CmdClose)
	req.Handle = local
	m.queue.Send(req)
	return req.Await()
}

// Close releases fd. The descriptor-table slot is freed regardless of the
// manager's reply, matching the kernel.
func (rt *Router) Close(fd int32) Error {
	m, local, err := rt.lookup(fd)
	if err != OK {
		return err
	}
	result := rt.dispatchClose(m, local)

	rt.mu.Lock()
	rt.handles[fd] = openHandle{}
	rt.mu.Unlock()
	return result
}

// ReadAt fills data from the resource. The reply is the byte count or an
// error code.
func (rt *Router) ReadAt(fd int32, data []byte) (int32, Error) {
	return rt.dispatchRW(fd, CmdRead, data)
}

// WriteAt sends data to the resource. The reply is the byte count or an
// error code.
func (rt *Router) WriteAt(fd int32, data []byte) (int32, Error) {
	return rt.dispatchRW(fd, CmdWrite, data)
}

func (rt *Router) dispatchRW(fd int32, cmd Command, data []byte) (int32, Error) {
	m, local, err := rt.lookup(fd)
	if err != OK {
		return int32(err), err
	}
	req := NewRequest(cmd)
	req.Handle = local
	if cmd == CmdRead {
		req.Read.Data = data
	} else {
		req.Write.Data = data
	}
	m.queue.Send(req)
	result := req.Await()
	if result < 0 {
		return int32(result), result
	}
	return int32(result), OK
}

// Seek repositions the resource's file pointer.
func (rt *Router) Seek(fd int32, where int32, whence int32) (int32, Error) {
	m, local, err := rt.lookup(fd)
	if err != OK {
		return int32(err), err
	}
	req := NewRequest(CmdSeek)
	req.Handle = local
	req.Seek = SeekArgs{Where: where, Whence: whence}
	m.queue.Send(req)
	result := req.Await()
	if result < 0 {
		return int32(result), result
	}
	return int32(result), OK
}

// Ioctl issues a single-buffer control request.
func (rt *Router) Ioctl(fd int32, cmd uint32, in []byte, io []byte) Error {
	m, local, err := rt.lookup(fd)
	if err != OK {
		return err
	}
	req := NewRequest(CmdIoctl)
	req.Handle = local
	req.Ioctl = IoctlArgs{Cmd: cmd, In: in, IO: io}
	m.queue.Send(req)
	return req.Await()
}

// Ioctlv issues a vectored control request. The first inCount vectors are
// inputs, the remaining ioCount are outputs.
func (rt *Router) Ioctlv(fd int32, cmd uint32, inCount, ioCount uint32, vec []Vector) Error {
	m, local, err := rt.lookup(fd)
	if err != OK {
		return err
	}
	req := NewRequest(CmdIoctlv)
	req.Handle = local
	req.Ioctlv = IoctlvArgs{Cmd: cmd, InCount: inCount, IOCount: ioCount, Vec: vec}
	m.queue.Send(req)
	return req.Await()
}
