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

package emufs

import (
	"strings"

	"github.com/team-saoirse/saoirse/disk"
	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/isfs"
)

// The descriptor space is partitioned so the handler can classify a request
// from the handle alone. The partitioning never changes at runtime.
//
//	  0 ..  14  replaced files (R)
//	100 .. 114  real-file forwards (F)
//	200 .. 231  manager handles (M)
//	300 .. 314  direct-file handles (D)
const (
	replacedHandleBase = 0
	replacedHandleNum  = isfs.MaxOpenFiles

	realHandleBase = 100
	realHandleNum  = isfs.MaxOpenFiles

	mgrHandleBase = 200
	mgrHandleNum  = 32

	directHandleBase = 300
	directHandleNum  = isfs.MaxOpenFiles
)

type descType int

const (
	descReplaced descType = iota
	descReal
	descManager
	descDirect
	descUnknown
)

func descriptorType(fd int32) descType {
	switch {
	case fd >= replacedHandleBase && fd < replacedHandleBase+replacedHandleNum:
		return descReplaced
	case fd >= realHandleBase && fd < realHandleBase+realHandleNum:
		return descReal
	case fd >= mgrHandleBase && fd < mgrHandleBase+mgrHandleNum:
		return descManager
	case fd >= directHandleBase && fd < directHandleBase+directHandleNum:
		return descDirect
	default:
		return descUnknown
	}
}

// proxyFile is one replaced-file slot. The FAT object outlives close: a
// reopen of the same path rewinds the cached object instead of walking the
// directory tree again.
//
// INVARIANT: inUse implies opened.
// INVARIANT: opened implies file/dir references a currently mounted volume.
type proxyFile struct {
	ipcFile bool
	inUse   bool
	opened  bool
	path    string
	mode    uint32
	isDir   bool
	drive   disk.DeviceKind

	file *fat.File
	dir  *fat.Dir
}

// directFile maps a direct handle to the replaced-file slot it attached via
// Direct_Open, or isfs.NotFound before that.
type directFile struct {
	inUse bool
	fd    int32
}

// mgrHandle is one open manager handle with the caller identity captured at
// open time.
type mgrHandle struct {
	real *isfs.Client
	uid  uint32
	gid  uint16
}

func (s *Service) isFileDescriptorValid(fd int32) bool {
	if fd < replacedHandleBase || fd >= replacedHandleBase+replacedHandleNum {
		return false
	}
	slot := &s.files[fd-replacedHandleBase]
	return slot.inUse && !slot.isDir
}

func (s *Service) isDirDescriptorValid(fd int32) bool {
	if fd < replacedHandleBase || fd >= replacedHandleBase+replacedHandleNum {
		return false
	}
	slot := &s.files[fd-replacedHandleBase]
	return slot.inUse && slot.isDir
}

func (s *Service) manager(fd int32) *mgrHandle {
	if fd < mgrHandleBase || fd >= mgrHandleBase+mgrHandleNum {
		return nil
	}
	m := &s.managers[fd-mgrHandleBase]
	if m.real == nil {
		return nil
	}
	return m
}

// registerFileDescriptor claims a replaced-file slot for path. A slot whose
// cached object already holds the path is reused; otherwise the
// least-valuable free slot (preferring ones with no cached object) is
// recycled.
func (s *Service) registerFileDescriptor(path string) int32 {
	match := 0
	for i := range s.files {
		slot := &s.files[i]
		if slot.opened && slot.ipcFile && slot.path == path {
			if slot.inUse {
				return int32(isfs.Locked)
			}
			slot.inUse = true
			return int32(i)
		}
		if !slot.inUse && s.files[match].inUse {
			match = i
		}
		if !slot.opened && s.files[match].opened {
			match = i
		}
	}

	if s.files[match].inUse {
		return int32(isfs.MaxOpen)
	}

	slot := &s.files[match]
	if slot.opened {
		s.dropSlotObject(slot)
	}
	slot.opened = false
	slot.inUse = true
	slot.ipcFile = true
	slot.isDir = false
	slot.path = path
	return int32(match)
}

// findAvailableFileDescriptor picks a slot for a direct open, recycling a
// cached object if every slot carries one.
func (s *Service) findAvailableFileDescriptor() int32 {
	match := 0
	for i := range s.files {
		if !s.files[i].inUse && s.files[match].inUse {
			match = i
		}
		if !s.files[i].opened && s.files[match].opened {
			match = i
		}
	}
	if s.files[match].inUse {
		return int32(isfs.MaxOpen)
	}
	if s.files[match].opened {
		s.dropSlotObject(&s.files[match])
	}
	return int32(match)
}

// findOpenFileDescriptor locates a slot whose cached object holds path, or
// returns replacedHandleNum.
func (s *Service) findOpenFileDescriptor(path string) int32 {
	for i := range s.files {
		if s.files[i].opened && s.files[i].path == path {
			return int32(i)
		}
	}
	return replacedHandleNum
}

// tryCloseFileDescriptor fully closes a cached object so its backing file
// can be deleted. In-use slots refuse.
func (s *Service) tryCloseFileDescriptor(fd int32) isfs.Error {
	slot := &s.files[fd]
	if slot.inUse {
		return isfs.Locked
	}
	if !slot.opened {
		return isfs.OK
	}
	if !slot.isDir && slot.file != nil {
		if err := slot.file.Close(); err != nil {
			logger.Errorf("emufs: failed to close cached file: %v", err)
			return isfs.FromFAT(err)
		}
	}
	s.dropSlotObject(slot)
	return isfs.OK
}

func (s *Service) dropSlotObject(slot *proxyFile) {
	slot.opened = false
	slot.file = nil
	slot.dir = nil
}

// forceCloseVolume invalidates every slot whose object lives on an ejected
// volume; the objects are gone with the medium.
func (s *Service) forceCloseVolume(kind disk.DeviceKind) {
	for i := range s.files {
		slot := &s.files[i]
		if slot.opened && slot.drive == kind {
			slot.inUse = false
			s.dropSlotObject(slot)
		}
	}
}

// freeFileDescriptor releases an in-use slot, keeping the cached object.
func (s *Service) freeFileDescriptor(fd int32) {
	if fd < 0 || fd >= replacedHandleNum {
		return
	}
	s.files[fd].inUse = false
}

////////////////////////////////////////////////////////////////////////
// Path handling
////////////////////////////////////////////////////////////////////////

// translatePath maps a replaced host-fs path onto the backing volume:
// "/title/..." becomes drive 0's "/title/...".
func (s *Service) translatePath(path string) (string, isfs.Error) {
	if !isfs.ValidPath(path) {
		return "", isfs.Invalid
	}
	logger.Tracef("emufs: replaced file path %q", path)
	return path, isfs.OK
}

// backingVolume returns the volume replaced files live on.
func (s *Service) backingVolume() (*fat.FS, isfs.Error) {
	vol := s.mgr.Volume(replacedDrive)
	if vol == nil {
		return nil, isfs.NotReady
	}
	return vol, isfs.OK
}

// parseDrivePath splits an optional "N:" drive prefix off a direct-access
// path.
func parseDrivePath(path string) (disk.DeviceKind, string, bool) {
	if len(path) >= 2 && path[1] == ':' && path[0] >= '0' && path[0] <= '9' {
		kind := disk.DeviceKind(path[0] - '0')
		if kind >= disk.DeviceCount {
			return 0, "", false
		}
		rest := path[2:]
		if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		return kind, rest, true
	}
	if strings.HasPrefix(path, "/") {
		return replacedDrive, path, true
	}
	return 0, "", false
}
