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

// Package emufs impersonates the internal filesystem. A curated set of
// paths is served from FAT storage; every other request is reissued against
// the real filesystem and its reply passed through untouched.
//
// The internal storage interface has two halves: files, opened directly by
// path and driven with read/write/seek plus one ioctl; and the manager
// device, which takes ioctl commands for namespace operations. The emulator
// claims both, plus a direct-access device for non-isfs passthrough to FAT.
package emufs

import (
	"strings"

	"github.com/team-saoirse/saoirse/cfg"
	"github.com/team-saoirse/saoirse/disk"
	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/isfs"
)

// AliasPath is the rewritten-open alias: the kernel hook substitutes the
// leading separator of host-originated opens.
const AliasPath = "$"

// DirectPath is the direct FAT access device.
const DirectPath = "/dev/saoirse/file"

// replacedDrive is the volume replaced files live on.
const replacedDrive = disk.DevSDCard

// copyBufferLen sizes the streaming buffer of the cross-boundary rename.
const copyBufferLen = 0x2000

// Service is the emulated filesystem. It runs on one thread; every FAT call
// is serialized by construction.
type Service struct {
	queue *ios.Queue[*ios.Request]
	rt    *ios.Router
	cfg   *cfg.Config
	mgr   *disk.DeviceMgr
	ready func()

	files    [replacedHandleNum]proxyFile
	directs  [directHandleNum]directFile
	forwards [realHandleNum]*ios.ResourceCtrl
	managers [mgrHandleNum]mgrHandle

	copyBuffer [copyBufferLen]byte

	// lastCreatedPath carries the host path between mgrCreate and its
	// CreateFile callback; single-threaded by construction.
	lastCreatedPath string
}

// New wires the service.
func New(rt *ios.Router, config *cfg.Config, mgr *disk.DeviceMgr, ready func()) *Service {
	s := &Service{
		queue: ios.NewQueue[*ios.Request](ios.RequestQueueDepth),
		rt:    rt,
		cfg:   config,
		mgr:   mgr,
		ready: ready,
	}
	for i := range s.directs {
		s.directs[i].fd = int32(isfs.NotFound)
	}
	mgr.OnUnmount(func(kind disk.DeviceKind) {
		// Runs on the device-manager thread; the slot tables belong to this
		// service's thread, so route the eject through the request queue.
		// No reply is awaited: the service thread may not be running yet.
		req := ios.NewRequest(cmdInternalEject)
		req.Handle = int32(kind)
		if !s.queue.TrySend(req) {
			logger.Warnf("emufs: eject notification dropped, queue full")
		}
	})
	return s
}

// cmdInternalEject is the private queue message the device manager uses to
// force slots closed on eject.
const cmdInternalEject ios.Command = 0x100

// Register claims both alias roots on the router.
func (s *Service) Register(rt *ios.Router) ios.Error {
	if err := rt.RegisterResourceManager(AliasPath, s.queue); err != ios.OK {
		return err
	}
	return rt.RegisterResourceManager(DirectPath, s.queue)
}

// Run serves requests forever.
func (s *Service) Run() {
	if s.ready != nil {
		s.ready()
	}
	for {
		req := s.queue.Receive()
		if req.Cmd == cmdInternalEject {
			s.forceCloseVolume(disk.DeviceKind(req.Handle))
			req.Reply(ios.OK)
			continue
		}
		req.Reply(s.dispatch(req))
	}
}

func (s *Service) dispatch(req *ios.Request) ios.Error {
	fd := req.Handle

	if req.Cmd != ios.CmdOpen && descriptorType(fd) == descReal {
		return s.forwardRequest(req)
	}

	// Direct handles alias their attached replaced-file slot for plain file
	// commands.
	if req.Cmd != ios.CmdOpen && descriptorType(fd) == descDirect {
		switch req.Cmd {
		case ios.CmdRead, ios.CmdWrite, ios.CmdSeek, ios.CmdIoctl:
			d := &s.directs[fd-directHandleBase]
			if !d.inUse || !s.isFileDescriptorValid(d.fd) {
				logger.Errorf("emufs: use of unattached direct handle %d", fd)
				return isfs.Invalid
			}
			fd = d.fd
		}
	}

	switch req.Cmd {
	case ios.CmdOpen:
		return s.reqOpen(req)
	case ios.CmdClose:
		return s.reqClose(req.Handle)
	case ios.CmdRead:
		return s.reqRead(fd, req.Read.Data)
	case ios.CmdWrite:
		return s.reqWrite(fd, req.Write.Data)
	case ios.CmdSeek:
		return s.reqSeek(fd, req.Seek.Where, req.Seek.Whence)
	case ios.CmdIoctl:
		return s.reqIoctl(fd, isfs.Ioctl(req.Ioctl.Cmd), req.Ioctl.In, req.Ioctl.IO)
	case ios.CmdIoctlv:
		return s.reqIoctlv(req.Handle, isfs.Ioctl(req.Ioctlv.Cmd),
			req.Ioctlv.InCount, req.Ioctlv.IOCount, req.Ioctlv.Vec)
	default:
		logger.Errorf("emufs: unknown command %v", req.Cmd)
		return isfs.Invalid
	}
}

////////////////////////////////////////////////////////////////////////
// Open and close
////////////////////////////////////////////////////////////////////////

func (s *Service) reqOpen(req *ios.Request) ios.Error {
	path := req.Open.Path

	if strings.HasPrefix(path, AliasPath) {
		// Rewritten host open; the hook replaced the leading separator.
		return s.openAliased("/"+path[len(AliasPath):], req)
	}

	if path != DirectPath {
		return ios.ENoExists
	}

	// Direct-access device: hand out an unattached direct handle.
	for i := range s.directs {
		if !s.directs[i].inUse {
			s.directs[i].inUse = true
			s.directs[i].fd = int32(isfs.NotFound)
			return ios.Error(directHandleBase + int32(i))
		}
	}
	return isfs.MaxOpen
}

func (s *Service) openAliased(path string, req *ios.Request) ios.Error {
	logger.Tracef("emufs: open %q mode %#x", path, req.Open.Mode)

	if path == isfs.DevicePath {
		return s.openManager(req)
	}

	if strings.HasPrefix(path, "/dev") {
		// Another device; fall through to the chain.
		return ios.ENoExists
	}

	if s.isReplacedPath(path) {
		return ios.Error(s.proxyOpen(path, req.Open.Mode))
	}

	// Re-open under the real filesystem; the reply, error or handle, is the
	// real service's.
	logger.Tracef("emufs: forwarding open of %q to real fs", path)
	for i := range s.forwards {
		if s.forwards[i] != nil {
			continue
		}
		rc, err := ios.OpenResourceAs(s.rt, path, req.Open.Mode, req.Open.UID, req.Open.GID)
		if err != ios.OK {
			return err
		}
		s.forwards[i] = rc
		return ios.Error(realHandleBase + int32(i))
	}
	return isfs.MaxOpen
}

// openManager opens the real manager while asserting the caller's identity,
// and records the handle in an M slot.
func (s *Service) openManager(req *ios.Request) ios.Error {
	slot := -1
	for i := range s.managers {
		if s.managers[i].real == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return isfs.MaxOpen
	}

	logger.Tracef("emufs: open /dev/fs for uid %08x gid %04x", req.Open.UID, req.Open.GID)
	client, err := isfs.OpenClient(s.rt, req.Open.UID, req.Open.GID)
	if err != ios.OK {
		logger.Errorf("emufs: real /dev/fs open failed: %d", err)
		return err
	}
	s.managers[slot] = mgrHandle{real: client, uid: req.Open.UID, gid: req.Open.GID}
	return ios.Error(mgrHandleBase + int32(slot))
}

func (s *Service) isReplacedPath(path string) bool {
	return isfs.ValidPath(path) && s.cfg.IsReplacedPath(path)
}

// proxyOpen serves an open of a replaced path from the backing volume.
func (s *Service) proxyOpen(path string, mode uint32) isfs.Error {
	if mode > ios.ModeRW {
		return isfs.Invalid
	}
	efsPath, errc := s.translatePath(path)
	if errc != isfs.OK {
		return errc
	}
	vol, errc := s.backingVolume()
	if errc != isfs.OK {
		return errc
	}

	fd := s.registerFileDescriptor(path)
	if fd < 0 {
		logger.Errorf("emufs: could not register descriptor: %d", fd)
		return isfs.Error(fd)
	}
	slot := &s.files[fd]
	slot.mode = mode
	slot.drive = replacedDrive

	if slot.opened {
		// Cached object; rewind instead of reopening.
		if err := slot.file.Seek(0); err != nil {
			s.freeFileDescriptor(fd)
			return isfs.FromFAT(err)
		}
		return isfs.Error(fd)
	}

	f, err := vol.OpenFile(efsPath, fat.ModeRead|fat.ModeWrite)
	if err != nil {
		logger.Tracef("emufs: open %q failed: %v", efsPath, err)
		s.freeFileDescriptor(fd)
		return isfs.FromFAT(err)
	}
	slot.file = f
	slot.opened = true
	logger.Tracef("emufs: opened %q (fd=%d mode=%d)", efsPath, fd, mode)
	return isfs.Error(fd)
}

func (s *Service) reqClose(fd int32) ios.Error {
	switch descriptorType(fd) {
	case descManager:
		m := s.manager(fd)
		if m == nil {
			return isfs.Invalid
		}
		ret := m.real.Close()
		s.managers[fd-mgrHandleBase] = mgrHandle{}
		return ret

	case descReal:
		rc := s.forwards[fd-realHandleBase]
		if rc == nil {
			return isfs.Invalid
		}
		ret := rc.Close()
		s.forwards[fd-realHandleBase] = nil
		return ret

	case descDirect:
		d := &s.directs[fd-directHandleBase]
		if !d.inUse {
			return ios.OK
		}
		realFd := d.fd
		d.inUse = false
		d.fd = int32(isfs.NotFound)

		if realFd < 0 || realFd >= replacedHandleNum {
			return ios.OK
		}
		slot := &s.files[realFd]
		if slot.isDir {
			slot.inUse = false
			s.dropSlotObject(slot)
			return ios.OK
		}
		if !s.isFileDescriptorValid(realFd) {
			return isfs.Invalid
		}
		// Direct files close fully; there is no reopen cache for them.
		if err := slot.file.Close(); err != nil {
			logger.Errorf("emufs: direct close failed: %v", err)
			return isfs.Unknown
		}
		s.dropSlotObject(slot)
		s.freeFileDescriptor(realFd)
		return ios.OK

	case descReplaced:
		if !s.isFileDescriptorValid(fd) && !s.isDirDescriptorValid(fd) {
			return isfs.Invalid
		}
		slot := &s.files[fd]
		if !slot.isDir {
			if err := slot.file.SyncFile(); err != nil {
				logger.Errorf("emufs: sync on close failed: %v", err)
				return isfs.Unknown
			}
		}
		// The object stays cached for reopen.
		s.freeFileDescriptor(fd)
		return ios.OK

	default:
		return isfs.Invalid
	}
}

////////////////////////////////////////////////////////////////////////
// File I/O
////////////////////////////////////////////////////////////////////////

func (s *Service) reqRead(fd int32, data []byte) ios.Error {
	if !s.isFileDescriptorValid(fd) {
		return isfs.Invalid
	}
	if len(data) == 0 {
		return isfs.OK
	}
	slot := &s.files[fd]
	if slot.mode&ios.ModeRead == 0 {
		return isfs.NoAccess
	}
	n, err := slot.file.Read(data)
	if err != nil {
		logger.Errorf("emufs: read %d bytes from fd %d failed: %v", len(data), fd, err)
		return isfs.FromFAT(err)
	}
	return ios.Error(n)
}

func (s *Service) reqWrite(fd int32, data []byte) ios.Error {
	if !s.isFileDescriptorValid(fd) {
		return isfs.Invalid
	}
	if len(data) == 0 {
		return isfs.OK
	}
	slot := &s.files[fd]
	if slot.mode&ios.ModeWrite == 0 {
		return isfs.NoAccess
	}
	n, err := slot.file.Write(data)
	if err != nil {
		logger.Errorf("emufs: write %d bytes to fd %d failed: %v", len(data), fd, err)
		return isfs.FromFAT(err)
	}
	return ios.Error(n)
}

func (s *Service) reqSeek(fd int32, where int32, whence int32) ios.Error {
	if !s.isFileDescriptorValid(fd) {
		return isfs.Invalid
	}
	slot := &s.files[fd]
	pos := int64(slot.file.Tell())
	end := int64(slot.file.Size())

	var base int64
	switch whence {
	case ios.SeekSet:
		base = 0
	case ios.SeekCur:
		base = pos
	case ios.SeekEnd:
		base = end
	default:
		return isfs.Invalid
	}

	offset := base + int64(where)
	if offset < 0 || offset > end {
		return isfs.Invalid
	}
	if offset == pos {
		return ios.Error(offset)
	}
	if err := slot.file.Seek(uint32(offset)); err != nil {
		logger.Errorf("emufs: seek to %#x on fd %d failed: %v", offset, fd, err)
		return isfs.FromFAT(err)
	}
	return ios.Error(offset)
}

////////////////////////////////////////////////////////////////////////
// Forwarded (F-range) commands
////////////////////////////////////////////////////////////////////////

func (s *Service) forwardRequest(req *ios.Request) ios.Error {
	rc := s.forwards[req.Handle-realHandleBase]
	if rc == nil {
		return isfs.Invalid
	}
	switch req.Cmd {
	case ios.CmdClose:
		ret := rc.Close()
		s.forwards[req.Handle-realHandleBase] = nil
		return ret
	case ios.CmdRead:
		n, err := rc.Read(req.Read.Data)
		if err != ios.OK {
			return err
		}
		return ios.Error(n)
	case ios.CmdWrite:
		n, err := rc.Write(req.Write.Data)
		if err != ios.OK {
			return err
		}
		return ios.Error(n)
	case ios.CmdSeek:
		n, err := rc.Seek(req.Seek.Where, req.Seek.Whence)
		if err != ios.OK {
			return err
		}
		return ios.Error(n)
	case ios.CmdIoctl:
		return rc.Ioctl(req.Ioctl.Cmd, req.Ioctl.In, req.Ioctl.IO)
	case ios.CmdIoctlv:
		return rc.Ioctlv(req.Ioctlv.Cmd, req.Ioctlv.InCount, req.Ioctlv.IOCount, req.Ioctlv.Vec)
	default:
		return isfs.Invalid
	}
}
