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

	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/isfs"
)

// Attribute stubs reported for replaced files: the backing volume has no
// owner metadata to honour.
const (
	stubOwnerPerm = 3
	stubGroupPerm = 3
	stubOtherPerm = 1
)

func (s *Service) reqIoctl(fd int32, cmd isfs.Ioctl, in []byte, io []byte) ios.Error {
	// File commands first.
	if s.isFileDescriptorValid(fd) {
		if cmd == isfs.IoctlGetFileStats {
			if len(io) < 8 {
				return isfs.Invalid
			}
			slot := &s.files[fd]
			stat := isfs.Stat{Size: slot.file.Size(), Pos: slot.file.Tell()}
			ios.WordMemcpy(io, stat.Marshal())
			return isfs.OK
		}
		logger.Errorf("emufs: unknown file ioctl %#x", uint32(cmd))
		return isfs.Invalid
	}

	m := s.manager(fd)
	if m == nil {
		return isfs.Invalid
	}

	switch cmd {
	case isfs.IoctlFormat:
		// A command to erase the internal storage. Not on this watch.
		logger.Errorf("emufs: refusing Format")
		return isfs.NoAccess

	case isfs.IoctlCreateDir:
		return s.mgrCreate(m, cmd, in, io, func(vol *fat.FS, path string) error {
			return vol.Mkdir(path)
		})

	case isfs.IoctlCreateFile:
		return s.mgrCreate(m, cmd, in, io, func(vol *fat.FS, path string) error {
			f, err := vol.OpenFile(path, fat.ModeRead|fat.ModeWrite|fat.ModeCreateNew)
			if err != nil {
				return err
			}
			if err := f.SyncFile(); err != nil {
				return err
			}
			// Cache the object for the open that usually follows.
			if fd := s.findAvailableFileDescriptor(); fd >= 0 {
				slot := &s.files[fd]
				slot.ipcFile = true
				slot.isDir = false
				slot.path = s.lastCreatedPath
				slot.drive = replacedDrive
				slot.file = f
				slot.opened = true
				return nil
			}
			return f.Close()
		})

	case isfs.IoctlSetAttr:
		block, errc := isfs.ParseAttrBlock(in)
		if errc != isfs.OK {
			return errc
		}
		if !isfs.ValidPath(block.Path) {
			return isfs.Invalid
		}
		if !s.isReplacedPath(block.Path) {
			return m.real.Ioctl(cmd, in, io)
		}
		// Attributes are stubbed; existence is the only thing to verify.
		return s.statReplaced(block.Path)

	case isfs.IoctlGetAttr:
		if len(in) < isfs.MaxPath || len(io) < isfs.AttrBlockSize {
			return isfs.Invalid
		}
		path := isfs.CString(in[:isfs.MaxPath])
		if !isfs.ValidPath(path) {
			return isfs.Invalid
		}
		if !s.isReplacedPath(path) {
			return m.real.Ioctl(cmd, in, io)
		}
		if ret := s.statReplaced(path); ret != isfs.OK {
			return ret
		}
		block := isfs.AttrBlock{
			OwnerID:   m.uid,
			GroupID:   m.gid,
			Path:      path,
			OwnerPerm: stubOwnerPerm,
			GroupPerm: stubGroupPerm,
			OtherPerm: stubOtherPerm,
		}
		ios.WordMemcpy(io, block.Marshal())
		return isfs.OK

	case isfs.IoctlDelete:
		if len(in) < isfs.MaxPath {
			return isfs.Invalid
		}
		path := isfs.CString(in[:isfs.MaxPath])
		if !isfs.ValidPath(path) {
			return isfs.Invalid
		}
		if s.cfg.IsProtectedPath(path) {
			return isfs.NoAccess
		}
		if !s.isReplacedPath(path) {
			return m.real.Ioctl(cmd, in, io)
		}
		return s.deleteReplaced(path)

	case isfs.IoctlRename:
		return s.mgrRename(m, in, io)

	case isfs.IoctlShutdown:
		// Callers use this to drain in-flight work before shutdown; the
		// single-threaded handler is drained by construction.
		return isfs.OK

	default:
		logger.Errorf("emufs: unknown manager ioctl %#x", uint32(cmd))
		return isfs.Invalid
	}
}

func (s *Service) mgrCreate(m *mgrHandle, cmd isfs.Ioctl, in []byte, io []byte,
	op func(vol *fat.FS, path string) error) ios.Error {

	block, errc := isfs.ParseAttrBlock(in)
	if errc != isfs.OK {
		return errc
	}
	if !isfs.ValidPath(block.Path) {
		return isfs.Invalid
	}
	if s.cfg.IsProtectedPath(block.Path) {
		return isfs.NoAccess
	}
	if !s.isReplacedPath(block.Path) {
		return m.real.Ioctl(cmd, in, io)
	}

	efsPath, errc := s.translatePath(block.Path)
	if errc != isfs.OK {
		return errc
	}
	vol, errc := s.backingVolume()
	if errc != isfs.OK {
		return errc
	}
	s.lastCreatedPath = block.Path
	if err := op(vol, efsPath); err != nil {
		logger.Errorf("emufs: %v on %q failed: %v", cmd, efsPath, err)
		return isfs.FromFAT(err)
	}
	return isfs.OK
}

func (s *Service) statReplaced(path string) ios.Error {
	efsPath, errc := s.translatePath(path)
	if errc != isfs.OK {
		return errc
	}
	vol, errc := s.backingVolume()
	if errc != isfs.OK {
		return errc
	}
	if _, err := vol.Stat(efsPath); err != nil {
		return isfs.FromFAT(err)
	}
	return isfs.OK
}

func (s *Service) deleteReplaced(path string) ios.Error {
	// A cached object holding the file must be fully closed first; an
	// in-use one blocks the delete.
	if fd := s.findOpenFileDescriptor(path); fd != replacedHandleNum {
		if ret := s.tryCloseFileDescriptor(fd); ret != isfs.OK {
			return ret
		}
	}
	efsPath, errc := s.translatePath(path)
	if errc != isfs.OK {
		return errc
	}
	vol, errc := s.backingVolume()
	if errc != isfs.OK {
		return errc
	}
	if err := vol.Remove(efsPath); err != nil {
		logger.Errorf("emufs: delete %q failed: %v", efsPath, err)
		return isfs.FromFAT(err)
	}
	return isfs.OK
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func (s *Service) mgrRename(m *mgrHandle, in []byte, io []byte) ios.Error {
	block, errc := isfs.ParseRenameBlock(in)
	if errc != isfs.OK {
		return errc
	}
	oldPath, newPath := block.PathOld, block.PathNew
	logger.Tracef("emufs: rename %q -> %q", oldPath, newPath)

	if !isfs.ValidPath(oldPath) || !isfs.ValidPath(newPath) {
		return isfs.Invalid
	}
	if s.cfg.IsProtectedPath(oldPath) || s.cfg.IsProtectedPath(newPath) {
		return isfs.NoAccess
	}

	oldReplaced := s.isReplacedPath(oldPath)
	newReplaced := s.isReplacedPath(newPath)

	if !oldReplaced && !newReplaced {
		return m.real.Ioctl(isfs.IoctlRename, in, io)
	}

	if !oldReplaced && newReplaced {
		return s.renameFromHostFS(m, oldPath, newPath)
	}

	if oldReplaced != newReplaced {
		// FAT to host-fs is not supported.
		return isfs.Invalid
	}

	// Both replaced: a plain FAT rename.
	vol, errc := s.backingVolume()
	if errc != isfs.OK {
		return errc
	}
	efsOld, errc := s.translatePath(oldPath)
	if errc != isfs.OK {
		return errc
	}
	efsNew, errc := s.translatePath(newPath)
	if errc != isfs.OK {
		return errc
	}
	if err := vol.Rename(efsOld, efsNew); err != nil {
		logger.Errorf("emufs: rename %q -> %q failed: %v", efsOld, efsNew, err)
		return isfs.FromFAT(err)
	}
	return isfs.OK
}

// renameFromHostFS implements the host-fs-to-FAT direction as copy then
// delete, streaming through the 8 KB buffer. The delete is restricted to
// /tmp; anything else on the host fs is not ours to consume.
func (s *Service) renameFromHostFS(m *mgrHandle, oldPath, newPath string) ios.Error {
	vol, errc := s.backingVolume()
	if errc != isfs.OK {
		return errc
	}
	efsNew, errc := s.translatePath(newPath)
	if errc != isfs.OK {
		return errc
	}

	var ret ios.Error
	if fd := s.findOpenFileDescriptor(newPath); fd != replacedHandleNum {
		// Destination is cached open: truncate in place and stream into it.
		slot := &s.files[fd]
		if slot.inUse {
			return isfs.Locked
		}
		if err := slot.file.Seek(0); err != nil {
			return isfs.FromFAT(err)
		}
		if err := slot.file.Truncate(); err != nil {
			return isfs.FromFAT(err)
		}
		ret = s.copyFromHostFS(oldPath, slot.file)
		if err := slot.file.SyncFile(); err != nil {
			return isfs.FromFAT(err)
		}
	} else {
		dst, err := vol.OpenFile(efsNew, fat.ModeWrite|fat.ModeCreateAlways)
		if err != nil {
			return isfs.FromFAT(err)
		}
		ret = s.copyFromHostFS(oldPath, dst)
		if err := dst.Close(); err != nil {
			return isfs.FromFAT(err)
		}
	}
	if ret != isfs.OK {
		return ret
	}

	return m.real.Delete(oldPath)
}

func (s *Service) copyFromHostFS(hostPath string, dst *fat.File) ios.Error {
	if !strings.HasPrefix(hostPath, "/tmp") {
		logger.Errorf("emufs: refusing rename source outside /tmp")
		return isfs.NoAccess
	}

	src, err := isfs.OpenFile(s.rt, hostPath, ios.ModeRead)
	if err != ios.OK {
		logger.Errorf("emufs: failed to open host file %q: %d", hostPath, err)
		return err
	}
	defer src.Close()

	size, err := src.Size()
	if err != ios.OK {
		return err
	}

	for pos := uint32(0); pos < size; pos += copyBufferLen {
		chunk := size - pos
		if chunk > copyBufferLen {
			chunk = copyBufferLen
		}
		n, err := src.Read(s.copyBuffer[:chunk])
		if err != ios.OK {
			return err
		}
		if uint32(n) != chunk {
			logger.Errorf("emufs: short host read: %d != %d", n, chunk)
			return isfs.Unknown
		}
		w, werr := dst.Write(s.copyBuffer[:chunk])
		if werr != nil || uint32(w) != chunk {
			logger.Errorf("emufs: copy write failed: %v", werr)
			if werr != nil {
				return isfs.FromFAT(werr)
			}
			return isfs.Unknown
		}
	}
	return isfs.OK
}
