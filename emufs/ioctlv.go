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
	"encoding/binary"

	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/isfs"
)

func (s *Service) reqIoctlv(fd int32, cmd isfs.Ioctl, inCount, ioCount uint32, vec []ios.Vector) ios.Error {
	if inCount >= 32 || ioCount >= 32 || uint32(len(vec)) != inCount+ioCount {
		return isfs.Invalid
	}

	if descriptorType(fd) == descDirect {
		return s.directIoctlv(fd, cmd, inCount, ioCount, vec)
	}

	m := s.manager(fd)
	if m == nil {
		return isfs.Invalid
	}

	switch cmd {
	case isfs.IoctlReadDir:
		return s.mgrReadDir(m, inCount, ioCount, vec)

	case isfs.IoctlGetUsage:
		return m.real.Ioctlv(cmd, inCount, ioCount, vec)

	default:
		logger.Errorf("emufs: unknown manager ioctlv %#x", uint32(cmd))
		return isfs.Invalid
	}
}

////////////////////////////////////////////////////////////////////////
// Direct access
////////////////////////////////////////////////////////////////////////

func (s *Service) directIoctlv(fd int32, cmd isfs.Ioctl, inCount, ioCount uint32, vec []ios.Vector) ios.Error {
	d := &s.directs[fd-directHandleBase]

	switch cmd {
	case isfs.IoctlDirectOpen:
		if inCount != 2 || ioCount != 0 {
			logger.Errorf("emufs: Direct_Open wrong vector count")
			return isfs.Invalid
		}
		if len(vec[0].Data) < 1 || len(vec[0].Data) > 256 {
			return isfs.Invalid
		}
		if len(vec[1].Data) != 4 || vec[1].Misaligned {
			return isfs.Invalid
		}
		path, ok := terminated(vec[0].Data)
		if !ok {
			logger.Errorf("emufs: Direct_Open path does not terminate")
			return isfs.Invalid
		}
		if d.fd != int32(isfs.NotFound) {
			logger.Errorf("emufs: Direct_Open on attached handle")
			return isfs.Invalid
		}
		mode := binary.BigEndian.Uint32(vec[1].Data)
		realFd := s.directOpen(path, mode)
		if realFd < 0 {
			return ios.Error(realFd)
		}
		d.inUse = true
		d.fd = realFd
		return isfs.OK

	case isfs.IoctlDirectDirOpen:
		if inCount != 1 || ioCount != 0 {
			logger.Errorf("emufs: Direct_DirOpen wrong vector count")
			return isfs.Invalid
		}
		if len(vec[0].Data) < 1 || len(vec[0].Data) > 256 {
			return isfs.Invalid
		}
		path, ok := terminated(vec[0].Data)
		if !ok {
			return isfs.Invalid
		}
		if d.fd != int32(isfs.NotFound) {
			return isfs.Invalid
		}
		realFd := s.directOpenDir(path)
		if realFd < 0 {
			return ios.Error(realFd)
		}
		d.inUse = true
		d.fd = realFd
		return isfs.OK

	case isfs.IoctlDirectDirNext:
		if inCount != 0 || ioCount != 1 {
			logger.Errorf("emufs: Direct_DirNext wrong vector count")
			return isfs.Invalid
		}
		if len(vec[0].Data) != isfs.DirectStatSize {
			return isfs.Invalid
		}
		return s.directDirNext(d, &vec[0])

	default:
		logger.Errorf("emufs: unknown direct ioctlv %#x", uint32(cmd))
		return isfs.Invalid
	}
}

func terminated(data []byte) (string, bool) {
	for i, c := range data {
		if c == 0 {
			return string(data[:i]), true
		}
	}
	return "", false
}

// directOpen opens an arbitrary FAT file (with drive prefix) into a
// replaced-file slot.
func (s *Service) directOpen(path string, mode uint32) int32 {
	drive, volPath, ok := parseDrivePath(path)
	if !ok {
		return int32(isfs.Invalid)
	}
	vol := s.mgr.Volume(drive)
	if vol == nil {
		return int32(isfs.NotReady)
	}

	fd := s.findAvailableFileDescriptor()
	if fd < 0 {
		logger.Errorf("emufs: no free descriptor for direct open")
		return fd
	}
	slot := &s.files[fd]
	slot.inUse = false
	s.dropSlotObject(slot)
	slot.path = ""

	var fmode fat.OpenMode
	if mode&ios.ModeRead != 0 {
		fmode |= fat.ModeRead
	}
	if mode&ios.ModeWrite != 0 {
		fmode |= fat.ModeWrite
	}
	f, err := vol.OpenFile(volPath, fmode)
	if err != nil {
		logger.Errorf("emufs: direct open %q failed: %v", path, err)
		return int32(isfs.FromFAT(err))
	}

	slot.mode = mode
	slot.inUse = true
	slot.isDir = false
	slot.ipcFile = false
	slot.drive = drive
	slot.file = f
	slot.opened = true
	logger.Tracef("emufs: direct opened %q (fd=%d mode=%d)", path, fd, mode)
	return fd
}

// directOpenDir opens a FAT directory iterator into a replaced-file slot.
func (s *Service) directOpenDir(path string) int32 {
	drive, volPath, ok := parseDrivePath(path)
	if !ok {
		return int32(isfs.Invalid)
	}
	vol := s.mgr.Volume(drive)
	if vol == nil {
		return int32(isfs.NotReady)
	}

	fd := s.findAvailableFileDescriptor()
	if fd < 0 {
		return fd
	}
	slot := &s.files[fd]
	slot.inUse = false
	s.dropSlotObject(slot)

	dir, err := vol.OpenDir(volPath)
	if err != nil {
		logger.Errorf("emufs: direct dir open %q failed: %v", path, err)
		return int32(isfs.FromFAT(err))
	}

	slot.inUse = true
	slot.isDir = true
	slot.ipcFile = false
	slot.drive = drive
	slot.dir = dir
	slot.opened = true
	slot.path = ""
	return fd
}

func (s *Service) directDirNext(d *directFile, out *ios.Vector) ios.Error {
	// Zero the stat up front; an empty name is the end-of-directory signal.
	zero := make([]byte, isfs.DirectStatSize)
	ios.CopyToVector(out, zero)

	if !d.inUse || d.fd == int32(isfs.NotFound) {
		logger.Errorf("emufs: Direct_DirNext on unattached handle")
		return isfs.Invalid
	}
	if !s.isDirDescriptorValid(d.fd) {
		logger.Errorf("emufs: Direct_DirNext target is not a directory")
		return isfs.Invalid
	}

	slot := &s.files[d.fd]
	fi, err := slot.dir.Read()
	if err != nil {
		logger.Errorf("emufs: directory read failed: %v", err)
		return isfs.FromFAT(err)
	}
	if fi.Name == "" {
		logger.Tracef("emufs: end of directory")
		return isfs.OK
	}

	stat := isfs.DirectStat{
		Attribute: fi.Attr,
		Size:      fi.Size,
		Name:      fi.Name,
	}
	// Word-only stores; the caller's vector may be misaligned.
	ios.CopyToVector(out, stat.Marshal())
	return isfs.OK
}

////////////////////////////////////////////////////////////////////////
// Manager ReadDir
////////////////////////////////////////////////////////////////////////

// mgrReadDir enumerates a replaced directory into the caller's fixed-stride
// name buffer. With no names buffer (or a zero max count) only the total
// entry count is reported.
func (s *Service) mgrReadDir(m *mgrHandle, inCount, ioCount uint32, vec []ios.Vector) ios.Error {
	if inCount != ioCount || inCount < 1 || inCount > 2 {
		logger.Errorf("emufs: ReadDir wrong vector count")
		return isfs.Invalid
	}
	if len(vec[0].Data) < isfs.MaxPath || vec[0].Misaligned {
		return isfs.Invalid
	}
	path := isfs.CString(vec[0].Data[:isfs.MaxPath])
	logger.Tracef("emufs: ReadDir %q", path)

	var maxCount uint32
	var names *ios.Vector
	var countOut *ios.Vector

	if inCount == 2 {
		if len(vec[1].Data) < 4 || vec[1].Misaligned {
			return isfs.Invalid
		}
		maxCount = binary.BigEndian.Uint32(vec[1].Data)
		if uint32(len(vec[2].Data)) < maxCount*isfs.ReadDirStride {
			return isfs.Invalid
		}
		names = &vec[2]
		if len(vec[3].Data) < 4 || vec[3].Misaligned {
			return isfs.Invalid
		}
		countOut = &vec[3]
	} else {
		if len(vec[1].Data) < 4 || vec[1].Misaligned {
			return isfs.Invalid
		}
		countOut = &vec[1]
	}

	if !s.isReplacedPath(path) {
		return m.real.Ioctlv(isfs.IoctlReadDir, inCount, ioCount, vec)
	}

	efsPath, errc := s.translatePath(path)
	if errc != isfs.OK {
		return errc
	}
	vol, errc := s.backingVolume()
	if errc != isfs.OK {
		return errc
	}
	dir, err := vol.OpenDir(efsPath)
	if err != nil {
		logger.Errorf("emufs: ReadDir open %q failed: %v", efsPath, err)
		return isfs.FromFAT(err)
	}

	if names != nil && maxCount > 0 {
		zero := make([]byte, maxCount*isfs.ReadDirStride)
		ios.CopyToVector(names, zero)
	}

	count := uint32(0)
	for {
		fi, err := dir.Read()
		if err != nil {
			return isfs.FromFAT(err)
		}
		if fi.Name == "" {
			break
		}
		if fi.Name == "." || fi.Name == ".." {
			continue
		}

		// Prefer the long name; entries whose long name does not fit the
		// 12-character stride fall back to the 8.3 alias.
		name := fi.Name
		if len(name) > isfs.ReadDirStride-1 {
			if fi.AltName == "" || fi.AltName == "?" {
				continue
			}
			name = fi.AltName
		}

		if count < maxCount && names != nil {
			entry := make([]byte, isfs.ReadDirStride)
			copy(entry, name)
			ios.WordMemcpy(names.Data[count*isfs.ReadDirStride:(count+1)*isfs.ReadDirStride], entry)
		}
		count++
	}

	logger.Tracef("emufs: ReadDir count=%d", count)
	var cbuf [4]byte
	binary.BigEndian.PutUint32(cbuf[:], count)
	ios.CopyToVector(countOut, cbuf[:])
	return isfs.OK
}
