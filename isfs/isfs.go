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

// Package isfs defines the internal-storage filesystem protocol: ioctl
// numbers, record layouts, and the error taxonomy the emulator must
// reproduce byte for byte.
package isfs

import (
	"bytes"
	"encoding/binary"

	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/ios"
)

// DevicePath is the manager device.
const DevicePath = "/dev/fs"

// MaxPath is the longest path, including the NUL terminator.
const MaxPath = 64

// MaxOpenFiles is the kernel's per-process file-descriptor budget, which the
// replaced-file table mirrors.
const MaxOpenFiles = 15

// Separator is the directory separator.
const Separator = '/'

// Ioctl numbers of the manager device plus the direct-access extension.
type Ioctl uint32

const (
	IoctlFormat       Ioctl = 0x1
	IoctlGetStats     Ioctl = 0x2
	IoctlCreateDir    Ioctl = 0x3
	IoctlReadDir      Ioctl = 0x4
	IoctlSetAttr      Ioctl = 0x5
	IoctlGetAttr      Ioctl = 0x6
	IoctlDelete       Ioctl = 0x7
	IoctlRename       Ioctl = 0x8
	IoctlCreateFile   Ioctl = 0x9
	IoctlGetFileStats Ioctl = 0xB
	IoctlGetUsage     Ioctl = 0xC
	IoctlShutdown     Ioctl = 0xD

	// Direct-access commands served on the direct-file device only.
	IoctlDirectOpen    Ioctl = 0x20
	IoctlDirectDirOpen Ioctl = 0x21
	IoctlDirectDirNext Ioctl = 0x22
)

// Error is the filesystem error taxonomy, exposed unchanged to callers.
type Error = ios.Error

const (
	OK       Error = 0
	Invalid  Error = -101
	NoAccess Error = -102
	Corrupt  Error = -103
	NotReady Error = -104
	Exists   Error = -105
	NotFound Error = -106
	MaxOpen  Error = -107
	NoMem    Error = -108
	Unknown  Error = -117
	Locked   Error = -118
)

// FromFAT translates a FAT-library error, deterministically, exactly once at
// this boundary.
func FromFAT(err error) Error {
	switch err {
	case nil:
		return OK
	case fat.ErrInvalidName, fat.ErrInvalidDrive, fat.ErrInvalidParameter, fat.ErrInvalidObject:
		return Invalid
	case fat.ErrDiskErr, fat.ErrIntErr, fat.ErrNoFilesystem:
		return Corrupt
	case fat.ErrNotReady, fat.ErrNotEnabled:
		return NotReady
	case fat.ErrNoFile, fat.ErrNoPath:
		return NotFound
	case fat.ErrDenied, fat.ErrWriteProtected:
		return NoAccess
	case fat.ErrExist:
		return Exists
	case fat.ErrLocked:
		return Locked
	case fat.ErrTooManyOpenFiles:
		return MaxOpen
	default:
		// mkfs aborts, allocation failures, timeouts, and anything new.
		return Unknown
	}
}

// Stat is the GetFileStats payload: size then position.
type Stat struct {
	Size uint32
	Pos  uint32
}

// Marshal renders the wire form.
func (s *Stat) Marshal() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], s.Size)
	binary.BigEndian.PutUint32(out[4:8], s.Pos)
	return out
}

// AttrBlock is the attribute record used by CreateDir, CreateFile, SetAttr,
// and GetAttr.
type AttrBlock struct {
	OwnerID    uint32
	GroupID    uint16
	Path       string
	OwnerPerm  uint8
	GroupPerm  uint8
	OtherPerm  uint8
	Attributes uint8
}

// attrBlockSize: uid(4) + gid(2) + path(64) + 4 perms + 2 pad.
const AttrBlockSize = 4 + 2 + MaxPath + 4 + 2

// ParseAttrBlock decodes the wire form.
func ParseAttrBlock(in []byte) (*AttrBlock, Error) {
	if len(in) < AttrBlockSize {
		return nil, Invalid
	}
	return &AttrBlock{
		OwnerID:    binary.BigEndian.Uint32(in[0:4]),
		GroupID:    binary.BigEndian.Uint16(in[4:6]),
		Path:       CString(in[6 : 6+MaxPath]),
		OwnerPerm:  in[6+MaxPath],
		GroupPerm:  in[7+MaxPath],
		OtherPerm:  in[8+MaxPath],
		Attributes: in[9+MaxPath],
	}, OK
}

// Marshal renders the wire form.
func (a *AttrBlock) Marshal() []byte {
	out := make([]byte, AttrBlockSize)
	binary.BigEndian.PutUint32(out[0:4], a.OwnerID)
	binary.BigEndian.PutUint16(out[4:6], a.GroupID)
	copy(out[6:6+MaxPath], a.Path)
	out[6+MaxPath] = a.OwnerPerm
	out[7+MaxPath] = a.GroupPerm
	out[8+MaxPath] = a.OtherPerm
	out[9+MaxPath] = a.Attributes
	return out
}

// RenameBlock is the Rename payload: two packed paths.
type RenameBlock struct {
	PathOld string
	PathNew string
}

// RenameBlockSize is the wire size.
const RenameBlockSize = 2 * MaxPath

// ParseRenameBlock decodes the wire form.
func ParseRenameBlock(in []byte) (*RenameBlock, Error) {
	if len(in) < RenameBlockSize {
		return nil, Invalid
	}
	return &RenameBlock{
		PathOld: CString(in[0:MaxPath]),
		PathNew: CString(in[MaxPath : 2*MaxPath]),
	}, OK
}

// Marshal renders the wire form.
func (r *RenameBlock) Marshal() []byte {
	out := make([]byte, RenameBlockSize)
	copy(out[0:MaxPath], r.PathOld)
	copy(out[MaxPath:], r.PathNew)
	return out
}

// DirectStat is the Direct_DirNext output record.
type DirectStat struct {
	DirOffset uint32
	Attribute uint8
	Size      uint32
	Name      string
}

// DirectStatSize: offset(4) + attr(1) + pad(3) + size(4) + name(256).
const DirectStatSize = 4 + 1 + 3 + 4 + 256

// Marshal renders the wire form.
func (d *DirectStat) Marshal() []byte {
	out := make([]byte, DirectStatSize)
	binary.BigEndian.PutUint32(out[0:4], d.DirOffset)
	out[4] = d.Attribute
	binary.BigEndian.PutUint32(out[8:12], d.Size)
	copy(out[12:12+255], d.Name)
	return out
}

// CString reads a NUL-terminated string from a fixed field.
func CString(in []byte) string {
	if i := bytes.IndexByte(in, 0); i >= 0 {
		return string(in[:i])
	}
	return string(in)
}

// ValidPath accepts absolute paths that fit the fixed wire field with their
// terminator.
func ValidPath(path string) bool {
	if len(path) == 0 || path[0] != Separator {
		return false
	}
	return len(path) < MaxPath
}

// ReadDirStride is the fixed per-name stride of the ReadDir output buffer.
const ReadDirStride = 13
