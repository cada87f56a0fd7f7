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

package fat

import (
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf16"
)

// Attribute bits of a directory entry.
const (
	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrVolumeID = 0x08
	AttrDir      = 0x10
	AttrArchive  = 0x20
	AttrLFN      = 0x0F
)

const (
	entrySize       = 32
	entriesPerSec   = SectorSize / entrySize
	entryFree       = 0xE5
	entryEndOfDir   = 0x00
	lfnCharsPerSlot = 13
	maxLFNSlots     = 20
)

// errDirEnd is the internal past-the-last-entry sentinel.
var errDirEnd = errors.New("fat: end of directory")

// FileInfo describes one directory entry.
type FileInfo struct {
	// Name is the long name when one is recorded, else the 8.3 name.
	Name string

	// AltName is the 8.3 alias, empty when Name itself is 8.3.
	AltName string

	Attr    byte
	Size    uint32
	Cluster uint32
	Date    uint16
	Time    uint16

	// Parent-directory bookkeeping for update and delete.
	dir        uint32
	firstIndex uint32
	lastIndex  uint32
}

// IsDir reports whether the entry is a directory.
func (fi *FileInfo) IsDir() bool {
	return fi.Attr&AttrDir != 0
}

////////////////////////////////////////////////////////////////////////
// Raw entry access
////////////////////////////////////////////////////////////////////////

// entrySector resolves (dir, index) to the sector holding the entry.
// dir == 0 addresses the FAT16 root region. grow extends a cluster directory
// when index lies one past its last allocated entry.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) entrySector(dir uint32, index uint32, grow bool) (uint32, uint32, error) {
	if dir == 0 && fs.typ == TypeFAT32 {
		dir = fs.rootCluster
	}
	if dir == 0 {
		if index >= fs.rootEntries {
			return 0, 0, errDirEnd
		}
		return fs.rootStart + index/entriesPerSec, (index % entriesPerSec) * entrySize, nil
	}

	perCluster := fs.sectorsPerCluster * entriesPerSec
	cl := dir
	for skip := index / perCluster; skip > 0; skip-- {
		next, err := fs.getFAT(cl)
		if err != nil {
			return 0, 0, err
		}
		if fs.isEOC(next) {
			if !grow {
				return 0, 0, errDirEnd
			}
			next, err = fs.allocCluster(cl)
			if err != nil {
				return 0, 0, err
			}
			if err := fs.zeroCluster(next); err != nil {
				return 0, 0, err
			}
		}
		cl = next
	}
	rel := index % perCluster
	return fs.clusterSector(cl) + rel/entriesPerSec, (rel % entriesPerSec) * entrySize, nil
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) zeroCluster(cl uint32) error {
	if err := fs.syncWindow(); err != nil {
		return err
	}
	var zero [SectorSize]byte
	base := fs.clusterSector(cl)
	for i := uint32(0); i < fs.sectorsPerCluster; i++ {
		if err := fs.dev.WriteSectors(base+i, zero[:]); err != nil {
			return ErrDiskErr
		}
	}
	fs.winSector = invalidSector
	return nil
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) readEntry(dir uint32, index uint32, out []byte) error {
	sector, offset, err := fs.entrySector(dir, index, false)
	if err != nil {
		return err
	}
	if err := fs.moveWindow(sector); err != nil {
		return err
	}
	copy(out, fs.win[offset:offset+entrySize])
	return nil
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) writeEntry(dir uint32, index uint32, in []byte, grow bool) error {
	sector, offset, err := fs.entrySector(dir, index, grow)
	if err != nil {
		return err
	}
	if err := fs.moveWindow(sector); err != nil {
		return err
	}
	copy(fs.win[offset:offset+entrySize], in)
	fs.winDirty = true
	return nil
}

////////////////////////////////////////////////////////////////////////
// Entry scanning
////////////////////////////////////////////////////////////////////////

// scanFrom reads the next real entry at or after *index, assembling any long
// name. On success *index points at the returned entry's SFN slot.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) scanFrom(dir uint32, index *uint32) (FileInfo, error) {
	var raw [entrySize]byte
	var lfn [maxLFNSlots * lfnCharsPerSlot]uint16
	lfnLen := 0
	lfnSum := -1
	lfnFirst := uint32(0)

	for {
		if err := fs.readEntry(dir, *index, raw[:]); err != nil {
			if err == errDirEnd {
				return FileInfo{}, errDirEnd
			}
			return FileInfo{}, err
		}

		switch {
		case raw[0] == entryEndOfDir:
			return FileInfo{}, errDirEnd

		case raw[0] == entryFree:
			lfnSum = -1

		case raw[11] == AttrLFN:
			seq := raw[0]
			if seq&0x40 != 0 {
				lfnLen = int(seq&0x1F) * lfnCharsPerSlot
				lfnSum = int(raw[13])
				lfnFirst = *index
			}
			if lfnSum == int(raw[13]) {
				slot := int(seq&0x1F) - 1
				if slot >= 0 && slot < maxLFNSlots {
					unpackLFNSlot(raw[:], lfn[slot*lfnCharsPerSlot:])
				}
			}

		case raw[11]&AttrVolumeID != 0:
			lfnSum = -1

		default:
			short := unpackShortName(raw[0:11])
			fi := FileInfo{
				Name:       short,
				Attr:       raw[11],
				Size:       binary.LittleEndian.Uint32(raw[28:32]),
				Cluster:    entryCluster(raw[:]),
				Date:       binary.LittleEndian.Uint16(raw[24:26]),
				Time:       binary.LittleEndian.Uint16(raw[22:24]),
				dir:        dir,
				firstIndex: *index,
				lastIndex:  *index,
			}
			var sn [11]byte
			copy(sn[:], raw[0:11])
			if lfnSum == int(shortNameChecksum(sn)) && lfnLen > 0 {
				fi.Name = decodeLFN(lfn[:lfnLen])
				fi.AltName = short
				fi.firstIndex = lfnFirst
			}
			return fi, nil
		}
		*index++
	}
}

func entryCluster(raw []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(raw[20:22]))<<16 |
		uint32(binary.LittleEndian.Uint16(raw[26:28]))
}

func putEntryCluster(raw []byte, cl uint32) {
	binary.LittleEndian.PutUint16(raw[20:22], uint16(cl>>16))
	binary.LittleEndian.PutUint16(raw[26:28], uint16(cl))
}

var lfnSlotOffsets = [lfnCharsPerSlot]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

func unpackLFNSlot(raw []byte, out []uint16) {
	for i, off := range lfnSlotOffsets {
		out[i] = binary.LittleEndian.Uint16(raw[off : off+2])
	}
}

func packLFNSlot(raw []byte, chars []uint16) {
	for i, off := range lfnSlotOffsets {
		var c uint16
		switch {
		case i < len(chars):
			c = chars[i]
		case i == len(chars):
			c = 0
		default:
			c = 0xFFFF
		}
		binary.LittleEndian.PutUint16(raw[off:off+2], c)
	}
}

func decodeLFN(chars []uint16) string {
	end := len(chars)
	for i, c := range chars {
		if c == 0 || c == 0xFFFF {
			end = i
			break
		}
	}
	return string(utf16.Decode(chars[:end]))
}

////////////////////////////////////////////////////////////////////////
// Lookup
////////////////////////////////////////////////////////////////////////

// findInDir locates name inside dir.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) findInDir(dir uint32, name string) (FileInfo, error) {
	index := uint32(0)
	for {
		fi, err := fs.scanFrom(dir, &index)
		if err == errDirEnd {
			return FileInfo{}, ErrNoFile
		}
		if err != nil {
			return FileInfo{}, err
		}
		if nameMatches(fi.Name, name) || (fi.AltName != "" && nameMatches(fi.AltName, name)) {
			return fi, nil
		}
		index++
	}
}

// lookup resolves path to its entry. The root resolves to a synthetic
// directory FileInfo with Cluster 0 (FAT16) or the root cluster (FAT32).
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) lookup(path string) (FileInfo, error) {
	parts, err := splitPath(path)
	if err != nil {
		return FileInfo{}, err
	}
	fi := FileInfo{Attr: AttrDir, Cluster: fs.rootCluster}
	for i, part := range parts {
		if !fi.IsDir() {
			return FileInfo{}, ErrNoPath
		}
		fi, err = fs.findInDir(fi.Cluster, part)
		if err == ErrNoFile && i < len(parts)-1 {
			return FileInfo{}, ErrNoPath
		}
		if err != nil {
			return FileInfo{}, err
		}
	}
	return fi, nil
}

// lookupParent resolves the directory containing path's last component and
// returns that component's name.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) lookupParent(path string) (uint32, string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, "", err
	}
	if len(parts) == 0 {
		return 0, "", ErrInvalidName
	}
	fi := FileInfo{Attr: AttrDir, Cluster: fs.rootCluster}
	for _, part := range parts[:len(parts)-1] {
		fi, err = fs.findInDir(fi.Cluster, part)
		if err != nil {
			return 0, "", ErrNoPath
		}
		if !fi.IsDir() {
			return 0, "", ErrNoPath
		}
	}
	return fi.Cluster, parts[len(parts)-1], nil
}

////////////////////////////////////////////////////////////////////////
// Entry creation and removal
////////////////////////////////////////////////////////////////////////

// findFreeRun locates count contiguous free entry slots, growing the
// directory when possible.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) findFreeRun(dir uint32, count uint32) (uint32, error) {
	var raw [entrySize]byte
	run := uint32(0)
	index := uint32(0)
	for {
		err := fs.readEntry(dir, index, raw[:])
		if err == errDirEnd {
			if dir == 0 && fs.typ == TypeFAT16 {
				return 0, ErrDenied // fixed-size root is full
			}
			// Free slots continue into the growable region.
			return index - run, nil
		}
		if err != nil {
			return 0, err
		}
		if raw[0] == entryFree || raw[0] == entryEndOfDir {
			run++
			if run == count {
				return index - run + 1, nil
			}
		} else {
			run = 0
		}
		index++
	}
}

// createEntry writes the LFN and SFN slots for a new object with the given
// attributes and returns its FileInfo.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) createEntry(dir uint32, name string, attr byte, cluster uint32) (FileInfo, error) {
	var short [11]byte
	var lfnSlots uint32

	upper := strings.ToUpper(name)
	if fitsShortName(upper) {
		short = packShortName(upper)
		lfnSlots = 0
	} else {
		// Pick the first free numeric-tail alias.
		seq := 1
		for {
			short = shortNameAlias(name, seq)
			if _, err := fs.findShort(dir, short); err == ErrNoFile {
				break
			}
			seq++
			if seq > 999 {
				return FileInfo{}, ErrDenied
			}
		}
		lfnSlots = uint32((len(name) + lfnCharsPerSlot - 1) / lfnCharsPerSlot)
		if lfnSlots > maxLFNSlots {
			return FileInfo{}, ErrInvalidName
		}
	}

	first, err := fs.findFreeRun(dir, lfnSlots+1)
	if err != nil {
		return FileInfo{}, err
	}

	// LFN slots are stored last-first.
	if lfnSlots > 0 {
		sum := shortNameChecksum(short)
		chars := utf16.Encode([]rune(name))
		for slot := lfnSlots; slot >= 1; slot-- {
			var raw [entrySize]byte
			seq := byte(slot)
			if slot == lfnSlots {
				seq |= 0x40
			}
			raw[0] = seq
			raw[11] = AttrLFN
			raw[13] = sum
			lo := int(slot-1) * lfnCharsPerSlot
			hi := lo + lfnCharsPerSlot
			if hi > len(chars) {
				hi = len(chars)
			}
			packLFNSlot(raw[:], chars[lo:hi])
			if err := fs.writeEntry(dir, first+(lfnSlots-slot), raw[:], true); err != nil {
				return FileInfo{}, err
			}
		}
	}

	var raw [entrySize]byte
	copy(raw[0:11], short[:])
	raw[11] = attr
	date, tm := fs.timestamp()
	binary.LittleEndian.PutUint16(raw[14:16], tm)
	binary.LittleEndian.PutUint16(raw[16:18], date)
	binary.LittleEndian.PutUint16(raw[22:24], tm)
	binary.LittleEndian.PutUint16(raw[24:26], date)
	binary.LittleEndian.PutUint16(raw[18:20], date)
	putEntryCluster(raw[:], cluster)
	sfnIndex := first + lfnSlots
	if err := fs.writeEntry(dir, sfnIndex, raw[:], true); err != nil {
		return FileInfo{}, err
	}

	fi := FileInfo{
		Name:       name,
		Attr:       attr,
		Cluster:    cluster,
		Date:       date,
		Time:       tm,
		dir:        dir,
		firstIndex: first,
		lastIndex:  sfnIndex,
	}
	if lfnSlots > 0 {
		fi.AltName = unpackShortName(short[:])
	}
	return fi, nil
}

// findShort looks for an exact 8.3 entry, used for alias-collision checks.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) findShort(dir uint32, short [11]byte) (uint32, error) {
	var raw [entrySize]byte
	for index := uint32(0); ; index++ {
		err := fs.readEntry(dir, index, raw[:])
		if err == errDirEnd {
			return 0, ErrNoFile
		}
		if err != nil {
			return 0, err
		}
		if raw[0] == entryEndOfDir {
			return 0, ErrNoFile
		}
		if raw[0] == entryFree || raw[11] == AttrLFN {
			continue
		}
		if [11]byte(raw[0:11]) == short {
			return index, nil
		}
	}
}

// deleteEntry frees an entry and its long-name slots.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) deleteEntry(fi *FileInfo) error {
	var raw [entrySize]byte
	for index := fi.firstIndex; index <= fi.lastIndex; index++ {
		if err := fs.readEntry(fi.dir, index, raw[:]); err != nil {
			return err
		}
		raw[0] = entryFree
		if err := fs.writeEntry(fi.dir, index, raw[:], false); err != nil {
			return err
		}
	}
	return nil
}

// updateEntry rewrites the SFN slot's size, cluster, and mtime fields.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) updateEntry(fi *FileInfo) error {
	var raw [entrySize]byte
	if err := fs.readEntry(fi.dir, fi.lastIndex, raw[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(raw[28:32], fi.Size)
	putEntryCluster(raw[:], fi.Cluster)
	date, tm := fs.timestamp()
	binary.LittleEndian.PutUint16(raw[22:24], tm)
	binary.LittleEndian.PutUint16(raw[24:26], date)
	return fs.writeEntry(fi.dir, fi.lastIndex, raw[:], false)
}

////////////////////////////////////////////////////////////////////////
// Public directory API
////////////////////////////////////////////////////////////////////////

// Dir is an open directory iterator.
type Dir struct {
	fs    *FS
	start uint32

	// GUARDED_BY(fs.mu)
	index uint32
}

// OpenDir opens a directory for iteration.
func (fs *FS) OpenDir(path string) (*Dir, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, ErrNotEnabled
	}
	fi, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, ErrNoPath
	}
	return &Dir{fs: fs, start: fi.Cluster}, nil
}

// Read returns the next entry. At the end of the directory it returns a
// FileInfo with an empty Name, which callers pass through as the
// end-of-directory sentinel.
func (d *Dir) Read() (FileInfo, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	fi, err := d.fs.scanFrom(d.start, &d.index)
	if err == errDirEnd {
		return FileInfo{}, nil
	}
	if err != nil {
		return FileInfo{}, err
	}
	d.index++
	// "." and ".." are served like any other entry; callers that do not
	// want them skip by name.
	return fi, nil
}

// Rewind restarts iteration.
func (d *Dir) Rewind() {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	d.index = 0
}

// Stat resolves a path to its entry metadata.
func (fs *FS) Stat(path string) (FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return FileInfo{}, ErrNotEnabled
	}
	return fs.lookup(path)
}

// Mkdir creates a directory with the customary "." and ".." entries.
func (fs *FS) Mkdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotEnabled
	}

	parent, name, err := fs.lookupParent(path)
	if err != nil {
		return err
	}
	if _, err := fs.findInDir(parent, name); err == nil {
		return ErrExist
	} else if err != ErrNoFile {
		return err
	}

	cl, err := fs.allocCluster(0)
	if err != nil {
		return err
	}
	if err := fs.zeroCluster(cl); err != nil {
		return err
	}

	// "." and "..".
	var raw [entrySize]byte
	date, tm := fs.timestamp()
	mkDot := func(name [11]byte, cluster uint32) {
		for i := range raw {
			raw[i] = 0
		}
		copy(raw[0:11], name[:])
		raw[11] = AttrDir
		binary.LittleEndian.PutUint16(raw[22:24], tm)
		binary.LittleEndian.PutUint16(raw[24:26], date)
		putEntryCluster(raw[:], cluster)
	}
	dot := [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotdot := [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}

	if err := fs.moveWindow(fs.clusterSector(cl)); err != nil {
		return err
	}
	mkDot(dot, cl)
	copy(fs.win[0:entrySize], raw[:])
	parentRef := parent
	if fs.typ == TypeFAT32 && parentRef == fs.rootCluster {
		parentRef = 0
	}
	mkDot(dotdot, parentRef)
	copy(fs.win[entrySize:2*entrySize], raw[:])
	fs.winDirty = true

	if _, err := fs.createEntry(parent, name, AttrDir, cl); err != nil {
		return err
	}
	return fs.syncWindow()
}

// Remove deletes a file or an empty directory.
func (fs *FS) Remove(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotEnabled
	}

	fi, err := fs.lookup(path)
	if err != nil {
		return err
	}
	if fi.lastIndex == 0 && fi.firstIndex == 0 && fi.dir == 0 && fi.Name == "" {
		return ErrInvalidName // the root
	}
	if fi.IsDir() {
		empty, err := fs.dirIsEmpty(fi.Cluster)
		if err != nil {
			return err
		}
		if !empty {
			return ErrDenied
		}
	}
	if err := fs.deleteEntry(&fi); err != nil {
		return err
	}
	if fi.Cluster != 0 {
		if err := fs.removeChain(fi.Cluster); err != nil {
			return err
		}
	}
	return fs.syncWindow()
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) dirIsEmpty(cluster uint32) (bool, error) {
	index := uint32(0)
	for {
		fi, err := fs.scanFrom(cluster, &index)
		if err == errDirEnd {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if fi.Name != "." && fi.Name != ".." {
			return false, nil
		}
		index++
	}
}

// Rename moves oldPath's entry to newPath, which must not exist. Both paths
// are on this volume.
func (fs *FS) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotEnabled
	}

	fi, err := fs.lookup(oldPath)
	if err != nil {
		return err
	}
	newParent, newName, err := fs.lookupParent(newPath)
	if err != nil {
		return err
	}
	if _, err := fs.findInDir(newParent, newName); err == nil {
		return ErrExist
	} else if err != ErrNoFile {
		return err
	}

	nfi, err := fs.createEntry(newParent, newName, fi.Attr, fi.Cluster)
	if err != nil {
		return err
	}
	nfi.Size = fi.Size
	if err := fs.updateEntry(&nfi); err != nil {
		return err
	}
	if err := fs.deleteEntry(&fi); err != nil {
		return err
	}
	return fs.syncWindow()
}
