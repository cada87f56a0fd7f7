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

// OpenMode selects file access and creation behaviour.
type OpenMode uint8

const (
	ModeRead         OpenMode = 0x01
	ModeWrite        OpenMode = 0x02
	ModeCreateNew    OpenMode = 0x04
	ModeCreateAlways OpenMode = 0x08
	ModeOpenAlways   OpenMode = 0x10
)

// unknownSize marks files reconstructed from a raw cluster tuple, which have
// no directory entry to read a size from.
const unknownSize = ^uint32(0)

// File is an open file. All methods serialize behind the volume lock.
type File struct {
	fs *FS

	mode OpenMode

	// start is the first cluster, 0 while the file is empty.
	//
	// GUARDED_BY(fs.mu)
	start uint32

	// GUARDED_BY(fs.mu)
	size uint32

	// GUARDED_BY(fs.mu)
	pos uint32

	// cluster holding pos, with its index in the chain; clustIndex is
	// meaningless while clust == 0.
	//
	// GUARDED_BY(fs.mu)
	clust      uint32
	clustIndex uint32

	// Directory entry backing this file, absent for cluster-opened files.
	//
	// GUARDED_BY(fs.mu)
	entry    FileInfo
	hasEntry bool

	// GUARDED_BY(fs.mu)
	dirty bool

	// linkMap[i] is the i-th cluster of the file; non-nil after
	// BuildLinkMap. Turns backward seeks into a table lookup.
	//
	// GUARDED_BY(fs.mu)
	linkMap []uint32
}

// OpenFile opens or creates path per mode.
func (fs *FS) OpenFile(path string, mode OpenMode) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, ErrNotEnabled
	}
	if mode&(ModeRead|ModeWrite) == 0 {
		return nil, ErrInvalidParameter
	}

	fi, err := fs.lookup(path)
	switch {
	case err == nil:
		if mode&ModeCreateNew != 0 {
			return nil, ErrExist
		}
		if fi.IsDir() {
			return nil, ErrNoFile
		}
		if mode&ModeCreateAlways != 0 {
			// Truncate in place.
			if fi.Cluster != 0 {
				if err := fs.removeChain(fi.Cluster); err != nil {
					return nil, err
				}
			}
			fi.Cluster = 0
			fi.Size = 0
			if err := fs.updateEntry(&fi); err != nil {
				return nil, err
			}
		}

	case err == ErrNoFile && mode&(ModeCreateNew|ModeCreateAlways|ModeOpenAlways) != 0:
		parent, name, perr := fs.lookupParent(path)
		if perr != nil {
			return nil, perr
		}
		fi, err = fs.createEntry(parent, name, AttrArchive, 0)
		if err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	if mode&ModeWrite != 0 && fi.Attr&AttrReadOnly != 0 {
		return nil, ErrDenied
	}

	return &File{
		fs:       fs,
		mode:     mode,
		start:    fi.Cluster,
		size:     fi.Size,
		clust:    fi.Cluster,
		entry:    fi,
		hasEntry: true,
	}, nil
}

// OpenFileByCluster reconstructs a read-only file object from the raw tuple
// carried by a disc patch: the chain's first cluster, a hint cluster for the
// current position, and the byte offset the hint corresponds to. No
// directory walk happens and the size is unbounded.
func (fs *FS) OpenFileByCluster(start, hint uint32, offset uint32) *File {
	f := &File{
		fs:    fs,
		mode:  ModeRead,
		start: start,
		size:  unknownSize,
		pos:   offset,
		clust: start,
	}
	if hint != 0 && offset >= fs.ClusterSize() {
		f.clust = hint
		f.clustIndex = offset / fs.ClusterSize()
	}
	return f
}

////////////////////////////////////////////////////////////////////////
// Position bookkeeping
////////////////////////////////////////////////////////////////////////

// clusterAt resolves the chain cluster with the given index, preferring the
// link map.
//
// LOCKS_REQUIRED(f.fs.mu)
func (f *File) clusterAt(index uint32) (uint32, error) {
	if f.start == 0 {
		return 0, ErrIntErr
	}
	if f.linkMap != nil {
		if index >= uint32(len(f.linkMap)) {
			return 0, ErrIntErr
		}
		return f.linkMap[index], nil
	}
	if f.clust != 0 && index == f.clustIndex {
		return f.clust, nil
	}
	if f.clust != 0 && index > f.clustIndex {
		return f.fs.walkChain(f.clust, index-f.clustIndex)
	}
	return f.fs.walkChain(f.start, index)
}

// BuildLinkMap walks the whole chain once and installs the fast-seek table.
func (f *File) BuildLinkMap() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.start == 0 {
		f.linkMap = []uint32{}
		return nil
	}
	var m []uint32
	cl := f.start
	for {
		m = append(m, cl)
		next, err := f.fs.getFAT(cl)
		if err != nil {
			return err
		}
		if f.fs.isEOC(next) {
			break
		}
		if !f.fs.validCluster(next) {
			return ErrIntErr
		}
		cl = next
	}
	f.linkMap = m
	return nil
}

// LinkMapLen returns the number of mapped clusters, 0 before BuildLinkMap.
func (f *File) LinkMapLen() int {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return len(f.linkMap)
}

////////////////////////////////////////////////////////////////////////
// I/O
////////////////////////////////////////////////////////////////////////

// Read fills p from the current position and returns the byte count, which
// is short at end of file.
func (f *File) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.mode&ModeRead == 0 {
		return 0, ErrDenied
	}

	n := uint32(len(p))
	if f.size != unknownSize {
		if f.pos >= f.size {
			return 0, nil
		}
		if n > f.size-f.pos {
			n = f.size - f.pos
		}
	}

	read := uint32(0)
	cs := f.fs.ClusterSize()
	for read < n {
		cl, err := f.clusterAt(f.pos / cs)
		if err != nil {
			return int(read), err
		}
		if !f.fs.validCluster(cl) {
			return int(read), ErrIntErr
		}

		inCluster := f.pos % cs
		chunk := cs - inCluster
		if chunk > n-read {
			chunk = n - read
		}
		if err := f.rwCluster(cl, inCluster, p[read:read+chunk], false); err != nil {
			return int(read), err
		}

		f.pos += chunk
		read += chunk
		f.clust = cl
		f.clustIndex = (f.pos - 1) / cs
	}
	return int(read), nil
}

// Write stores p at the current position, extending the file as needed, and
// returns the byte count.
func (f *File) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.mode&ModeWrite == 0 {
		return 0, ErrDenied
	}
	if !f.hasEntry {
		return 0, ErrDenied
	}

	cs := f.fs.ClusterSize()
	written := uint32(0)
	n := uint32(len(p))
	for written < n {
		index := f.pos / cs
		cl, err := f.clusterAt(index)
		if err != nil {
			// Extend the chain by one cluster.
			var prev uint32
			if index > 0 {
				prev, err = f.clusterAt(index - 1)
				if err != nil {
					return int(written), err
				}
			}
			cl, err = f.fs.allocCluster(prev)
			if err != nil {
				return int(written), err
			}
			if f.start == 0 {
				f.start = cl
			}
			if f.linkMap != nil {
				f.linkMap = append(f.linkMap, cl)
			}
		}

		inCluster := f.pos % cs
		chunk := cs - inCluster
		if chunk > n-written {
			chunk = n - written
		}
		if err := f.rwCluster(cl, inCluster, p[written:written+chunk], true); err != nil {
			return int(written), err
		}

		f.pos += chunk
		written += chunk
		f.clust = cl
		f.clustIndex = (f.pos - 1) / cs
		if f.pos > f.size {
			f.size = f.pos
		}
	}
	if written > 0 {
		f.dirty = true
	}
	return int(written), nil
}

// rwCluster copies into or out of a data cluster, whole sectors directly and
// partial sectors through the window.
//
// LOCKS_REQUIRED(f.fs.mu)
func (f *File) rwCluster(cl uint32, offset uint32, p []byte, write bool) error {
	fs := f.fs
	sector := fs.clusterSector(cl) + offset/SectorSize
	inSector := offset % SectorSize

	done := 0
	for done < len(p) {
		chunk := SectorSize - int(inSector)
		if chunk > len(p)-done {
			chunk = len(p) - done
		}
		if inSector == 0 && chunk == SectorSize {
			// Whole sector; bypass the window, but keep it coherent.
			if err := fs.syncWindow(); err != nil {
				return err
			}
			if fs.winSector == sector {
				fs.winSector = invalidSector
			}
			var err error
			if write {
				err = fs.dev.WriteSectors(sector, p[done:done+SectorSize])
			} else {
				err = fs.dev.ReadSectors(sector, p[done:done+SectorSize])
			}
			if err != nil {
				return ErrDiskErr
			}
		} else {
			if err := fs.moveWindow(sector); err != nil {
				return err
			}
			if write {
				copy(fs.win[inSector:int(inSector)+chunk], p[done:done+chunk])
				fs.winDirty = true
			} else {
				copy(p[done:done+chunk], fs.win[inSector:int(inSector)+chunk])
			}
		}
		done += chunk
		sector++
		inSector = 0
	}
	return nil
}

// Seek moves the position to an absolute byte offset. In write mode, seeking
// past the end extends the file with allocated clusters.
func (f *File) Seek(offset uint32) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.size != unknownSize && offset > f.size {
		if f.mode&ModeWrite == 0 {
			return ErrInvalidParameter
		}
		// Extend the chain to cover the new size.
		cs := f.fs.ClusterSize()
		needed := (offset + cs - 1) / cs
		have := uint32(0)
		if f.start != 0 {
			have = (f.size + cs - 1) / cs
		}
		for ; have < needed; have++ {
			var prev uint32
			var err error
			if have > 0 {
				prev, err = f.clusterAt(have - 1)
				if err != nil {
					return err
				}
			}
			cl, err := f.fs.allocCluster(prev)
			if err != nil {
				return err
			}
			if f.start == 0 {
				f.start = cl
			}
			if f.linkMap != nil {
				f.linkMap = append(f.linkMap, cl)
			}
		}
		f.size = offset
		f.dirty = true
	}

	f.pos = offset
	if f.pos > 0 {
		cs := f.fs.ClusterSize()
		cl, err := f.clusterAt((f.pos - 1) / cs)
		if err == nil {
			f.clust = cl
			f.clustIndex = (f.pos - 1) / cs
		} else if f.linkMap != nil {
			return err
		} else {
			// Resolve lazily on the next access.
			f.clust = f.start
			f.clustIndex = 0
		}
	} else {
		f.clust = f.start
		f.clustIndex = 0
	}
	return nil
}

// Tell returns the current position.
func (f *File) Tell() uint32 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.pos
}

// Size returns the file size; cluster-opened files have no recorded size.
func (f *File) Size() uint32 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.size
}

// Truncate cuts the file at the current position.
func (f *File) Truncate() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.mode&ModeWrite == 0 || !f.hasEntry {
		return ErrDenied
	}
	if f.pos >= f.size {
		return nil
	}

	cs := f.fs.ClusterSize()
	if f.pos == 0 {
		if f.start != 0 {
			if err := f.fs.removeChain(f.start); err != nil {
				return err
			}
		}
		f.start = 0
		f.clust = 0
	} else {
		lastIndex := (f.pos - 1) / cs
		cl, err := f.clusterAt(lastIndex)
		if err != nil {
			return err
		}
		next, err := f.fs.getFAT(cl)
		if err != nil {
			return err
		}
		if !f.fs.isEOC(next) {
			if err := f.fs.removeChain(next); err != nil {
				return err
			}
			if err := f.fs.putFAT(cl, f.fs.eoc()); err != nil {
				return err
			}
		}
		if f.linkMap != nil && uint32(len(f.linkMap)) > lastIndex+1 {
			f.linkMap = f.linkMap[:lastIndex+1]
		}
	}
	f.size = f.pos
	f.dirty = true
	return nil
}

// SyncFile pushes the size and timestamp to the directory entry and flushes
// the device.
func (f *File) SyncFile() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.dirty && f.hasEntry {
		f.entry.Size = f.size
		f.entry.Cluster = f.start
		if err := f.fs.updateEntry(&f.entry); err != nil {
			return err
		}
		f.dirty = false
	}
	if err := f.fs.syncWindow(); err != nil {
		return err
	}
	return f.fs.dev.Sync()
}

// Close syncs and invalidates the object.
func (f *File) Close() error {
	if err := f.SyncFile(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.mode = 0
	return nil
}

// StartCluster returns the first cluster of the file's chain.
func (f *File) StartCluster() uint32 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.start
}

// CurrentCluster returns the cluster holding the current position, for
// storing position hints.
func (f *File) CurrentCluster() uint32 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.clust
}
