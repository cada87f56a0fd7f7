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

package emudi

import "encoding/binary"

// Patch redirects a contiguous word range of the virtual disc to a byte
// range of a file on external storage. The file is identified by raw FAT
// coordinates — chain start, a position hint, the byte offset the hint
// stands for, and the drive — so no path lookup is needed at read time.
type Patch struct {
	DiscOffset   uint32 // words
	DiscLength   uint32 // words
	StartCluster uint64
	HintCluster  uint64
	FileOffset   uint32 // bytes
	Drive        uint32
}

// PatchSize is the wire size of one patch record.
const PatchSize = 4 + 4 + 8 + 8 + 4 + 4

// MaxPatches bounds the installed table.
const MaxPatches = 200

// ParsePatches decodes a caller-supplied table.
func ParsePatches(in []byte) ([]Patch, bool) {
	if len(in) == 0 || len(in)%PatchSize != 0 {
		return nil, false
	}
	count := len(in) / PatchSize
	if count > MaxPatches {
		return nil, false
	}
	patches := make([]Patch, count)
	for i := range patches {
		row := in[i*PatchSize:]
		patches[i] = Patch{
			DiscOffset:   binary.BigEndian.Uint32(row[0:4]),
			DiscLength:   binary.BigEndian.Uint32(row[4:8]),
			StartCluster: binary.BigEndian.Uint64(row[8:16]),
			HintCluster:  binary.BigEndian.Uint64(row[16:24]),
			FileOffset:   binary.BigEndian.Uint32(row[24:28]),
			Drive:        binary.BigEndian.Uint32(row[28:32]),
		}
	}
	return patches, true
}

// MarshalPatches renders a table in wire form, for the boot side and tests.
func MarshalPatches(patches []Patch) []byte {
	out := make([]byte, len(patches)*PatchSize)
	for i, p := range patches {
		row := out[i*PatchSize:]
		binary.BigEndian.PutUint32(row[0:4], p.DiscOffset)
		binary.BigEndian.PutUint32(row[4:8], p.DiscLength)
		binary.BigEndian.PutUint64(row[8:16], p.StartCluster)
		binary.BigEndian.PutUint64(row[16:24], p.HintCluster)
		binary.BigEndian.PutUint32(row[24:28], p.FileOffset)
		binary.BigEndian.PutUint32(row[28:32], p.Drive)
	}
	return out
}

// searchPatch binary-searches for the patch whose range contains offset.
// Returns len(patches) when no patch covers it; patches are ordered by disc
// offset with no overlaps.
func searchPatch(patches []Patch, offset uint32) int {
	lo, n := 0, len(patches)
	for i := n; i != 0; i >>= 1 {
		k := lo + i>>1
		start := patches[k].DiscOffset
		end := start + patches[k].DiscLength
		if start == offset {
			return k
		}
		if offset > start {
			if end > offset {
				return k
			}
			lo = k + 1
			i--
		}
	}
	return n
}
