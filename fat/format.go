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

import "encoding/binary"

// FormatOptions tunes Format.
type FormatOptions struct {
	// SectorsPerCluster must be a power of two; 0 selects 4.
	SectorsPerCluster uint32

	// VolumeID is the serial number to stamp; 0 selects a fixed value.
	VolumeID uint32

	// Label is the volume label, at most 11 bytes.
	Label string
}

// Format writes a fresh FAT16 volume spanning the whole device. It exists
// for the image-preparation tool and the test suites; production media
// arrive preformatted.
func Format(dev BlockDevice, opts FormatOptions) error {
	spc := opts.SectorsPerCluster
	if spc == 0 {
		spc = 4
	}
	if spc&(spc-1) != 0 || spc > 128 {
		return ErrInvalidParameter
	}
	volID := opts.VolumeID
	if volID == 0 {
		volID = 0x53414F49 // "SAOI"
	}

	total := dev.SectorCount()
	const reserved = 1
	const numFATs = 2
	const rootEntries = 512
	rootSectors := uint32(rootEntries * entrySize / SectorSize)

	// Solve for the FAT size: each FAT sector maps SectorSize/2 clusters.
	fatSize := uint32(1)
	for {
		dataStart := reserved + numFATs*fatSize + rootSectors
		if dataStart >= total {
			return ErrInvalidParameter
		}
		clusters := (total - dataStart) / spc
		if clusters+2 <= fatSize*(SectorSize/2) {
			if clusters < 0xFF5 || clusters >= 0xFFF5 {
				return ErrInvalidParameter
			}
			break
		}
		fatSize++
	}

	var bs [SectorSize]byte
	copy(bs[0:3], []byte{0xEB, 0x3C, 0x90})
	copy(bs[3:11], "SAOIRSE ")
	binary.LittleEndian.PutUint16(bs[11:13], SectorSize)
	bs[13] = byte(spc)
	binary.LittleEndian.PutUint16(bs[14:16], reserved)
	bs[16] = numFATs
	binary.LittleEndian.PutUint16(bs[17:19], rootEntries)
	if total < 0x10000 {
		binary.LittleEndian.PutUint16(bs[19:21], uint16(total))
	} else {
		binary.LittleEndian.PutUint32(bs[32:36], total)
	}
	bs[21] = 0xF8
	binary.LittleEndian.PutUint16(bs[22:24], uint16(fatSize))
	binary.LittleEndian.PutUint16(bs[24:26], 63)
	binary.LittleEndian.PutUint16(bs[26:28], 255)
	bs[38] = 0x29
	binary.LittleEndian.PutUint32(bs[39:43], volID)
	label := opts.Label
	if label == "" {
		label = "NO NAME"
	}
	copy(bs[43:54], "           ")
	copy(bs[43:54], label)
	copy(bs[54:62], "FAT16   ")
	binary.LittleEndian.PutUint16(bs[510:512], 0xAA55)

	if err := dev.WriteSectors(0, bs[:]); err != nil {
		return ErrDiskErr
	}

	// Both FAT copies: media descriptor in entry 0, end marker in entry 1.
	var sec [SectorSize]byte
	for copyIdx := uint32(0); copyIdx < numFATs; copyIdx++ {
		base := reserved + copyIdx*fatSize
		for s := uint32(0); s < fatSize; s++ {
			for i := range sec {
				sec[i] = 0
			}
			if s == 0 {
				binary.LittleEndian.PutUint16(sec[0:2], 0xFFF8)
				binary.LittleEndian.PutUint16(sec[2:4], 0xFFFF)
			}
			if err := dev.WriteSectors(base+s, sec[:]); err != nil {
				return ErrDiskErr
			}
		}
	}

	// Empty root directory.
	for i := range sec {
		sec[i] = 0
	}
	rootStart := uint32(reserved + numFATs*fatSize)
	for s := uint32(0); s < rootSectors; s++ {
		if err := dev.WriteSectors(rootStart+s, sec[:]); err != nil {
			return ErrDiskErr
		}
	}
	return dev.Sync()
}
