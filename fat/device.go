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

// SectorSize is the only sector size the driver speaks. The SD and USB
// storage drivers both present 512-byte sectors.
const SectorSize = 512

// BlockDevice is the sector-granular storage a volume is mounted on.
type BlockDevice interface {
	// ReadSectors fills buf (a multiple of SectorSize) starting at the given
	// sector.
	ReadSectors(sector uint32, buf []byte) error

	// WriteSectors stores buf (a multiple of SectorSize) starting at the
	// given sector.
	WriteSectors(sector uint32, buf []byte) error

	// Sync flushes any device-side caching.
	Sync() error

	// SectorCount returns the device capacity in sectors.
	SectorCount() uint32
}

// MemDevice is a byte-slice backed BlockDevice for tests and image tools.
type MemDevice struct {
	Data []byte
}

// NewMemDevice allocates a zeroed in-memory device of the given sector
// count.
func NewMemDevice(sectors uint32) *MemDevice {
	return &MemDevice{Data: make([]byte, int(sectors)*SectorSize)}
}

func (d *MemDevice) ReadSectors(sector uint32, buf []byte) error {
	off := int(sector) * SectorSize
	if off+len(buf) > len(d.Data) {
		return ErrDiskErr
	}
	copy(buf, d.Data[off:off+len(buf)])
	return nil
}

func (d *MemDevice) WriteSectors(sector uint32, buf []byte) error {
	off := int(sector) * SectorSize
	if off+len(buf) > len(d.Data) {
		return ErrDiskErr
	}
	copy(d.Data[off:off+len(buf)], buf)
	return nil
}

func (d *MemDevice) Sync() error {
	return nil
}

func (d *MemDevice) SectorCount() uint32 {
	return uint32(len(d.Data) / SectorSize)
}
