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

package disk

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/ios"
)

// Bulk-only transport framing.
const (
	cbwSize      = 31
	cbwSignature = 0x43425355
	cbwFlagIn    = 1 << 7
	cbwFlagOut   = 0

	cswSize      = 13
	cswSignature = 0x53425355
)

// SCSI commands spoken over the transport.
const (
	scsiRead10  = 0x28
	scsiWrite10 = 0x2A
)

// Class-specific control requests.
const (
	usbStorageReqReset     = 0xFF
	usbStorageReqGetMaxLUN = 0xFE
)

const (
	usbStorageRetries     = 3
	usbStorageMaxTransfer = 16 * 1024
	tagSeed               = 0x0BADC0DE
)

// USBStorage drives one LUN of a bulk-only mass-storage device.
type USBStorage struct {
	mu sync.Mutex

	host      USBHost
	devID     int32
	iface     uint16
	lun       uint8
	epIn      uint8
	epOut     uint8
	tag       uint32
	transfer  [usbStorageMaxTransfer]byte
	cbwBuffer [32]byte
}

// OpenUSBStorage attaches the driver to a device already known to speak
// bulk-only transport on the given endpoints.
func OpenUSBStorage(host USBHost, devID int32, iface uint16, epIn, epOut uint8) *USBStorage {
	return &USBStorage{
		host:  host,
		devID: devID,
		iface: iface,
		epIn:  epIn | USBDirEndpointIn,
		epOut: epOut &^ uint8(USBDirEndpointIn),
		tag:   tagSeed,
	}
}

// sendCBW frames and sends a command block wrapper.
//
// LOCKS_REQUIRED(u.mu)
func (u *USBStorage) sendCBW(length uint32, flags uint8, cb []byte) ios.Error {
	if len(cb) == 0 || len(cb) > 16 {
		return ios.EInvalid
	}
	u.tag++
	cbw := u.cbwBuffer[:cbwSize]
	binary.LittleEndian.PutUint32(cbw[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(cbw[4:8], u.tag)
	binary.LittleEndian.PutUint32(cbw[8:12], length)
	cbw[12] = flags
	cbw[13] = u.lun
	if len(cb) > 6 {
		cbw[14] = 10
	} else {
		cbw[14] = 6
	}
	copy(cbw[15:31], cb)

	ret := u.host.BulkMsg(u.devID, u.epOut, cbw)
	if ret == cbwSize {
		return ios.OK
	}
	if ret >= 0 {
		return ios.EUnknown // short write
	}
	return ios.Error(ret)
}

// readCSW receives and validates the command status wrapper.
//
// LOCKS_REQUIRED(u.mu)
func (u *USBStorage) readCSW() (status uint8, residue uint32, err ios.Error) {
	csw := u.cbwBuffer[:cswSize]
	ret := u.host.BulkMsg(u.devID, u.epIn, csw)
	if ret < 0 {
		return 0, 0, ios.Error(ret)
	}
	if ret != cswSize {
		return 0, 0, ios.EUnknown
	}
	if binary.LittleEndian.Uint32(csw[0:4]) != cswSignature {
		return 0, 0, ios.EUnknown
	}
	if binary.LittleEndian.Uint32(csw[4:8]) != u.tag {
		return 0, 0, ios.EUnknown
	}
	return csw[12], binary.LittleEndian.Uint32(csw[8:12]), ios.OK
}

// reset performs the class reset recovery: device reset, then clear-halt on
// both endpoints.
//
// LOCKS_REQUIRED(u.mu)
func (u *USBStorage) reset() {
	u.host.CtrlMsg(u.devID,
		USBCtrlDirHost2Device|USBCtrlTypeClass|USBCtrlRecInterface,
		usbStorageReqReset, 0, u.iface, nil)
	time.Sleep(60 * time.Millisecond)
	u.host.ClearHalt(u.devID, u.epIn)
	time.Sleep(10 * time.Millisecond)
	u.host.ClearHalt(u.devID, u.epOut)
	time.Sleep(10 * time.Millisecond)
}

// cycle runs one full command: CBW, data phase, CSW, with reset-and-retry on
// transport failure.
func (u *USBStorage) cycle(buffer []byte, cb []byte, write bool) (uint8, ios.Error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	ep := u.epIn
	flags := uint8(cbwFlagIn)
	if write {
		ep = u.epOut
		flags = cbwFlagOut
	}

	var status uint8
	result := ios.OK
	for attempt := 0; attempt <= usbStorageRetries; attempt++ {
		result = u.sendCBW(uint32(len(buffer)), flags, cb)

		remaining := buffer
		for len(remaining) > 0 && result >= 0 {
			chunk := len(remaining)
			if chunk > usbStorageMaxTransfer {
				chunk = usbStorageMaxTransfer
			}

			// Callers hand over views of FAT buffers; route them through the
			// aligned transfer buffer when the controller cannot DMA them
			// directly.
			var ret int32
			if !ios.Align(remaining[:chunk], 32) {
				bounce := u.transfer[:chunk]
				if write {
					copy(bounce, remaining[:chunk])
				}
				ret = u.host.BulkMsg(u.devID, ep, bounce)
				if !write && ret > 0 {
					copy(remaining[:chunk], bounce[:ret])
				}
			} else {
				ret = u.host.BulkMsg(u.devID, ep, remaining[:chunk])
			}

			if int(ret) == chunk {
				remaining = remaining[chunk:]
			} else if ret >= 0 {
				result = ios.EUnknown
			} else {
				result = ios.Error(ret)
			}
		}

		if result >= 0 {
			var cswErr ios.Error
			status, _, cswErr = u.readCSW()
			if cswErr == ios.OK {
				return status, ios.OK
			}
			result = cswErr
		}

		u.reset()
	}
	return status, result
}

func rw10(op uint8, sector uint32, count uint16) []byte {
	cb := make([]byte, 10)
	cb[0] = op
	binary.BigEndian.PutUint32(cb[2:6], sector)
	binary.BigEndian.PutUint16(cb[7:9], count)
	return cb
}

// ReadSectors implements fat.BlockDevice.
func (u *USBStorage) ReadSectors(sector uint32, buf []byte) error {
	if len(buf)%SectorSize != 0 {
		return fat.ErrInvalidParameter
	}
	count := len(buf) / SectorSize
	status, err := u.cycle(buf, rw10(scsiRead10, sector, uint16(count)), false)
	if err != ios.OK || status != 0 {
		return fat.ErrDiskErr
	}
	return nil
}

// WriteSectors implements fat.BlockDevice.
func (u *USBStorage) WriteSectors(sector uint32, buf []byte) error {
	if len(buf)%SectorSize != 0 {
		return fat.ErrInvalidParameter
	}
	count := len(buf) / SectorSize
	status, err := u.cycle(buf, rw10(scsiWrite10, sector, uint16(count)), true)
	if err != ios.OK || status != 0 {
		return fat.ErrDiskErr
	}
	return nil
}

// Sync implements fat.BlockDevice.
func (u *USBStorage) Sync() error {
	return nil
}

// SectorCount implements fat.BlockDevice; capacity is taken from the volume
// geometry rather than READ CAPACITY.
func (u *USBStorage) SectorCount() uint32 {
	return ^uint32(0)
}
