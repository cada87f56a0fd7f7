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

// Package disk owns external storage: the SD host-controller and USB
// mass-storage drivers, and the device manager that mounts FAT volumes on
// them.
package disk

import (
	"encoding/binary"

	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/ios"
)

// SDDevicePath is the SD host controller's device path.
const SDDevicePath = "/dev/sdio/slot0"

// Host controller ioctl numbers.
const (
	sdIoctlWriteHCR    = 0x01
	sdIoctlReadHCR     = 0x02
	sdIoctlResetCard   = 0x04
	sdIoctlSetClock    = 0x06
	sdIoctlSendCommand = 0x07
	sdIoctlGetStatus   = 0x0B

	sdIoctlvSendCommand = 0x07
)

// Status register bits.
const (
	sdStatusInserted = 1 << 0
	sdStatusMemory   = 1 << 16
	sdStatusSDHC     = 1 << 20
)

// Host control register 1 and its 4-bit-bus enable.
const (
	sdHCRHostControl1     = 0x28
	sdHCRHostControl14Bit = 1 << 1
)

// Card commands used by the startup sequence and transfers.
const (
	sdCmdSelect        = 7
	sdCmdSetBlocklen   = 16
	sdCmdReadMultiple  = 18
	sdCmdWriteMultiple = 25
	sdCmdAppCmd        = 55

	sdAppCmdSetBusWidth = 6
)

const (
	sdResponseR1  = 0x1
	sdResponseR1B = 0x2
)

// SectorSize is the card sector size. Transfers larger than the bounce
// buffer are chunked.
const (
	SectorSize        = fat.SectorSize
	sdBounceSectors   = 8
	sdBounceBufferLen = sdBounceSectors * SectorSize
)

// SDCard drives one SD card through the host controller device.
type SDCard struct {
	rm     *ios.ResourceCtrl
	rca    uint32
	isSDHC bool
	bounce [sdBounceBufferLen]byte
}

// OpenSD opens the host controller interface.
func OpenSD(rt *ios.Router) (*SDCard, ios.Error) {
	rm, err := ios.OpenResource(rt, SDDevicePath, ios.ModeNone)
	if err != ios.OK {
		return nil, err
	}
	return &SDCard{rm: rm}, ios.OK
}

// Close releases the controller interface.
func (sd *SDCard) Close() ios.Error {
	return sd.rm.Close()
}

func (sd *SDCard) resetCard() bool {
	var out [4]byte
	if sd.rm.Ioctl(sdIoctlResetCard, nil, out[:]) < 0 {
		return false
	}
	sd.rca = binary.BigEndian.Uint32(out[:]) >> 16
	return true
}

func (sd *SDCard) getStatus() (uint32, bool) {
	var out [4]byte
	if sd.rm.Ioctl(sdIoctlGetStatus, nil, out[:]) < 0 {
		return 0, false
	}
	return binary.BigEndian.Uint32(out[:]), true
}

// regOp is the wire form of an HCR access: register, two reserved words,
// width, value, one reserved word.
func regOp(reg uint8, size uint8, val uint32) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:4], uint32(reg))
	binary.BigEndian.PutUint32(buf[12:16], uint32(size))
	binary.BigEndian.PutUint32(buf[16:20], val)
	return buf
}

func (sd *SDCard) readHCR(reg uint8, size uint8) (uint32, bool) {
	var out [4]byte
	if sd.rm.Ioctl(sdIoctlReadHCR, regOp(reg, size, 0), out[:]) < 0 {
		return 0, false
	}
	return binary.BigEndian.Uint32(out[:]), true
}

func (sd *SDCard) writeHCR(reg uint8, size uint8, val uint32) bool {
	return sd.rm.Ioctl(sdIoctlWriteHCR, regOp(reg, size, val), nil) >= 0
}

func (sd *SDCard) setClock(divisor uint32) bool {
	var in [4]byte
	binary.BigEndian.PutUint32(in[:], divisor)
	return sd.rm.Ioctl(sdIoctlSetClock, in[:], nil) >= 0
}

// sendCommand issues one card command. buffer is nil for non-data commands;
// DMA-capable commands go through the ioctlv transport.
func (sd *SDCard) sendCommand(command, commandType, responseType, arg uint32,
	blockCount, blockSize uint32, buffer []byte) (uint32, bool) {

	req := make([]byte, 0x24)
	binary.BigEndian.PutUint32(req[0x00:], command)
	binary.BigEndian.PutUint32(req[0x04:], commandType)
	binary.BigEndian.PutUint32(req[0x08:], responseType)
	binary.BigEndian.PutUint32(req[0x0C:], arg)
	binary.BigEndian.PutUint32(req[0x10:], blockCount)
	binary.BigEndian.PutUint32(req[0x14:], blockSize)
	if buffer != nil {
		binary.BigEndian.PutUint32(req[0x1C:], 1) // DMA
	}

	var out [16]byte
	if buffer != nil || sd.isSDHC {
		vec := []ios.Vector{
			{Data: req},
			{Data: buffer},
			{Data: out[:]},
		}
		if sd.rm.Ioctlv(sdIoctlvSendCommand, 2, 1, vec) < 0 {
			return 0, false
		}
	} else {
		if sd.rm.Ioctl(sdIoctlSendCommand, req, out[:]) < 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint32(out[0:4]), true
}

func (sd *SDCard) enable4BitBus() bool {
	val, ok := sd.readHCR(sdHCRHostControl1, 1)
	if !ok {
		return false
	}
	return sd.writeHCR(sdHCRHostControl1, 1, val|sdHCRHostControl14Bit)
}

func (sd *SDCard) selectCard() bool {
	_, ok := sd.sendCommand(sdCmdSelect, 3, sdResponseR1B, sd.rca<<16, 0, 0, nil)
	return ok
}

func (sd *SDCard) deselectCard() bool {
	_, ok := sd.sendCommand(sdCmdSelect, 3, sdResponseR1B, 0, 0, 0, nil)
	return ok
}

func (sd *SDCard) setBlockLength(n uint32) bool {
	_, ok := sd.sendCommand(sdCmdSetBlocklen, 3, sdResponseR1, n, 0, 0, nil)
	return ok
}

func (sd *SDCard) enableCard4BitBus() bool {
	if _, ok := sd.sendCommand(sdCmdAppCmd, 3, sdResponseR1, sd.rca<<16, 0, 0, nil); !ok {
		return false
	}
	_, ok := sd.sendCommand(sdAppCmdSetBusWidth, 3, sdResponseR1, 0x2, 0, 0, nil)
	return ok
}

// IsInserted samples the controller's card-present bit.
func (sd *SDCard) IsInserted() bool {
	status, ok := sd.getStatus()
	return ok && status&sdStatusInserted != 0
}

// Startup runs the card initialization sequence and leaves the card
// deselected, ready for transfers.
func (sd *SDCard) Startup() bool {
	if !sd.resetCard() {
		return false
	}
	status, ok := sd.getStatus()
	if !ok {
		return false
	}
	if status&sdStatusInserted == 0 || status&sdStatusMemory == 0 {
		return false
	}
	sd.isSDHC = status&sdStatusSDHC != 0

	if !sd.enable4BitBus() {
		return false
	}
	if !sd.setClock(1) {
		return false
	}
	if !sd.selectCard() {
		return false
	}
	if !sd.setBlockLength(SectorSize) {
		sd.deselectCard()
		return false
	}
	if !sd.enableCard4BitBus() {
		sd.deselectCard()
		return false
	}
	return sd.deselectCard()
}

func (sd *SDCard) transfer(write bool, firstSector uint32, buffer []byte) bool {
	if len(buffer) == 0 || len(buffer)%SectorSize != 0 {
		return false
	}
	if !sd.selectCard() {
		return false
	}
	ok := true
	sectorCount := uint32(len(buffer) / SectorSize)
	done := uint32(0)
	for done < sectorCount {
		chunk := sectorCount - done
		if chunk > sdBounceSectors {
			chunk = sdBounceSectors
		}
		chunkBytes := chunk * SectorSize
		bounce := sd.bounce[:chunkBytes]
		if write {
			copy(bounce, buffer[done*SectorSize:])
		}

		command := uint32(sdCmdReadMultiple)
		if write {
			command = sdCmdWriteMultiple
		}
		// Non-SDHC cards address by byte, SDHC by block number.
		arg := firstSector + done
		if !sd.isSDHC {
			arg = (firstSector + done) * SectorSize
		}
		if _, k := sd.sendCommand(command, 3, sdResponseR1, arg, chunk, SectorSize, bounce); !k {
			ok = false
			break
		}
		if !write {
			copy(buffer[done*SectorSize:], bounce)
		}
		done += chunk
	}
	if !sd.deselectCard() {
		return false
	}
	return ok
}

// ReadSectors implements fat.BlockDevice.
func (sd *SDCard) ReadSectors(sector uint32, buf []byte) error {
	if !sd.transfer(false, sector, buf) {
		return fat.ErrDiskErr
	}
	return nil
}

// WriteSectors implements fat.BlockDevice.
func (sd *SDCard) WriteSectors(sector uint32, buf []byte) error {
	if !sd.transfer(true, sector, buf) {
		return fat.ErrDiskErr
	}
	return nil
}

// Sync implements fat.BlockDevice; the card has no volatile write cache the
// host can see.
func (sd *SDCard) Sync() error {
	return nil
}

// SectorCount implements fat.BlockDevice. The driver does not read the CSD;
// the FAT layer bounds accesses by the volume geometry instead.
func (sd *SDCard) SectorCount() uint32 {
	return ^uint32(0)
}
