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

package vdisc

import (
	"encoding/binary"

	"github.com/team-saoirse/saoirse/di"
	"github.com/team-saoirse/saoirse/es"
	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/hw/aesengine"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
)

// commonKey decrypts the ticket-embedded title key. Compiled into the build;
// there is no key storage to read once the real entitlement path is bypassed.
var commonKey = [16]byte{
	0xEB, 0xE4, 0x2A, 0x22, 0x5E, 0x85, 0x93, 0xE4,
	0x48, 0xD9, 0xC5, 0x45, 0x73, 0x81, 0xAA, 0xF7,
}

// koreanKey is the region-specific common key, imported by the bootstrap
// from its fixed kernel location. Tickets select it by common-key index.
var (
	koreanKey    [16]byte
	koreanKeySet bool
)

// SetKoreanKey installs the region-specific common key.
func SetKoreanKey(key []byte) {
	copy(koreanKey[:], key)
	koreanKeySet = true
}

// invalidBlock is never a valid block word offset (blocks are 0x2000-word
// aligned), so the cache starts cold.
const invalidBlock = 1

// InsertedFunc reports backing-medium presence; the device manager provides
// it.
type InsertedFunc func() bool

// ISO reads a (possibly two-part) encrypted disc image hosted on FAT
// storage.
//
// All state below is owned by the emulated-drive handler thread; the block
// cache in particular is touched by no one else.
type ISO struct {
	parts        []*fat.File
	partSize     uint64
	lastPartSize uint64

	aes      *aesengine.Engine
	verify   DIVerifyFunc
	inserted InsertedFunc

	diskID      [di.DiskIDSize]byte
	diskIDRead  bool
	partition   *di.Partition
	partOffset  uint32
	partOpen    bool
	titleKey    [16]byte
	block       [di.BlockSize]byte
	decrypted   [di.BlockDataSize]byte
	cachedBlock uint32
}

var _ VirtualDisc = (*ISO)(nil)

// OpenISO opens the image parts on vol and builds their cluster maps so
// that the long backward seeks of disc access cost O(1). path2 is empty for
// single-part images.
func OpenISO(vol *fat.FS, path1, path2 string, aes *aesengine.Engine,
	verify DIVerifyFunc, inserted InsertedFunc) (*ISO, error) {

	iso := &ISO{
		aes:         aes,
		verify:      verify,
		inserted:    inserted,
		cachedBlock: invalidBlock,
	}

	f1, err := vol.OpenFile(path1, fat.ModeRead)
	if err != nil {
		return nil, err
	}
	if err := f1.BuildLinkMap(); err != nil {
		return nil, err
	}
	iso.parts = []*fat.File{f1}
	iso.partSize = uint64(f1.Size())
	iso.lastPartSize = iso.partSize

	if path2 != "" {
		f2, err := vol.OpenFile(path2, fat.ModeRead)
		if err != nil {
			return nil, err
		}
		if err := f2.BuildLinkMap(); err != nil {
			return nil, err
		}
		iso.parts = append(iso.parts, f2)
		iso.lastPartSize = uint64(f2.Size())
	}

	logger.Infof("vdisc: opened image, parts=%d partSize=%#x lastPartSize=%#x",
		len(iso.parts), iso.partSize, iso.lastPartSize)
	return iso, nil
}

// IsInserted implements VirtualDisc.
func (iso *ISO) IsInserted() bool {
	return iso.inserted == nil || iso.inserted()
}

// length returns the total image length in bytes.
func (iso *ISO) length() uint64 {
	if len(iso.parts) == 1 {
		return iso.partSize
	}
	return iso.partSize + iso.lastPartSize
}

// readRaw performs an absolute image read, straddling the parts.
func (iso *ISO) readRaw(out []byte, wordOffset uint32) bool {
	if len(out) == 0 {
		return false
	}
	off := uint64(wordOffset) * 4
	if off+uint64(len(out)) > iso.length() {
		logger.Errorf("vdisc: read past image end (%#x+%#x)", off, len(out))
		return false
	}

	remaining := out
	for len(remaining) > 0 {
		part := int(off / iso.partSize)
		partOff := off % iso.partSize
		if part >= len(iso.parts) {
			return false
		}
		chunk := uint64(len(remaining))
		if part < len(iso.parts)-1 && partOff+chunk > iso.partSize {
			chunk = iso.partSize - partOff
		}

		f := iso.parts[part]
		if err := f.Seek(uint32(partOff)); err != nil {
			return false
		}
		n, err := f.Read(remaining[:chunk])
		if err != nil || uint64(n) != chunk {
			return false
		}
		remaining = remaining[chunk:]
		off += chunk
	}
	return true
}

// UnencryptedRead implements VirtualDisc. The command-level whitelist is the
// drive's; here the read only has to stay inside the image.
func (iso *ISO) UnencryptedRead(out []byte, wordOffset uint32) di.Error {
	if !iso.readRaw(out, wordOffset) {
		return di.ErrDrive
	}
	return di.ErrOK
}

// ReadDiskID implements VirtualDisc.
func (iso *ISO) ReadDiskID(out []byte) di.Error {
	if len(out) < di.DiskIDSize {
		return di.ErrSecurity
	}
	if !iso.readRaw(iso.diskID[:], 0) {
		return di.ErrDrive
	}
	copy(out, iso.diskID[:])
	iso.diskIDRead = true
	return di.ErrOK
}

// readAndDecryptBlock fills the decrypt cache with the block at the given
// absolute word offset, unless it is already cached.
func (iso *ISO) readAndDecryptBlock(blockWordOffset uint32) bool {
	if iso.cachedBlock == blockWordOffset {
		return true
	}

	if !iso.readRaw(iso.block[:], blockWordOffset) {
		logger.Errorf("vdisc: failed to read block at %#x", blockWordOffset)
		return false
	}

	var iv [16]byte
	copy(iv[:], iso.block[di.BlockIVOffset:])
	ret := iso.aes.Decrypt(iso.titleKey[:], iv[:],
		iso.block[di.BlockHeaderSize:], iso.decrypted[:])
	if ret != ios.OK {
		return false
	}
	iso.cachedBlock = blockWordOffset
	return true
}

// ReadFromPartition implements VirtualDisc.
func (iso *ISO) ReadFromPartition(out []byte, wordOffset uint32) di.Error {
	if !iso.partOpen {
		logger.Errorf("vdisc: partition read with no open partition")
		return di.ErrDrive
	}
	if len(out)%32 != 0 {
		logger.Errorf("vdisc: partition read length not 32-byte aligned")
		return di.ErrDrive
	}
	if len(out) == 0 {
		return di.ErrOK
	}

	dataStart := iso.partOffset + iso.partition.DataWordOffset
	dataWords := uint32(di.BlockDataSize >> 2)
	blockWords := uint32(di.BlockSize >> 2)

	blockOffset := dataStart + wordOffset/dataWords*blockWords
	remaining := out

	// A first slice not aligned to a block boundary.
	if rem := wordOffset % dataWords; rem != 0 {
		if !iso.readAndDecryptBlock(blockOffset) {
			return di.ErrDrive
		}
		n := copy(remaining, iso.decrypted[rem<<2:])
		remaining = remaining[n:]
		blockOffset += blockWords
	}

	for len(remaining) > 0 {
		if !iso.readAndDecryptBlock(blockOffset) {
			return di.ErrDrive
		}
		n := copy(remaining, iso.decrypted[:])
		remaining = remaining[n:]
		blockOffset += blockWords
	}
	return di.ErrOK
}

// ReadTMD implements VirtualDisc.
func (iso *ISO) ReadTMD(out []byte) di.Error {
	p := iso.partition
	if p == nil {
		return di.ErrDrive
	}
	if p.TMDByteLength < uint32(es.TMDMinSize) || p.TMDByteLength > uint32(es.TMDMaxSize) {
		logger.Errorf("vdisc: TMD size %#x out of range", p.TMDByteLength)
		return di.ErrSecurity
	}
	if p.TMDWordOffset == 0 {
		return di.ErrSecurity
	}
	if uint32(len(out)) < p.TMDByteLength {
		return di.ErrSecurity
	}
	if !iso.readRaw(out[:p.TMDByteLength], iso.partOffset+p.TMDWordOffset) {
		return di.ErrDrive
	}
	return di.ErrOK
}

// OpenPartition implements VirtualDisc.
func (iso *ISO) OpenPartition(wordOffset uint32, tmdOut []byte) di.Error {
	if iso.partOpen {
		logger.Errorf("vdisc: partition already open")
		return di.ErrInvalid
	}
	if !iso.diskIDRead {
		logger.Errorf("vdisc: ReadDiskID must precede OpenPartition")
		return di.ErrInvalid
	}

	desc := make([]byte, di.PartitionSize)
	if !iso.readRaw(desc, wordOffset) {
		return di.ErrDrive
	}
	p, ok := di.ParsePartition(desc)
	if !ok {
		return di.ErrDrive
	}
	if uint64(wordOffset)+uint64(p.DataWordOffset)+uint64(p.DataWordLength) > iso.length()/4 {
		logger.Errorf("vdisc: partition data extends past image")
		return di.ErrSecurity
	}
	iso.partition = p
	iso.partOffset = wordOffset

	if err := iso.ReadTMD(tmdOut); err != di.ErrOK {
		return err
	}

	if iso.verify != nil {
		if esErr := iso.verify(p.Ticket.TitleID(), &p.Ticket); esErr != es.OK {
			logger.Errorf("vdisc: DIVerify failed: %d", esErr)
			return di.ErrVerify
		}
	}

	// The title key is the ticket key decrypted under the common key, with
	// the title identifier as the leading IV bytes. Korean titles select
	// the region key by index.
	unwrap := commonKey
	if p.Ticket.CommonKeyIndex() == 1 && koreanKeySet {
		unwrap = koreanKey
	}
	var iv [16]byte
	ticketKey := p.Ticket.TitleKey()
	binary.BigEndian.PutUint64(iv[:8], p.Ticket.TitleID())
	var key [16]byte
	if iso.aes.Decrypt(unwrap[:], iv[:], ticketKey[:], key[:]) != ios.OK {
		return di.ErrDrive
	}
	iso.titleKey = key
	iso.partOpen = true
	return di.ErrOK
}

// ClosePartition implements VirtualDisc. The block cache is discarded: the
// next partition has a different key, and stale plaintext must not be served
// under it.
func (iso *ISO) ClosePartition() {
	iso.partOpen = false
	iso.partition = nil
	iso.titleKey = [16]byte{}
	iso.cachedBlock = invalidBlock
}
