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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-saoirse/saoirse/di"
	"github.com/team-saoirse/saoirse/es"
	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/hw/aesengine"
	"github.com/team-saoirse/saoirse/ios"
)

var testTitleID = uint64(0x00010004524D4350)

const (
	partWordOff   = uint32(0x8000) // byte 0x20000
	tmdWordOff    = uint32(0x200)  // partition-relative
	dataWordOff   = uint32(0x400)  // partition-relative
	testNumBlocks = 3
)

// buildImage synthesizes an encrypted single-partition disc image and
// returns it with the plaintext partition data.
func buildImage(t *testing.T) (img []byte, plain []byte, titleKey []byte) {
	t.Helper()

	titleKey = bytes.Repeat([]byte{0x5A}, 16)

	// Encrypt the title key under the common key the way a ticket carries
	// it.
	var iv [16]byte
	iv[0] = byte(testTitleID >> 56)
	iv[1] = byte(testTitleID >> 48)
	iv[2] = byte(testTitleID >> 40)
	iv[3] = byte(testTitleID >> 32)
	iv[4] = byte(testTitleID >> 24)
	iv[5] = byte(testTitleID >> 16)
	iv[6] = byte(testTitleID >> 8)
	iv[7] = byte(testTitleID)
	block, err := aes.NewCipher(commonKey[:])
	require.NoError(t, err)
	encKey := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(encKey, titleKey)

	var ticket es.Ticket
	ticket.SetTitleID(testTitleID)
	ticket.SetTitleKey(encKey)

	tmd := es.BuildTMD(testTitleID, 33, 1)

	part := di.Partition{
		Ticket:         ticket,
		TMDByteLength:  uint32(len(tmd)),
		TMDWordOffset:  tmdWordOff,
		DataWordOffset: dataWordOff,
		DataWordLength: testNumBlocks * di.BlockSize / 4,
	}

	// Plaintext partition payload.
	plain = make([]byte, testNumBlocks*di.BlockDataSize)
	for i := range plain {
		plain[i] = byte(i*7 + i>>8)
	}

	imgLen := int(partWordOff*4) + int(dataWordOff*4) + testNumBlocks*di.BlockSize
	img = make([]byte, imgLen)
	copy(img[0:], "RMCP01 test disc")

	partByte := int(partWordOff * 4)
	copy(img[partByte:], part.Marshal())
	copy(img[partByte+int(tmdWordOff*4):], tmd)

	// Encrypt each data block: 0x400 header carrying the IV at 0x3D0,
	// 0x7C00 payload.
	tk, err := aes.NewCipher(titleKey)
	require.NoError(t, err)
	for b := 0; b < testNumBlocks; b++ {
		blockOff := partByte + int(dataWordOff*4) + b*di.BlockSize
		var biv [16]byte
		biv[0] = byte(b + 1)
		copy(img[blockOff+di.BlockIVOffset:], biv[:])
		cipher.NewCBCEncrypter(tk, biv[:]).CryptBlocks(
			img[blockOff+di.BlockHeaderSize:blockOff+di.BlockSize],
			plain[b*di.BlockDataSize:(b+1)*di.BlockDataSize])
	}
	return img, plain, titleKey
}

// newISO hosts the image on a FAT volume, optionally split in two parts.
func newISO(t *testing.T, img []byte, split bool) *ISO {
	t.Helper()

	sectors := uint32(len(img)/fat.SectorSize + 8192)
	dev := fat.NewMemDevice(sectors)
	require.NoError(t, fat.Format(dev, fat.FormatOptions{SectorsPerCluster: 1}))
	vol, err := fat.Mount(dev)
	require.NoError(t, err)

	write := func(path string, data []byte) {
		f, err := vol.OpenFile(path, fat.ModeWrite|fat.ModeCreateNew)
		require.NoError(t, err)
		n, err := f.Write(data)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
		require.NoError(t, f.Close())
	}

	path2 := ""
	if split {
		half := len(img) / 2
		write("/xaa", img[:half])
		write("/xab", img[half:])
		path2 = "/xab"
	} else {
		write("/xaa", img)
	}

	rt := ios.NewRouter()
	require.Equal(t, ios.OK, aesengine.RegisterSoft(rt))
	engine, aerr := aesengine.Open(rt)
	require.Equal(t, ios.OK, aerr)

	iso, err := OpenISO(vol, "/xaa", path2, engine, nil, nil)
	require.NoError(t, err)
	return iso
}

func openTestPartition(t *testing.T, iso *ISO) []byte {
	t.Helper()
	var id [di.DiskIDSize]byte
	require.Equal(t, di.ErrOK, iso.ReadDiskID(id[:]))
	assert.Equal(t, "RMCP", string(id[:4]))

	tmdOut := make([]byte, es.TMDMaxSize)
	require.Equal(t, di.ErrOK, iso.OpenPartition(partWordOff, tmdOut))
	return tmdOut
}

func TestOpenPartitionDerivesTitleKey(t *testing.T) {
	img, _, titleKey := buildImage(t)
	iso := newISO(t, img, false)

	tmdOut := openTestPartition(t, iso)
	parsed, ok := es.ParseTMD(tmdOut[:es.TMDSize(1)])
	require.True(t, ok)
	assert.Equal(t, testTitleID, parsed.TitleID())
	assert.Equal(t, uint16(33), parsed.TitleVersion())

	assert.Equal(t, titleKey, iso.titleKey[:])
	assert.True(t, iso.partOpen)
}

func TestOpenPartitionRequiresDiskID(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)

	tmdOut := make([]byte, es.TMDMaxSize)
	assert.Equal(t, di.ErrInvalid, iso.OpenPartition(partWordOff, tmdOut))
}

func TestSecondOpenPartitionRefused(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)
	openTestPartition(t, iso)

	tmdOut := make([]byte, es.TMDMaxSize)
	assert.Equal(t, di.ErrInvalid, iso.OpenPartition(partWordOff, tmdOut))
}

func TestReadFromPartitionMatchesPlaintext(t *testing.T) {
	img, plain, _ := buildImage(t)
	iso := newISO(t, img, false)
	openTestPartition(t, iso)

	// Aligned read of the first block.
	out := make([]byte, 512)
	require.Equal(t, di.ErrOK, iso.ReadFromPartition(out, 0))
	assert.True(t, bytes.Equal(plain[:512], out))

	// Unaligned offset crossing a block boundary.
	wordOff := uint32((di.BlockDataSize - 256) / 4)
	out = make([]byte, 1024)
	require.Equal(t, di.ErrOK, iso.ReadFromPartition(out, wordOff))
	assert.True(t, bytes.Equal(plain[di.BlockDataSize-256:di.BlockDataSize-256+1024], out))

	// Deterministic: same arguments, same bytes, cache warm or cold.
	again := make([]byte, 1024)
	require.Equal(t, di.ErrOK, iso.ReadFromPartition(again, wordOff))
	assert.True(t, bytes.Equal(out, again))
}

func TestReadFromPartitionAlignmentEnforced(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)
	openTestPartition(t, iso)

	out := make([]byte, 48) // not a multiple of 32
	assert.Equal(t, di.ErrDrive, iso.ReadFromPartition(out, 0))
}

func TestSplitImageReadsIdentical(t *testing.T) {
	img, plain, _ := buildImage(t)

	single := newISO(t, img, false)
	split := newISO(t, img, true)
	openTestPartition(t, single)
	openTestPartition(t, split)

	a := make([]byte, 2048)
	b := make([]byte, 2048)
	off := uint32(di.BlockDataSize/4) + 32
	require.Equal(t, di.ErrOK, single.ReadFromPartition(a, off))
	require.Equal(t, di.ErrOK, split.ReadFromPartition(b, off))
	assert.True(t, bytes.Equal(a, b))
	assert.True(t, bytes.Equal(plain[int(off*4):int(off*4)+2048], a))
}

func TestUnencryptedReadDeterministic(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)

	a := make([]byte, 64)
	b := make([]byte, 64)
	require.Equal(t, di.ErrOK, iso.UnencryptedRead(a, 0))
	require.Equal(t, di.ErrOK, iso.UnencryptedRead(b, 0))
	assert.True(t, bytes.Equal(a, b))
	assert.Equal(t, "RMCP", string(a[:4]))
}

func TestRawReadBounds(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)

	out := make([]byte, 64)
	assert.Equal(t, di.ErrDrive, iso.UnencryptedRead(out, uint32(len(img)/4)))
}

func TestClosePartitionDropsBlockCache(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)
	openTestPartition(t, iso)

	out := make([]byte, 64)
	require.Equal(t, di.ErrOK, iso.ReadFromPartition(out, 0))
	require.NotEqual(t, uint32(invalidBlock), iso.cachedBlock)

	iso.ClosePartition()
	assert.False(t, iso.partOpen)
	assert.Equal(t, uint32(invalidBlock), iso.cachedBlock)
	assert.Equal(t, [16]byte{}, iso.titleKey)
}

func TestDIVerifyHookRuns(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)

	var gotTitleID uint64
	iso.verify = func(titleID uint64, ticket *es.Ticket) es.Error {
		gotTitleID = titleID
		return es.OK
	}
	openTestPartition(t, iso)
	assert.Equal(t, testTitleID, gotTitleID)
}

func TestDIVerifyFailureBlocksOpen(t *testing.T) {
	img, _, _ := buildImage(t)
	iso := newISO(t, img, false)
	iso.verify = func(uint64, *es.Ticket) es.Error { return es.InvalidTicket }

	var id [di.DiskIDSize]byte
	require.Equal(t, di.ErrOK, iso.ReadDiskID(id[:]))
	tmdOut := make([]byte, es.TMDMaxSize)
	assert.Equal(t, di.ErrVerify, iso.OpenPartition(partWordOff, tmdOut))
	assert.False(t, iso.partOpen)
}
