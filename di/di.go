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

// Package di defines the disc-interface protocol: command numbers, the
// 32-byte command block, error flags, and the on-disc partition descriptor.
package di

import (
	"encoding/binary"

	"github.com/team-saoirse/saoirse/es"
	"github.com/team-saoirse/saoirse/ios"
)

// DevicePath is the drive device.
const DevicePath = "/dev/di"

// Ioctl numbers of the drive. The first byte of the command block repeats
// the number.
type Ioctl uint8

const (
	IoctlInquiry             Ioctl = 0x12
	IoctlGetStatusRegister   Ioctl = 0x20
	IoctlGetControlRegister  Ioctl = 0x21
	IoctlReadDiskID          Ioctl = 0x70
	IoctlRead                Ioctl = 0x71
	IoctlWaitForCoverClose   Ioctl = 0x79
	IoctlGetCoverRegister    Ioctl = 0x7A
	IoctlClearCoverInterrupt Ioctl = 0x86
	IoctlGetCoverStatus      Ioctl = 0x88
	IoctlReset               Ioctl = 0x8A
	IoctlOpenPartition       Ioctl = 0x8B
	IoctlClosePartition      Ioctl = 0x8C
	IoctlUnencryptedRead     Ioctl = 0x8D
	IoctlSeek                Ioctl = 0xAB
	IoctlReadDiskBca         Ioctl = 0xDA
	IoctlRequestDiscStatus   Ioctl = 0xDB

	// Private commands of the emulated drive: install the patch table and
	// the one-way start-game latch.
	IoctlPatchDrive Ioctl = 0x00
	IoctlStartGame  Ioctl = 0x01
)

// Error is the drive's flag-style result set. OK is 1, not 0.
type Error int32

const (
	ErrOK       Error = 1 << 0
	ErrDrive    Error = 1 << 1
	ErrCover    Error = 1 << 2
	ErrTimeout  Error = 1 << 4
	ErrSecurity Error = 1 << 5
	ErrVerify   Error = 1 << 6
	ErrInvalid  Error = 1 << 7
)

// CommandSize is the wire size of the command block: one command byte, three
// pad bytes, seven argument words.
const CommandSize = 32

// Command is the decoded command block.
type Command struct {
	Cmd  Ioctl
	Args [7]uint32
}

// ParseCommand decodes a command block.
func ParseCommand(in []byte) (*Command, bool) {
	if len(in) < CommandSize {
		return nil, false
	}
	c := &Command{Cmd: Ioctl(in[0])}
	for i := range c.Args {
		c.Args[i] = binary.BigEndian.Uint32(in[4+i*4:])
	}
	return c, true
}

// Marshal renders the wire form.
func (c *Command) Marshal() []byte {
	out := make([]byte, CommandSize)
	out[0] = uint8(c.Cmd)
	for i, a := range c.Args {
		binary.BigEndian.PutUint32(out[4+i*4:], a)
	}
	return out
}

// DiskIDSize is the identifier block at disc offset zero.
const DiskIDSize = 32

// DriveInfoSize is the Inquiry payload.
const DriveInfoSize = 32

// Unencrypted reads are confined to the header region and must avoid the
// two ranges games probe for unauthorised-device detection.
const (
	UnencryptedReadLimit = 0x14000

	ProbeRange1Start = 0x460A0000
	ProbeRange1End   = 0x460A0008
	ProbeRange2Start = 0x7ED40000
	ProbeRange2End   = 0x7ED40008
)

// Block geometry of partition data.
const (
	BlockSize       = 0x8000
	BlockHeaderSize = 0x400
	BlockDataSize   = 0x7C00

	// BlockIVOffset locates the AES-CBC IV inside the block header.
	BlockIVOffset = 0x3D0
)

// Partition is the descriptor read at a partition's word offset. All
// offsets are in words, relative to the partition start.
type Partition struct {
	Ticket          es.Ticket
	TMDByteLength   uint32
	TMDWordOffset   uint32
	CertByteLength  uint32
	CertWordOffset  uint32
	H3WordOffset    uint32
	DataWordOffset  uint32
	DataWordLength  uint32
}

// PartitionSize is the descriptor's wire size.
const PartitionSize = es.TicketSize + 7*4

// ParsePartition decodes a descriptor.
func ParsePartition(in []byte) (*Partition, bool) {
	if len(in) < PartitionSize {
		return nil, false
	}
	p := &Partition{}
	if !p.Ticket.Unmarshal(in[:es.TicketSize]) {
		return nil, false
	}
	rest := in[es.TicketSize:]
	p.TMDByteLength = binary.BigEndian.Uint32(rest[0:4])
	p.TMDWordOffset = binary.BigEndian.Uint32(rest[4:8])
	p.CertByteLength = binary.BigEndian.Uint32(rest[8:12])
	p.CertWordOffset = binary.BigEndian.Uint32(rest[12:16])
	p.H3WordOffset = binary.BigEndian.Uint32(rest[16:20])
	p.DataWordOffset = binary.BigEndian.Uint32(rest[20:24])
	p.DataWordLength = binary.BigEndian.Uint32(rest[24:28])
	return p, true
}

// Marshal renders the wire form, for the image tool and tests.
func (p *Partition) Marshal() []byte {
	out := make([]byte, PartitionSize)
	copy(out, p.Ticket.Marshal())
	rest := out[es.TicketSize:]
	binary.BigEndian.PutUint32(rest[0:4], p.TMDByteLength)
	binary.BigEndian.PutUint32(rest[4:8], p.TMDWordOffset)
	binary.BigEndian.PutUint32(rest[8:12], p.CertByteLength)
	binary.BigEndian.PutUint32(rest[12:16], p.CertWordOffset)
	binary.BigEndian.PutUint32(rest[16:20], p.H3WordOffset)
	binary.BigEndian.PutUint32(rest[20:24], p.DataWordOffset)
	binary.BigEndian.PutUint32(rest[24:28], p.DataWordLength)
	return out
}

// Drive is a client handle to the real drive, used when commands are
// forwarded rather than emulated.
type Drive struct {
	rm *ios.ResourceCtrl
}

// OpenDrive opens the real drive device.
func OpenDrive(rt *ios.Router) (*Drive, ios.Error) {
	rm, err := ios.OpenResource(rt, DevicePath, ios.ModeNone)
	if err != ios.OK {
		return nil, err
	}
	return &Drive{rm: rm}, ios.OK
}

// Present reports whether a real drive was reachable.
func (d *Drive) Present() bool {
	return d != nil && d.rm != nil
}

// Ioctl forwards a command block unchanged.
func (d *Drive) Ioctl(cmd Ioctl, in []byte, io []byte) ios.Error {
	return d.rm.Ioctl(uint32(cmd), in, io)
}

// Ioctlv forwards a vectored command unchanged.
func (d *Drive) Ioctlv(cmd Ioctl, inCount, ioCount uint32, vec []ios.Vector) ios.Error {
	return d.rm.Ioctlv(uint32(cmd), inCount, ioCount, vec)
}

// Inquiry fills the drive-information block.
func (d *Drive) Inquiry(out []byte) ios.Error {
	cmd := Command{Cmd: IoctlInquiry}
	return d.Ioctl(IoctlInquiry, cmd.Marshal(), out)
}

// Read issues a partition-relative read at word addressing.
func (d *Drive) Read(out []byte, wordOffset uint32) ios.Error {
	cmd := Command{Cmd: IoctlRead}
	cmd.Args[0] = uint32(len(out))
	cmd.Args[1] = wordOffset
	return d.Ioctl(IoctlRead, cmd.Marshal(), out)
}
