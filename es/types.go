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

// Package es defines the title/entitlement records — tickets, title
// metadata, ticket views — exactly as they appear on the wire and on disc,
// plus the client wrapper over the real entitlement service.
package es

import "encoding/binary"

// Error is the entitlement service's error set.
type Error int32

const (
	OK               Error = 0
	InvalidPubKey    Error = -1005
	ReadError        Error = -1009
	WriteError       Error = -1010
	InvalidSigType   Error = -1012
	MaxOpen          Error = -1016
	Invalid          Error = -1017
	DeviceIDMatch    Error = -1020
	HashMatch        Error = -1022
	NoMemory         Error = -1024
	NoAccess         Error = -1026
	IssuerNotFound   Error = -1027
	TicketNotFound   Error = -1028
	InvalidTicket    Error = -1029
	OutdatedBoot2    Error = -1031
	TicketLimit      Error = -1033
	OutdatedTitle    Error = -1035
	RequiredIOS      Error = -1036
	WrongContentCnt  Error = -1037
	NoTMD            Error = -1039
)

// Record sizes.
const (
	TicketSize     = 0x2A4
	TicketInfoSize = 0xD4
	TicketViewSize = 4 + TicketInfoSize
	TMDHeaderSize  = 0x1E4
	TMDContentSize = 0x24
)

// Field offsets within a ticket.
const (
	ticketTitleKeyOff = 0x1BF
	ticketInfoOff     = 0x1D0
	ticketTitleIDOff  = 0x1DC
)

// TMDSize returns the byte size of a TMD carrying n contents.
func TMDSize(n int) int {
	return TMDHeaderSize + n*TMDContentSize
}

// TMDs passed across the drive interface are bounded by the one-content and
// 512-content fixed variants.
var (
	TMDMinSize = TMDSize(1)
	TMDMaxSize = TMDSize(512)
)

// SystemMenuTitleID is where refused firmware relaunches are redirected.
const SystemMenuTitleID uint64 = 0x0000000100000002

// Ticket is a signed entitlement record. It is held in its exact wire form;
// accessors decode the fields the emulator needs.
type Ticket struct {
	raw [TicketSize]byte
}

// Unmarshal copies the wire form in.
func (t *Ticket) Unmarshal(in []byte) bool {
	if len(in) < TicketSize {
		return false
	}
	copy(t.raw[:], in)
	return true
}

// Marshal returns a copy of the wire form.
func (t *Ticket) Marshal() []byte {
	out := make([]byte, TicketSize)
	copy(out, t.raw[:])
	return out
}

// TitleID returns the 64-bit title identifier.
func (t *Ticket) TitleID() uint64 {
	return binary.BigEndian.Uint64(t.raw[ticketTitleIDOff:])
}

// SetTitleID stores the title identifier, for the image tool and tests.
func (t *Ticket) SetTitleID(id uint64) {
	binary.BigEndian.PutUint64(t.raw[ticketTitleIDOff:], id)
}

// TitleKey returns the AES-encrypted title key.
func (t *Ticket) TitleKey() [16]byte {
	var key [16]byte
	copy(key[:], t.raw[ticketTitleKeyOff:])
	return key
}

// SetTitleKey stores the encrypted title key.
func (t *Ticket) SetTitleKey(key []byte) {
	copy(t.raw[ticketTitleKeyOff:ticketTitleKeyOff+16], key)
}

// CommonKeyIndex selects which common key decrypts the title key.
func (t *Ticket) CommonKeyIndex() uint8 {
	return t.raw[0x1EF]
}

// Info returns the TicketInfo sub-record in wire form.
func (t *Ticket) Info() []byte {
	out := make([]byte, TicketInfoSize)
	copy(out, t.raw[ticketInfoOff:])
	return out
}

// View derives the ticket view handed to launch calls: a zero view handle
// followed by the info sub-record.
func (t *Ticket) View() []byte {
	out := make([]byte, TicketViewSize)
	copy(out[4:], t.raw[ticketInfoOff:])
	return out
}

// TMD is title metadata in its exact wire form.
type TMD struct {
	raw []byte
}

// ParseTMD validates the size bounds and wraps the wire form.
func ParseTMD(in []byte) (*TMD, bool) {
	if len(in) < TMDHeaderSize {
		return nil, false
	}
	t := &TMD{raw: make([]byte, len(in))}
	copy(t.raw, in)
	if TMDSize(int(t.NumContents())) > len(in) {
		return nil, false
	}
	return t, true
}

// Bytes returns the wire form.
func (t *TMD) Bytes() []byte {
	return t.raw
}

// TitleID returns the metadata's title identifier.
func (t *TMD) TitleID() uint64 {
	return binary.BigEndian.Uint64(t.raw[0x18C:])
}

// TitleVersion returns the title version.
func (t *TMD) TitleVersion() uint16 {
	return binary.BigEndian.Uint16(t.raw[0x1DC:])
}

// NumContents returns the content count.
func (t *TMD) NumContents() uint16 {
	return binary.BigEndian.Uint16(t.raw[0x1DE:])
}

// BootIndex returns the boot content index.
func (t *TMD) BootIndex() uint16 {
	return binary.BigEndian.Uint16(t.raw[0x1E0:])
}

// Region returns the region code.
func (t *TMD) Region() uint16 {
	return binary.BigEndian.Uint16(t.raw[0x19C:])
}

// BuildTMD assembles a minimal metadata record for the image tool and the
// tests: header fields plus zeroed content rows.
func BuildTMD(titleID uint64, titleVersion uint16, numContents uint16) []byte {
	out := make([]byte, TMDSize(int(numContents)))
	binary.BigEndian.PutUint32(out[0:4], 0x00010001) // RSA-2048
	binary.BigEndian.PutUint64(out[0x18C:], titleID)
	binary.BigEndian.PutUint16(out[0x1DC:], titleVersion)
	binary.BigEndian.PutUint16(out[0x1DE:], numContents)
	return out
}
