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

// Package acr drives the chipset control registers reachable only from the
// security coprocessor: the free-running hardware timer and the solid-colour
// video override used as a last-resort failure indicator.
package acr

import "github.com/team-saoirse/saoirse/hw/mmio"

// Register offsets within the trusted register window.
const (
	Base uint32 = 0x0D800000

	regTimer   uint32 = Base + 0x010
	regVISolid uint32 = Base + 0x024
)

// Timer geometry: the counter is 40 bits wide and rolls over silently. The
// visible 32-bit register holds the low word; TickMask bounds arithmetic on
// the full count.
const (
	TimerBits = 40
	TickMask  = (uint64(1) << TimerBits) - 1

	// TicksPerSecond converts timer ticks to seconds.
	TicksPerSecond = 1898614
)

// Solid-colour codes (YUV) for AbortColor.
const (
	ColorBlack   uint32 = 0x00800080
	ColorWhite   uint32 = 0xFF80FF80
	ColorRed     uint32 = 0x4C544CFF
	ColorYellow  uint32 = 0xD292D210
	ColorCyan    uint32 = 0xB2ABB200
	ColorPink    uint32 = 0x6ABC6ACA
	ColorDarkRed uint32 = 0x265A26F0
)

// ACR is the register-window handle.
type ACR struct {
	reg *mmio.Region
}

// New wraps the supplied register window.
func New(reg *mmio.Region) *ACR {
	return &ACR{reg: reg}
}

// ReadTimer samples the free-running timer's low word.
func (a *ACR) ReadTimer() uint32 {
	return a.reg.ReadBE32(regTimer)
}

// SetSolidColor forces the video output to a solid colour. Bit 0 enables the
// override.
func (a *ACR) SetSolidColor(color uint32) {
	a.reg.WriteBE32(regVISolid, color|1)
}
