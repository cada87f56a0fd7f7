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
	"sync"

	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/ios"
)

// Bulk-only storage devices enumerate with the bulk IN endpoint at 1 and
// the bulk OUT endpoint at 2 on every stick the loader cares about; devices
// with exotic layouts simply fail startup and latch the slot error.
const (
	usbDefaultEpIn  = 1
	usbDefaultEpOut = 2
)

// Probe implements PhysicalDevice presence for the SD slot.
func (sd *SDCard) Probe() bool {
	return sd.IsInserted()
}

// USBSlot adapts the USB host interface to one pollable storage slot.
type USBSlot struct {
	host USBHost

	mu sync.Mutex

	// GUARDED_BY(mu)
	storage *USBStorage
	devID   int32
}

// NewUSBSlot wraps the host interface.
func NewUSBSlot(host USBHost) *USBSlot {
	return &USBSlot{host: host, devID: -1}
}

// Probe implements PhysicalDevice: presence means the device list is
// non-empty.
func (s *USBSlot) Probe() bool {
	devices, err := s.host.Devices()
	if err != ios.OK || len(devices) == 0 {
		s.mu.Lock()
		s.storage = nil
		s.devID = -1
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devID != devices[0].DevID {
		// A different stick; any previous transport state is stale.
		s.storage = nil
		s.devID = devices[0].DevID
	}
	return true
}

// Startup implements PhysicalDevice: bind the transport to the enumerated
// device.
func (s *USBSlot) Startup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devID < 0 {
		return false
	}
	if s.storage == nil {
		s.storage = OpenUSBStorage(s.host, s.devID, 0, usbDefaultEpIn, usbDefaultEpOut)
	}
	return true
}

func (s *USBSlot) current() *USBStorage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage
}

// ReadSectors implements fat.BlockDevice.
func (s *USBSlot) ReadSectors(sector uint32, buf []byte) error {
	st := s.current()
	if st == nil {
		return fat.ErrNotReady
	}
	return st.ReadSectors(sector, buf)
}

// WriteSectors implements fat.BlockDevice.
func (s *USBSlot) WriteSectors(sector uint32, buf []byte) error {
	st := s.current()
	if st == nil {
		return fat.ErrNotReady
	}
	return st.WriteSectors(sector, buf)
}

// Sync implements fat.BlockDevice.
func (s *USBSlot) Sync() error {
	return nil
}

// SectorCount implements fat.BlockDevice.
func (s *USBSlot) SectorCount() uint32 {
	return ^uint32(0)
}
