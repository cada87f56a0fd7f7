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
	"time"

	"gopkg.in/tomb.v2"

	"github.com/team-saoirse/saoirse/clock"
	"github.com/team-saoirse/saoirse/fat"
)

// DeviceKind identifies a storage slot. The slot number doubles as the
// logical drive number carried in disc patches.
type DeviceKind int

const (
	DevSDCard DeviceKind = iota
	DevUSB0
	DeviceCount
)

// PollInterval is the presence-poll period.
const PollInterval = 64 * time.Millisecond

// LogFileName is the log sink path on the designated device.
const LogFileName = "/log.txt"

// PhysicalDevice is one pollable storage endpoint.
type PhysicalDevice interface {
	fat.BlockDevice

	// Probe samples physical presence.
	Probe() bool

	// Startup initializes the medium after insertion.
	Startup() bool
}

// Notifier receives hot-plug events; notifications travel one way, from the
// manager to the channel.
type Notifier interface {
	NotifyDeviceInsertion(id uint8)
	NotifyDeviceRemoval(id uint8)
}

// deviceHandle is the per-slot state machine:
// not-inserted -> inserted -> mounted -> unmounted -> not-inserted.
// An error holds the slot down until the medium is removed, which clears it.
type deviceHandle struct {
	phys     PhysicalDevice
	inserted bool
	errored  bool
	mounted  bool
	fs       *fat.FS
}

// DeviceMgr owns mount state for every slot. It is the sole mutator; all
// other components read through the IsMounted/Volume accessors.
type DeviceMgr struct {
	tomb tomb.Tomb

	// Now feeds FAT timestamps on mounted volumes.
	Now func() time.Time

	// LogEnabled gates the on-card log file.
	LogEnabled bool

	// Clock schedules the poll; tests install a simulated clock.
	Clock clock.Clock

	notifier Notifier
	interval time.Duration
	kick     chan struct{}

	mu sync.Mutex

	// GUARDED_BY(mu)
	devices [DeviceCount]deviceHandle

	// The slot designated as the log sink and its open file.
	//
	// GUARDED_BY(mu)
	logDevice  DeviceKind
	logFile    *fat.File
	logOpen    bool
	onUnmount  []func(DeviceKind)
	onMountFns []func(DeviceKind)
}

// NewDeviceMgr wires the manager. Slots without hardware pass nil and stay
// permanently not-inserted.
func NewDeviceMgr(sd PhysicalDevice, usb PhysicalDevice, notifier Notifier) *DeviceMgr {
	m := &DeviceMgr{
		Clock:     clock.SystemClock{},
		notifier:  notifier,
		interval:  PollInterval,
		kick:      make(chan struct{}, 1),
		logDevice: DevSDCard,
	}
	m.devices[DevSDCard].phys = sd
	m.devices[DevUSB0].phys = usb
	return m
}

// Start launches the poll thread.
func (m *DeviceMgr) Start() {
	m.tomb.Go(m.run)
}

// Stop tears the poll thread down and unmounts everything.
func (m *DeviceMgr) Stop() error {
	m.tomb.Kill(nil)
	err := m.tomb.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for kind := DeviceKind(0); kind < DeviceCount; kind++ {
		if m.devices[kind].mounted {
			m.unmountLocked(kind)
		}
	}
	return err
}

// SetPollInterval overrides the poll period; tests shorten it.
func (m *DeviceMgr) SetPollInterval(d time.Duration) {
	m.interval = d
}

// ForceUpdate kicks the poll thread ahead of its timer. SetError calls it
// after latching a slot error.
func (m *DeviceMgr) ForceUpdate() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// OnUnmount registers a callback run after a slot is unmounted; emu-fs uses
// this to force its replaced-file slots closed on eject.
func (m *DeviceMgr) OnUnmount(fn func(DeviceKind)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnmount = append(m.onUnmount, fn)
}

// OnMount registers a callback run after a slot is mounted.
func (m *DeviceMgr) OnMount(fn func(DeviceKind)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMountFns = append(m.onMountFns, fn)
}

// IsInserted reports medium presence without an error latched.
func (m *DeviceMgr) IsInserted(kind DeviceKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &m.devices[kind]
	return d.inserted && !d.errored
}

// IsMounted reports whether the slot carries a usable volume.
func (m *DeviceMgr) IsMounted(kind DeviceKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &m.devices[kind]
	return d.inserted && !d.errored && d.mounted
}

// Volume returns the slot's mounted volume, or nil.
func (m *DeviceMgr) Volume(kind DeviceKind) *fat.FS {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind < 0 || kind >= DeviceCount || !m.devices[kind].mounted {
		return nil
	}
	return m.devices[kind].fs
}

// VolumeByDrive maps a logical drive number (as carried in disc patches) to
// its volume.
func (m *DeviceMgr) VolumeByDrive(drv uint32) *fat.FS {
	return m.Volume(DeviceKind(drv))
}

// SetError latches an error on the slot until the medium is removed.
func (m *DeviceMgr) SetError(kind DeviceKind) {
	m.mu.Lock()
	m.devices[kind].errored = true
	m.mu.Unlock()
	m.ForceUpdate()
}

func (m *DeviceMgr) run() error {
	for {
		select {
		case <-m.tomb.Dying():
			return nil
		case <-m.Clock.After(m.interval):
		case <-m.kick:
		}
		m.poll()
	}
}

func (m *DeviceMgr) poll() {
	for kind := DeviceKind(0); kind < DeviceCount; kind++ {
		m.mu.Lock()
		d := &m.devices[kind]
		if d.phys == nil {
			m.mu.Unlock()
			continue
		}
		wasInserted := d.inserted
		d.inserted = d.phys.Probe()
		nowInserted := d.inserted
		m.mu.Unlock()

		if nowInserted != wasInserted && m.notifier != nil {
			if nowInserted {
				m.notifier.NotifyDeviceInsertion(uint8(kind))
			} else {
				m.notifier.NotifyDeviceRemoval(uint8(kind))
			}
		}
		m.updateHandle(kind)
	}
}

func (m *DeviceMgr) updateHandle(kind DeviceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &m.devices[kind]

	// Ejection clears a latched error so a reinserted medium gets another
	// try.
	if !d.inserted && d.errored && !d.mounted {
		d.errored = false
	}

	if !d.inserted && d.mounted {
		m.unmountLocked(kind)
		return
	}

	if d.inserted && !d.mounted && !d.errored {
		m.mountLocked(kind)
	}
}

// LOCKS_REQUIRED(m.mu)
func (m *DeviceMgr) mountLocked(kind DeviceKind) {
	d := &m.devices[kind]

	// Anything short of full success latches the error.
	d.errored = true

	if !d.phys.Startup() {
		return
	}
	fs, err := fat.Mount(d.phys)
	if err != nil {
		return
	}
	fs.Now = m.Now

	d.fs = fs
	d.mounted = true
	d.errored = false

	if m.LogEnabled && kind == m.logDevice && !m.logOpen {
		m.openLogFileLocked()
	}
	for _, fn := range m.onMountFns {
		fn(kind)
	}
}

// LOCKS_REQUIRED(m.mu)
func (m *DeviceMgr) unmountLocked(kind DeviceKind) {
	d := &m.devices[kind]

	if m.logOpen && kind == m.logDevice {
		m.logFile = nil
		m.logOpen = false
	}

	d.errored = true
	d.mounted = false
	if d.fs != nil {
		if err := d.fs.Unmount(); err == nil {
			d.errored = false
		}
		d.fs = nil
	}
	for _, fn := range m.onUnmount {
		fn(kind)
	}
}

// LOCKS_REQUIRED(m.mu)
func (m *DeviceMgr) openLogFileLocked() {
	d := &m.devices[m.logDevice]
	f, err := d.fs.OpenFile(LogFileName, fat.ModeWrite|fat.ModeCreateAlways)
	if err != nil {
		return
	}
	m.logFile = f
	m.logOpen = true
}

// IsLogEnabled reports whether the on-card log sink is writable.
func (m *DeviceMgr) IsLogEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logOpen
}

// WriteToLog appends one line to the on-card log file.
func (m *DeviceMgr) WriteToLog(line string) {
	m.mu.Lock()
	f := m.logFile
	open := m.logOpen
	m.mu.Unlock()
	if !open {
		return
	}
	if _, err := f.Write([]byte(line)); err != nil {
		return
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return
	}
	f.SyncFile()
}
