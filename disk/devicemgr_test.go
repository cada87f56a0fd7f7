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

package disk_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-saoirse/saoirse/clock"
	"github.com/team-saoirse/saoirse/disk"
	"github.com/team-saoirse/saoirse/fat"
)

// scriptedPhys is a pollable device whose presence and startup behaviour
// the test drives.
type scriptedPhys struct {
	*fat.MemDevice
	present    atomic.Bool
	startupOK  atomic.Bool
	startCalls atomic.Int32
}

func newScriptedPhys(t *testing.T) *scriptedPhys {
	t.Helper()
	dev := fat.NewMemDevice(8192)
	require.NoError(t, fat.Format(dev, fat.FormatOptions{SectorsPerCluster: 1}))
	p := &scriptedPhys{MemDevice: dev}
	p.startupOK.Store(true)
	return p
}

func (p *scriptedPhys) Probe() bool { return p.present.Load() }

func (p *scriptedPhys) Startup() bool {
	p.startCalls.Add(1)
	return p.startupOK.Load()
}

// recordingNotifier captures hot-plug events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyDeviceInsertion(id uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "insert")
}

func (n *recordingNotifier) NotifyDeviceRemoval(id uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "remove")
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func startMgr(t *testing.T, phys disk.PhysicalDevice, n disk.Notifier) *disk.DeviceMgr {
	t.Helper()
	mgr := disk.NewDeviceMgr(phys, nil, n)
	mgr.SetPollInterval(time.Millisecond)
	mgr.Start()
	t.Cleanup(func() { mgr.Stop() })
	return mgr
}

func TestMountOnInsert(t *testing.T) {
	phys := newScriptedPhys(t)
	notifier := &recordingNotifier{}
	mgr := startMgr(t, phys, notifier)

	assert.False(t, mgr.IsMounted(disk.DevSDCard))

	phys.present.Store(true)
	require.Eventually(t, func() bool {
		return mgr.IsMounted(disk.DevSDCard)
	}, time.Second, time.Millisecond)

	require.NotNil(t, mgr.Volume(disk.DevSDCard))
	assert.Contains(t, notifier.snapshot(), "insert")
}

func TestUnmountOnEject(t *testing.T) {
	phys := newScriptedPhys(t)
	notifier := &recordingNotifier{}
	mgr := startMgr(t, phys, notifier)

	var ejected atomic.Int32
	mgr.OnUnmount(func(kind disk.DeviceKind) { ejected.Add(1) })

	phys.present.Store(true)
	require.Eventually(t, func() bool {
		return mgr.IsMounted(disk.DevSDCard)
	}, time.Second, time.Millisecond)

	phys.present.Store(false)
	require.Eventually(t, func() bool {
		return !mgr.IsMounted(disk.DevSDCard)
	}, time.Second, time.Millisecond)

	assert.Nil(t, mgr.Volume(disk.DevSDCard))
	assert.Contains(t, notifier.snapshot(), "remove")
	assert.GreaterOrEqual(t, ejected.Load(), int32(1))
}

// A startup failure latches the error until the medium is removed; a
// reinserted medium gets a fresh try.
func TestErrorLatchClearsOnRemoval(t *testing.T) {
	phys := newScriptedPhys(t)
	mgr := startMgr(t, phys, nil)

	phys.startupOK.Store(false)
	phys.present.Store(true)

	require.Eventually(t, func() bool {
		return phys.startCalls.Load() >= 1
	}, time.Second, time.Millisecond)
	// Only one startup attempt despite many polls.
	calls := phys.startCalls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, phys.startCalls.Load())
	assert.False(t, mgr.IsMounted(disk.DevSDCard))
	assert.False(t, mgr.IsInserted(disk.DevSDCard))

	// Eject, fix, reinsert.
	phys.present.Store(false)
	time.Sleep(20 * time.Millisecond)
	phys.startupOK.Store(true)
	phys.present.Store(true)
	require.Eventually(t, func() bool {
		return mgr.IsMounted(disk.DevSDCard)
	}, time.Second, time.Millisecond)
}

func TestLogFileSink(t *testing.T) {
	phys := newScriptedPhys(t)
	mgr := disk.NewDeviceMgr(phys, nil, nil)
	mgr.SetPollInterval(time.Millisecond)
	mgr.LogEnabled = true
	mgr.Start()
	defer mgr.Stop()

	phys.present.Store(true)
	require.Eventually(t, func() bool {
		return mgr.IsLogEnabled()
	}, time.Second, time.Millisecond)

	mgr.WriteToLog("first line")
	mgr.WriteToLog("second line")

	vol := mgr.Volume(disk.DevSDCard)
	require.NotNil(t, vol)
	f, err := vol.OpenFile(disk.LogFileName, fat.ModeRead)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", string(buf[:n]))
}

// The poll rides the clock abstraction; with a simulated clock nothing
// happens until time advances.
func TestPollWithSimulatedClock(t *testing.T) {
	phys := newScriptedPhys(t)
	phys.present.Store(true)

	mgr := disk.NewDeviceMgr(phys, nil, nil)
	sc := clock.NewSimulated(time.Now())
	mgr.Clock = sc
	mgr.Start()
	defer mgr.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, mgr.IsMounted(disk.DevSDCard))

	sc.Advance(disk.PollInterval)
	require.Eventually(t, func() bool {
		return mgr.IsMounted(disk.DevSDCard)
	}, time.Second, time.Millisecond)
}

func TestVolumeByDrive(t *testing.T) {
	phys := newScriptedPhys(t)
	mgr := startMgr(t, phys, nil)
	phys.present.Store(true)
	require.Eventually(t, func() bool {
		return mgr.IsMounted(disk.DevSDCard)
	}, time.Second, time.Millisecond)

	assert.NotNil(t, mgr.VolumeByDrive(0))
	assert.Nil(t, mgr.VolumeByDrive(1))
}
