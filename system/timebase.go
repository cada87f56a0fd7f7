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

package system

import (
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/team-saoirse/saoirse/clock"
	"github.com/team-saoirse/saoirse/hw/acr"
)

// resampleInterval keeps the accumulated tick count ahead of the hardware
// counter's silent rollover. The visible register is 32 bits of a 40-bit
// counter; at the timer rate it wraps well outside this interval.
const resampleInterval = 32 * time.Minute

// TimeBase maintains a rollover-safe 64-bit tick count over the hardware
// timer, with an epoch settable from the host. It satisfies the clock
// interface the FAT layer takes timestamps from. Its timestamps ascend
// across timer rollover; SetTime replaces the epoch and restarts the count,
// which can move the time back.
type TimeBase struct {
	tomb tomb.Tomb

	// readTimer samples the hardware counter's visible word.
	readTimer func() uint32

	mu sync.Mutex

	// GUARDED_BY(mu)
	lastTimer uint32

	// GUARDED_BY(mu)
	ticks uint64

	// epoch is in seconds; zero means the host has not set the clock yet.
	//
	// GUARDED_BY(mu)
	epoch uint64

	// GUARDED_BY(mu)
	started bool
}

// NewTimeBase wraps a timer-sampling function.
func NewTimeBase(readTimer func() uint32) *TimeBase {
	return &TimeBase{readTimer: readTimer}
}

// SetTime atomically seeds the tick base and epoch, and starts the
// resample thread on first use.
func (tb *TimeBase) SetTime(hwTick uint32, epoch uint64) {
	tb.mu.Lock()
	tb.lastTimer = hwTick
	tb.ticks = 0
	tb.epoch = epoch
	start := !tb.started
	tb.started = true
	tb.mu.Unlock()

	if start {
		tb.tomb.Go(tb.run)
	}
}

// Stop terminates the resample thread.
func (tb *TimeBase) Stop() error {
	tb.mu.Lock()
	started := tb.started
	tb.mu.Unlock()
	if !started {
		return nil
	}
	tb.tomb.Kill(nil)
	return tb.tomb.Wait()
}

func (tb *TimeBase) run() error {
	for {
		select {
		case <-tb.tomb.Dying():
			return nil
		case <-time.After(resampleInterval):
		}
		tb.mu.Lock()
		tb.sampleLocked()
		tb.mu.Unlock()
	}
}

// sampleLocked folds the elapsed timer delta into the tick count. Unsigned
// 32-bit subtraction absorbs the rollover.
//
// LOCKS_REQUIRED(tb.mu)
func (tb *TimeBase) sampleLocked() {
	now := tb.readTimer()
	tb.ticks += uint64(now - tb.lastTimer)
	tb.lastTimer = now
}

// Seconds returns the epoch-relative wall time.
func (tb *TimeBase) Seconds() uint64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if !tb.started {
		return 0
	}
	tb.sampleLocked()
	return tb.epoch + tb.ticks/acr.TicksPerSecond
}

// Now renders the wall time for FAT timestamps.
func (tb *TimeBase) Now() time.Time {
	return time.Unix(int64(tb.Seconds()), 0).UTC()
}

// After satisfies the clock interface; host-relative scheduling rides the
// monotonic system timer, not the settable epoch.
func (tb *TimeBase) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

var _ clock.Clock = (*TimeBase)(nil)
