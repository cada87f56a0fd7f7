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

// Package clock abstracts time for the components that must be testable
// against a controlled clock: FAT timestamps, the device-manager poll loop,
// and the hardware time base.
package clock

import "time"

// Clock tells the time and schedules wakeups.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After notifies on the returned channel once d has passed.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production clock, backed by the host's timer.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// After implements Clock.
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
