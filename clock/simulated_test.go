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

package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/team-saoirse/saoirse/clock"
)

func TestSimulatedAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)
	sc := clock.NewSimulated(start)

	ch := sc.After(64 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before the clock moved")
	default:
	}

	sc.Advance(32 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	sc.Advance(32 * time.Millisecond)
	select {
	case at := <-ch:
		assert.Equal(t, start.Add(64*time.Millisecond), at)
	default:
		t.Fatal("never fired")
	}
	assert.Equal(t, start.Add(64*time.Millisecond), sc.Now())
}

func TestSimulatedNonPositiveFiresImmediately(t *testing.T) {
	sc := clock.NewSimulated(time.Unix(0, 0))
	select {
	case <-sc.After(0):
	default:
		t.Fatal("zero duration did not fire")
	}
}

func TestSimulatedSetReleasesDueWaiters(t *testing.T) {
	start := time.Unix(1000, 0)
	sc := clock.NewSimulated(start)

	early := sc.After(time.Second)
	late := sc.After(time.Hour)

	sc.Set(start.Add(time.Minute))
	select {
	case <-early:
	default:
		t.Fatal("due waiter not released")
	}
	select {
	case <-late:
		t.Fatal("future waiter released")
	default:
	}
}
