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

package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type LoggerTest struct {
	suite.Suite

	mu    sync.Mutex
	lines []string
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func (t *LoggerTest) SetupTest() {
	t.lines = nil
	AddLineHook(func(line string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.lines = append(t.lines, line)
	})
	SetLogLevel("info")
}

func (t *LoggerTest) TearDownTest() {
	mu.Lock()
	lineHooks = nil
	mu.Unlock()
	SetLogLevel("info")
}

func (t *LoggerTest) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func (t *LoggerTest) TestHookReceivesFormattedLine() {
	Infof("mounted device %d", 3)
	assert.Contains(t.T(), t.snapshot(), "mounted device 3")
}

func (t *LoggerTest) TestSeverityFloorSuppresses() {
	SetLogLevel("error")
	Infof("quiet")
	Warnf("also quiet")
	Errorf("loud")
	lines := t.snapshot()
	assert.NotContains(t.T(), lines, "quiet")
	assert.NotContains(t.T(), lines, "also quiet")
	assert.Contains(t.T(), lines, "loud")
}

func (t *LoggerTest) TestTraceBelowDebug() {
	SetLogLevel("debug")
	Tracef("invisible")
	assert.NotContains(t.T(), t.snapshot(), "invisible")

	SetLogLevel("trace")
	Tracef("visible")
	assert.Contains(t.T(), t.snapshot(), "visible")
}

func (t *LoggerTest) TestOffSilencesEverything() {
	SetLogLevel("off")
	Errorf("nothing")
	assert.Empty(t.T(), t.snapshot())
}
