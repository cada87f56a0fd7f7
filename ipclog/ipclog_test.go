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

package ipclog_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/ipclog"
)

type fixture struct {
	rt      *ios.Router
	ch      *ipclog.Channel
	rc      *ios.ResourceCtrl
	setTick uint32
	setEpch uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{rt: ios.NewRouter()}
	ch, err := ipclog.New(fx.rt, func(tick uint32, epoch uint64) {
		fx.setTick = tick
		fx.setEpch = epoch
	})
	require.Equal(t, ios.OK, err)
	fx.ch = ch
	go ch.Run()

	rc, err := ios.OpenResource(fx.rt, ipclog.DevicePath, ios.ModeNone)
	require.Equal(t, ios.OK, err)
	fx.rc = rc
	return fx
}

// poll parks a long-poll and reports its reply code and payload.
func poll(fx *fixture) (ios.Error, []byte) {
	buf := make([]byte, ipclog.PrintSize)
	ret := fx.rc.Ioctl(ipclog.IoctlRegisterPrintHook, nil, buf)
	return ret, buf
}

func TestPrintDeliversToParkedPoll(t *testing.T) {
	fx := newFixture(t)

	done := make(chan struct{})
	var ret ios.Error
	var payload []byte
	go func() {
		ret, payload = poll(fx)
		close(done)
	}()

	// The emission blocks until the poll is parked, then completes it.
	fx.ch.Print("hello from the coprocessor")
	<-done
	assert.Equal(t, ios.Error(ipclog.ReplyPrint), ret)
	assert.Contains(t, string(payload), "hello from the coprocessor")
}

func TestNotifyReply(t *testing.T) {
	fx := newFixture(t)

	done := make(chan ios.Error, 1)
	go func() {
		ret, _ := poll(fx)
		done <- ret
	}()
	fx.ch.Notify()
	assert.Equal(t, ios.Error(ipclog.ReplyNotice), <-done)
}

func TestDeviceEvents(t *testing.T) {
	fx := newFixture(t)

	type result struct {
		ret ios.Error
		id  byte
	}
	done := make(chan result, 1)
	go func() {
		ret, buf := poll(fx)
		done <- result{ret, buf[0]}
	}()
	fx.ch.NotifyDeviceInsertion(1)
	r := <-done
	assert.Equal(t, ios.Error(ipclog.ReplyDevInsert), r.ret)
	assert.Equal(t, byte(1), r.id)

	go func() {
		ret, buf := poll(fx)
		done <- result{ret, buf[0]}
	}()
	fx.ch.NotifyDeviceRemoval(1)
	r = <-done
	assert.Equal(t, ios.Error(ipclog.ReplyDevRemove), r.ret)
}

func TestStartGameRendezvous(t *testing.T) {
	fx := newFixture(t)

	started := make(chan struct{})
	go func() {
		fx.ch.WaitForStartRequest()
		close(started)
	}()

	select {
	case <-started:
		t.Fatal("rendezvous fired early")
	case <-time.After(20 * time.Millisecond):
	}

	require.Equal(t, ios.OK, fx.rc.Ioctl(ipclog.IoctlStartGameEvent, nil, nil))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("rendezvous never fired")
	}
}

func TestSetTime(t *testing.T) {
	fx := newFixture(t)

	in := make([]byte, 12)
	binary.BigEndian.PutUint32(in[0:4], 0xCAFE1234)
	binary.BigEndian.PutUint64(in[4:12], 1651382400)
	require.Equal(t, ios.OK, fx.rc.Ioctl(ipclog.IoctlSetTime, in, nil))
	assert.Equal(t, uint32(0xCAFE1234), fx.setTick)
	assert.Equal(t, uint64(1651382400), fx.setEpch)

	assert.Equal(t, ios.EInvalid, fx.rc.Ioctl(ipclog.IoctlSetTime, in[:8], nil))
}

func TestCloseDrainsPollAndDisables(t *testing.T) {
	fx := newFixture(t)

	done := make(chan ios.Error, 1)
	go func() {
		ret, _ := poll(fx)
		done <- ret
	}()
	// Let the poll park before closing.
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, ios.OK, fx.rc.Close())
	assert.Equal(t, ios.Error(ipclog.ReplyClose), <-done)
	assert.False(t, fx.ch.Enabled())

	// Emissions after close are dropped, not blocked.
	doneCh := make(chan struct{})
	go func() {
		fx.ch.Print("dropped")
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Print blocked after close")
	}

	// The channel refuses to reopen.
	_, err := ios.OpenResource(fx.rt, ipclog.DevicePath, ios.ModeNone)
	assert.Equal(t, ios.ENoExists, err)
}

func TestBadPollBufferRefused(t *testing.T) {
	fx := newFixture(t)
	buf := make([]byte, 64)
	assert.Equal(t, ios.EInvalid, fx.rc.Ioctl(ipclog.IoctlRegisterPrintHook, nil, buf))
}
