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

package emues_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-saoirse/saoirse/emues"
	"github.com/team-saoirse/saoirse/es"
	"github.com/team-saoirse/saoirse/ios"
)

// fakeES records forwarded entitlement calls.
type fakeES struct {
	queue *ios.Queue[*ios.Request]

	realTitleID     uint64
	launchedTitleID uint64
	launchCount     int
	viewsRequested  uint64
}

func newFakeES() *fakeES {
	return &fakeES{
		queue:       ios.NewQueue[*ios.Request](ios.RequestQueueDepth),
		realTitleID: 0x0001000452414141, // what the real service believes
	}
}

func (f *fakeES) run() {
	for {
		req := f.queue.Receive()
		switch req.Cmd {
		case ios.CmdOpen:
			req.Reply(ios.Error(0))
		case ios.CmdClose:
			req.Reply(ios.OK)
		case ios.CmdIoctlv:
			req.Reply(ios.Error(f.ioctlv(&req.Ioctlv)))
		default:
			req.Reply(ios.Error(es.Invalid))
		}
	}
}

func (f *fakeES) ioctlv(args *ios.IoctlvArgs) es.Error {
	switch es.Ioctl(args.Cmd) {
	case es.IoctlGetTitleID:
		binary.BigEndian.PutUint64(args.Vec[0].Data, f.realTitleID)
		return es.OK
	case es.IoctlGetTicketViews:
		f.viewsRequested = binary.BigEndian.Uint64(args.Vec[0].Data)
		// A recognizable view payload.
		for i := range args.Vec[2].Data {
			args.Vec[2].Data[i] = 0
		}
		args.Vec[2].Data[0] = 0x77
		return es.OK
	case es.IoctlLaunchTitle:
		f.launchCount++
		f.launchedTitleID = binary.BigEndian.Uint64(args.Vec[0].Data)
		return es.OK
	case es.IoctlGetDeviceID:
		binary.BigEndian.PutUint32(args.Vec[0].Data, 0x0DEC0DE)
		return es.OK
	default:
		return es.OK
	}
}

type fixture struct {
	rt   *ios.Router
	real *fakeES
	svc  *emues.Service
	rc   *ios.ResourceCtrl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{rt: ios.NewRouter(), real: newFakeES()}
	require.Equal(t, ios.OK, fx.rt.RegisterResourceManager(es.DevicePath, fx.real.queue))
	go fx.real.run()

	client, err := es.OpenClient(fx.rt)
	require.Equal(t, ios.OK, err)

	fx.svc = emues.New(client, nil)
	require.Equal(t, ios.OK, fx.svc.Register(fx.rt))
	go fx.svc.Run()

	rc, err := ios.OpenResource(fx.rt, emues.AliasPath, ios.ModeNone)
	require.Equal(t, ios.OK, err)
	fx.rc = rc
	t.Cleanup(func() { fx.rc.Close() })
	return fx
}

func ticketFor(titleID uint64) *es.Ticket {
	var tk es.Ticket
	tk.SetTitleID(titleID)
	return &tk
}

func getTitleID(t *testing.T, fx *fixture) (uint64, ios.Error) {
	t.Helper()
	out := make([]byte, 8)
	err := fx.rc.Ioctlv(uint32(es.IoctlGetTitleID), 0, 1, []ios.Vector{{Data: out}})
	return binary.BigEndian.Uint64(out), err
}

func TestGetTitleIDForwardsWithoutContext(t *testing.T) {
	fx := newFixture(t)
	id, err := getTitleID(t, fx)
	require.Equal(t, ios.OK, err)
	assert.Equal(t, fx.real.realTitleID, id)
}

func TestDIVerifyCachesTitleID(t *testing.T) {
	fx := newFixture(t)
	const asserted = uint64(0x00010004524D4350)

	require.Equal(t, es.OK, fx.svc.DIVerify(asserted, ticketFor(asserted)))

	id, err := getTitleID(t, fx)
	require.Equal(t, ios.OK, err)
	assert.Equal(t, asserted, id)
}

func TestDIVerifyTicketMismatch(t *testing.T) {
	fx := newFixture(t)
	assert.Equal(t, es.InvalidTicket,
		fx.svc.DIVerify(0x1111, ticketFor(0x2222)))
}

func TestLaunchTitleRedirectsFirmwareRelaunch(t *testing.T) {
	fx := newFixture(t)

	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, 0x0000000100000040) // an IOS slot
	view := make([]byte, es.TicketViewSize)
	err := fx.rc.Ioctlv(uint32(es.IoctlLaunchTitle), 2, 0,
		[]ios.Vector{{Data: id}, {Data: view}})
	require.Equal(t, ios.OK, err)

	// The kernel call went to the system menu, with a freshly fetched view.
	assert.Equal(t, es.SystemMenuTitleID, fx.real.launchedTitleID)
	assert.Equal(t, es.SystemMenuTitleID, fx.real.viewsRequested)
	assert.Equal(t, 1, fx.real.launchCount)
}

func TestLaunchTitleOrdinaryPassesThrough(t *testing.T) {
	fx := newFixture(t)

	const target = uint64(0x00010001AABBCCDD)
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, target)
	view := make([]byte, es.TicketViewSize)
	err := fx.rc.Ioctlv(uint32(es.IoctlLaunchTitle), 2, 0,
		[]ios.Vector{{Data: id}, {Data: view}})
	require.Equal(t, ios.OK, err)
	assert.Equal(t, target, fx.real.launchedTitleID)
	assert.Zero(t, fx.real.viewsRequested)
}

func TestLaunchTitleSystemMenuNotRedirected(t *testing.T) {
	fx := newFixture(t)

	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, es.SystemMenuTitleID)
	view := make([]byte, es.TicketViewSize)
	err := fx.rc.Ioctlv(uint32(es.IoctlLaunchTitle), 2, 0,
		[]ios.Vector{{Data: id}, {Data: view}})
	require.Equal(t, ios.OK, err)
	assert.Equal(t, es.SystemMenuTitleID, fx.real.launchedTitleID)
	assert.Zero(t, fx.real.viewsRequested) // no view fetch needed
}

func TestVectorValidation(t *testing.T) {
	fx := newFixture(t)

	// Wrong title ID size.
	bad := make([]byte, 4)
	view := make([]byte, es.TicketViewSize)
	err := fx.rc.Ioctlv(uint32(es.IoctlLaunchTitle), 2, 0,
		[]ios.Vector{{Data: bad}, {Data: view}})
	assert.Equal(t, ios.Error(es.Invalid), err)

	// Wrong vector counts.
	out := make([]byte, 8)
	err = fx.rc.Ioctlv(uint32(es.IoctlGetTitleID), 1, 1,
		[]ios.Vector{{Data: out}, {Data: out}})
	assert.Equal(t, ios.Error(es.Invalid), err)

	// Misaligned output vector.
	err = fx.rc.Ioctlv(uint32(es.IoctlGetTitleID), 0, 1,
		[]ios.Vector{{Data: out, Misaligned: true}})
	assert.Equal(t, ios.Error(es.Invalid), err)

	// Unknown command.
	err = fx.rc.Ioctlv(0x7F, 0, 0, nil)
	assert.Equal(t, ios.Error(es.Invalid), err)
}

func TestGetDeviceIDForwards(t *testing.T) {
	fx := newFixture(t)
	out := make([]byte, 4)
	err := fx.rc.Ioctlv(uint32(es.IoctlGetDeviceID), 0, 1,
		[]ios.Vector{{Data: out}})
	require.Equal(t, ios.OK, err)
	assert.Equal(t, uint32(0x0DEC0DE), binary.BigEndian.Uint32(out))
}
