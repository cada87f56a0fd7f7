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

package emufs_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-saoirse/saoirse/cfg"
	"github.com/team-saoirse/saoirse/disk"
	"github.com/team-saoirse/saoirse/emufs"
	"github.com/team-saoirse/saoirse/fat"
	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/isfs"
)

const savePath = "/title/00010004/524d4350/data/save.bin"

// memPhys is an always-present physical device over an in-memory image.
type memPhys struct {
	*fat.MemDevice
}

func (memPhys) Probe() bool   { return true }
func (memPhys) Startup() bool { return true }

// fakeRealFS stands in for the real filesystem manager: "/dev/fs" plus the
// file-path namespace. It records forwarded manager ioctls.
type fakeRealFS struct {
	queue *ios.Queue[*ios.Request]

	files map[string][]byte

	// open file handles: path and position.
	handles map[int32]*fakeHandle
	nextFd  int32

	lastIoctlCmd uint32
	lastIoctlIn  []byte
	ioctlCount   int

	lastOpenUID uint32
	lastOpenGID uint16
}

type fakeHandle struct {
	path    string
	pos     int32
	manager bool
}

func newFakeRealFS() *fakeRealFS {
	return &fakeRealFS{
		queue:   ios.NewQueue[*ios.Request](ios.RequestQueueDepth),
		files:   make(map[string][]byte),
		handles: make(map[int32]*fakeHandle),
	}
}

func (f *fakeRealFS) register(t *testing.T, rt *ios.Router) {
	t.Helper()
	require.Equal(t, ios.OK, rt.RegisterResourceManager(isfs.DevicePath, f.queue))
	require.Equal(t, ios.OK, rt.RegisterResourceManager("/", f.queue))
	go f.run()
}

func (f *fakeRealFS) run() {
	for {
		req := f.queue.Receive()
		req.Reply(f.handle(req))
	}
}

func (f *fakeRealFS) handle(req *ios.Request) ios.Error {
	switch req.Cmd {
	case ios.CmdOpen:
		switch {
		case req.Open.Path == isfs.DevicePath:
			f.lastOpenUID = req.Open.UID
			f.lastOpenGID = req.Open.GID
			fd := f.nextFd
			f.nextFd++
			f.handles[fd] = &fakeHandle{manager: true}
			return ios.Error(fd)
		default:
			if _, ok := f.files[req.Open.Path]; !ok {
				return isfs.NotFound
			}
			fd := f.nextFd
			f.nextFd++
			f.handles[fd] = &fakeHandle{path: req.Open.Path}
			return ios.Error(fd)
		}

	case ios.CmdClose:
		delete(f.handles, req.Handle)
		return ios.OK

	case ios.CmdRead:
		h := f.handles[req.Handle]
		if h == nil || h.manager {
			return isfs.Invalid
		}
		data := f.files[h.path]
		if int(h.pos) >= len(data) {
			return ios.Error(0)
		}
		n := copy(req.Read.Data, data[h.pos:])
		h.pos += int32(n)
		return ios.Error(n)

	case ios.CmdSeek:
		h := f.handles[req.Handle]
		if h == nil || h.manager {
			return isfs.Invalid
		}
		size := int32(len(f.files[h.path]))
		var base int32
		switch req.Seek.Whence {
		case ios.SeekSet:
			base = 0
		case ios.SeekCur:
			base = h.pos
		case ios.SeekEnd:
			base = size
		default:
			return isfs.Invalid
		}
		pos := base + req.Seek.Where
		if pos < 0 || pos > size {
			return isfs.Invalid
		}
		h.pos = pos
		return ios.Error(pos)

	case ios.CmdIoctl:
		h := f.handles[req.Handle]
		if h == nil || !h.manager {
			return isfs.Invalid
		}
		f.ioctlCount++
		f.lastIoctlCmd = req.Ioctl.Cmd
		f.lastIoctlIn = append([]byte(nil), req.Ioctl.In...)
		if isfs.Ioctl(req.Ioctl.Cmd) == isfs.IoctlDelete {
			path := isfs.CString(req.Ioctl.In[:isfs.MaxPath])
			delete(f.files, path)
		}
		return isfs.OK

	case ios.CmdIoctlv:
		f.ioctlCount++
		f.lastIoctlCmd = req.Ioctlv.Cmd
		return isfs.OK

	default:
		return isfs.Invalid
	}
}

type fixture struct {
	rt   *ios.Router
	real *fakeRealFS
	mgr  *disk.DeviceMgr
	vol  *fat.MemDevice
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	// A formatted card with the replaced directory tree in place.
	dev := fat.NewMemDevice(8192)
	require.NoError(t, fat.Format(dev, fat.FormatOptions{SectorsPerCluster: 1}))
	vol, err := fat.Mount(dev)
	require.NoError(t, err)
	for _, dir := range []string{
		"/title", "/title/00010004", "/title/00010004/524d4350",
		"/title/00010004/524d4350/data",
	} {
		require.NoError(t, vol.Mkdir(dir))
	}
	require.NoError(t, vol.Unmount())

	fx := &fixture{rt: ios.NewRouter(), real: newFakeRealFS(), vol: dev}

	fx.mgr = disk.NewDeviceMgr(memPhys{dev}, nil, nil)
	fx.mgr.SetPollInterval(time.Millisecond)

	svc := emufs.New(fx.rt, cfg.Default(), fx.mgr, nil)
	require.Equal(t, ios.OK, svc.Register(fx.rt))
	go svc.Run()

	fx.real.register(t, fx.rt)

	fx.mgr.Start()
	t.Cleanup(func() { fx.mgr.Stop() })
	require.Eventually(t, func() bool {
		return fx.mgr.IsMounted(disk.DevSDCard)
	}, time.Second, time.Millisecond)

	return fx
}

// hostOpen performs an open the way the kernel hook delivers it: with the
// leading separator rewritten to the alias character.
func hostOpen(t *testing.T, fx *fixture, path string, mode uint32) *ios.ResourceCtrl {
	t.Helper()
	rc, err := ios.OpenResourceAs(fx.rt, "$"+path[1:], mode, 0x1000, 1)
	require.Equal(t, ios.OK, err)
	return rc
}

func TestReplacedOpenReadWrite(t *testing.T) {
	fx := newFixture(t)

	// Seed the save file through the backing volume.
	vol := fx.mgr.Volume(disk.DevSDCard)
	require.NotNil(t, vol)
	f, err := vol.OpenFile(savePath, fat.ModeWrite|fat.ModeCreateNew)
	require.NoError(t, err)
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rc := hostOpen(t, fx, savePath, ios.ModeRead)

	buf := make([]byte, 32)
	n, ioErr := rc.Read(buf)
	require.Equal(t, ios.OK, ioErr)
	assert.Equal(t, int32(32), n)
	assert.True(t, bytes.Equal(payload[:32], buf))

	// GetFileStats: size and position.
	stats := make([]byte, 8)
	require.Equal(t, ios.OK, rc.Ioctl(uint32(isfs.IoctlGetFileStats), nil, stats))
	assert.Equal(t, uint32(64), binary.BigEndian.Uint32(stats[0:4]))
	assert.Equal(t, uint32(32), binary.BigEndian.Uint32(stats[4:8]))

	assert.Equal(t, ios.OK, rc.Close())
}

func TestReplacedWrongModeRefused(t *testing.T) {
	fx := newFixture(t)
	vol := fx.mgr.Volume(disk.DevSDCard)
	f, err := vol.OpenFile(savePath, fat.ModeWrite|fat.ModeCreateNew)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rc := hostOpen(t, fx, savePath, ios.ModeRead)
	_, ioErr := rc.Write([]byte("nope"))
	assert.Equal(t, isfs.NoAccess, ioErr)
	rc.Close()
}

func TestReplacedOpenMissingFile(t *testing.T) {
	fx := newFixture(t)
	_, err := ios.OpenResourceAs(fx.rt, "$"+savePath[1:], ios.ModeRead, 0, 0)
	assert.Equal(t, isfs.NotFound, err)
}

func TestConcurrentReplacedOpenLocked(t *testing.T) {
	fx := newFixture(t)
	vol := fx.mgr.Volume(disk.DevSDCard)
	f, err := vol.OpenFile(savePath, fat.ModeWrite|fat.ModeCreateNew)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rc := hostOpen(t, fx, savePath, ios.ModeRead)
	defer rc.Close()

	_, openErr := ios.OpenResourceAs(fx.rt, "$"+savePath[1:], ios.ModeRead, 0, 0)
	assert.Equal(t, isfs.Locked, openErr)
}

func TestManagerForwardsUnreplacedCreateDir(t *testing.T) {
	fx := newFixture(t)

	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0x1234, 2)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()

	// The caller identity is asserted on the nested real open.
	assert.Equal(t, uint32(0x1234), fx.real.lastOpenUID)
	assert.Equal(t, uint16(2), fx.real.lastOpenGID)

	block := isfs.AttrBlock{Path: "/tmp/xyz"}
	require.Equal(t, ios.OK, mgr.Ioctl(uint32(isfs.IoctlCreateDir), block.Marshal(), nil))
	assert.Equal(t, uint32(isfs.IoctlCreateDir), fx.real.lastIoctlCmd)
}

func TestManagerCreateDirReplaced(t *testing.T) {
	fx := newFixture(t)

	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0, 0)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()

	const dir = "/title/00010004/524d4350/data/sub"
	block := isfs.AttrBlock{Path: dir}
	require.Equal(t, ios.OK, mgr.Ioctl(uint32(isfs.IoctlCreateDir), block.Marshal(), nil))

	vol := fx.mgr.Volume(disk.DevSDCard)
	fi, statErr := vol.Stat(dir)
	require.NoError(t, statErr)
	assert.True(t, fi.IsDir())
	// Nothing forwarded.
	assert.Zero(t, fx.real.ioctlCount)
}

func TestManagerFormatRefused(t *testing.T) {
	fx := newFixture(t)
	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0, 0)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()

	assert.Equal(t, isfs.NoAccess, mgr.Ioctl(uint32(isfs.IoctlFormat), nil, nil))
}

func TestManagerGetAttrStubs(t *testing.T) {
	fx := newFixture(t)
	vol := fx.mgr.Volume(disk.DevSDCard)
	f, err := vol.OpenFile(savePath, fat.ModeWrite|fat.ModeCreateNew)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mgr, ioErr := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0x42, 7)
	require.Equal(t, ios.OK, ioErr)
	defer mgr.Close()

	in := make([]byte, isfs.MaxPath)
	copy(in, savePath)
	out := make([]byte, isfs.AttrBlockSize)
	require.Equal(t, ios.OK, mgr.Ioctl(uint32(isfs.IoctlGetAttr), in, out))

	block, perr := isfs.ParseAttrBlock(out)
	require.Equal(t, isfs.OK, perr)
	assert.Equal(t, uint32(0x42), block.OwnerID)
	assert.Equal(t, uint16(7), block.GroupID)
	assert.Equal(t, uint8(3), block.OwnerPerm)
	assert.Equal(t, uint8(3), block.GroupPerm)
	assert.Equal(t, uint8(1), block.OtherPerm)
}

func TestRenameHostToFAT(t *testing.T) {
	fx := newFixture(t)

	content := make([]byte, 12345)
	for i := range content {
		content[i] = byte(i * 3)
	}
	fx.real.files["/tmp/new.dat"] = content

	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0, 0)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()

	block := isfs.RenameBlock{PathOld: "/tmp/new.dat", PathNew: savePath}
	require.Equal(t, ios.OK, mgr.Ioctl(uint32(isfs.IoctlRename), block.Marshal(), nil))

	// The payload crossed onto FAT.
	vol := fx.mgr.Volume(disk.DevSDCard)
	f, ferr := vol.OpenFile(savePath, fat.ModeRead)
	require.NoError(t, ferr)
	got := make([]byte, len(content))
	n, ferr := f.Read(got)
	require.NoError(t, ferr)
	require.Equal(t, len(content), n)
	assert.True(t, bytes.Equal(content, got))

	// The delete of the source was forwarded to the real manager.
	assert.Equal(t, uint32(isfs.IoctlDelete), fx.real.lastIoctlCmd)
	_, exists := fx.real.files["/tmp/new.dat"]
	assert.False(t, exists)
}

func TestRenameOutsideTmpRefused(t *testing.T) {
	fx := newFixture(t)
	fx.real.files["/shared2/e.dat"] = []byte("x")

	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0, 0)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()

	block := isfs.RenameBlock{PathOld: "/shared2/e.dat", PathNew: savePath}
	assert.Equal(t, isfs.NoAccess,
		mgr.Ioctl(uint32(isfs.IoctlRename), block.Marshal(), nil))
}

func TestForwardedFileOpen(t *testing.T) {
	fx := newFixture(t)
	fx.real.files["/tmp/plain.bin"] = []byte("forwarded body")

	rc := hostOpen(t, fx, "/tmp/plain.bin", ios.ModeRead)
	defer rc.Close()

	buf := make([]byte, 9)
	n, err := rc.Read(buf)
	require.Equal(t, ios.OK, err)
	assert.Equal(t, int32(9), n)
	assert.Equal(t, "forwarded", string(buf))
}

func TestReadDirCountOnly(t *testing.T) {
	fx := newFixture(t)
	vol := fx.mgr.Volume(disk.DevSDCard)
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		f, err := vol.OpenFile("/title/00010004/524d4350/data/"+name,
			fat.ModeWrite|fat.ModeCreateNew)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0, 0)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()

	pathVec := make([]byte, isfs.MaxPath)
	copy(pathVec, "/title/00010004/524d4350/data/")
	countVec := make([]byte, 4)
	vec := []ios.Vector{{Data: pathVec}, {Data: countVec}}
	require.Equal(t, ios.OK,
		mgr.Ioctlv(uint32(isfs.IoctlReadDir), 1, 1, vec))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(countVec))
}

func TestReadDirNames(t *testing.T) {
	fx := newFixture(t)
	vol := fx.mgr.Volume(disk.DevSDCard)
	for _, name := range []string{"a.bin", "b.bin"} {
		f, err := vol.OpenFile("/title/00010004/524d4350/data/"+name,
			fat.ModeWrite|fat.ModeCreateNew)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0, 0)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()

	pathVec := make([]byte, isfs.MaxPath)
	copy(pathVec, "/title/00010004/524d4350/data/")
	maxVec := make([]byte, 4)
	binary.BigEndian.PutUint32(maxVec, 8)
	nameVec := make([]byte, 8*isfs.ReadDirStride)
	countVec := make([]byte, 4)
	vec := []ios.Vector{
		{Data: pathVec}, {Data: maxVec}, {Data: nameVec}, {Data: countVec},
	}
	require.Equal(t, ios.OK,
		mgr.Ioctlv(uint32(isfs.IoctlReadDir), 2, 2, vec))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(countVec))

	names := []string{
		isfs.CString(nameVec[0:isfs.ReadDirStride]),
		isfs.CString(nameVec[isfs.ReadDirStride : 2*isfs.ReadDirStride]),
	}
	assert.ElementsMatch(t, []string{"A.BIN", "B.BIN"}, names)
}

func TestDirectOpenAndDirNext(t *testing.T) {
	fx := newFixture(t)
	vol := fx.mgr.Volume(disk.DevSDCard)
	f, err := vol.OpenFile("/direct.bin", fat.ModeWrite|fat.ModeCreateNew)
	require.NoError(t, err)
	_, err = f.Write([]byte("direct contents"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rc, ioErr := ios.OpenResource(fx.rt, emufs.DirectPath, ios.ModeNone)
	require.Equal(t, ios.OK, ioErr)

	pathVec := append([]byte("0:/direct.bin"), 0)
	modeVec := make([]byte, 4)
	binary.BigEndian.PutUint32(modeVec, ios.ModeRead)
	require.Equal(t, ios.OK, rc.Ioctlv(uint32(isfs.IoctlDirectOpen), 2, 0,
		[]ios.Vector{{Data: pathVec}, {Data: modeVec}}))

	buf := make([]byte, 6)
	n, ioErr := rc.Read(buf)
	require.Equal(t, ios.OK, ioErr)
	assert.Equal(t, int32(6), n)
	assert.Equal(t, "direct", string(buf))
	require.Equal(t, ios.OK, rc.Close())

	// Directory iteration through a second direct handle.
	rc, ioErr = ios.OpenResource(fx.rt, emufs.DirectPath, ios.ModeNone)
	require.Equal(t, ios.OK, ioErr)
	defer rc.Close()

	dirVec := append([]byte("0:/"), 0)
	require.Equal(t, ios.OK, rc.Ioctlv(uint32(isfs.IoctlDirectDirOpen), 1, 0,
		[]ios.Vector{{Data: dirVec}}))

	seen := map[string]bool{}
	for {
		stat := make([]byte, isfs.DirectStatSize)
		require.Equal(t, ios.OK, rc.Ioctlv(uint32(isfs.IoctlDirectDirNext), 0, 1,
			[]ios.Vector{{Data: stat}}))
		name := isfs.CString(stat[12:])
		if name == "" {
			break
		}
		seen[name] = true
	}
	assert.True(t, seen["direct.bin"] || seen["DIRECT.BIN"])
}

func TestShutdownReturnsOK(t *testing.T) {
	fx := newFixture(t)
	mgr, err := ios.OpenResourceAs(fx.rt, "$dev/fs", ios.ModeNone, 0, 0)
	require.Equal(t, ios.OK, err)
	defer mgr.Close()
	assert.Equal(t, ios.OK, mgr.Ioctl(uint32(isfs.IoctlShutdown), nil, nil))
}
