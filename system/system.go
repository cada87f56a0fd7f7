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

// Package system is the bootstrap: it wires the singletons, starts the
// component threads, waits for the start-game rendezvous, installs the
// kernel hook, and then runs the notification channel forever.
package system

import (
	"golang.org/x/sync/errgroup"

	"github.com/team-saoirse/saoirse/cfg"
	"github.com/team-saoirse/saoirse/di"
	"github.com/team-saoirse/saoirse/disk"
	"github.com/team-saoirse/saoirse/emudi"
	"github.com/team-saoirse/saoirse/emues"
	"github.com/team-saoirse/saoirse/emufs"
	"github.com/team-saoirse/saoirse/es"
	"github.com/team-saoirse/saoirse/hw/acr"
	"github.com/team-saoirse/saoirse/hw/aesengine"
	"github.com/team-saoirse/saoirse/hw/shaengine"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/ipclog"
	"github.com/team-saoirse/saoirse/patch"
	"github.com/team-saoirse/saoirse/vdisc"
)

// Options selects what the bootstrap binds to.
type Options struct {
	// Config is the policy; nil selects the default.
	Config *cfg.Config

	// SoftEngines registers software AES/SHA services before opening them,
	// for hosted runs and tests without kernel engines.
	SoftEngines bool

	// ACR is the chipset register window; nil disables the hardware time
	// base and the colour indicator.
	ACR *acr.ACR

	// Patcher installs the open hook at start-game; nil skips patching
	// (hosted runs).
	Patcher *patch.Patcher

	// ImagePath and ImagePath2 name the virtual-disc parts on the SD
	// volume. An empty ImagePath leaves the real drive in charge.
	ImagePath  string
	ImagePath2 string

	// KoreanKey is the region-specific common key, fetched by the boot side
	// from its fixed kernel location; empty when the region has none.
	KoreanKey []byte

	// NoUSB leaves the USB slot unpopulated.
	NoUSB bool
}

// System owns the wired process.
type System struct {
	Router   *ios.Router
	Cfg      *cfg.Config
	AES      *aesengine.Engine
	SHA      *shaengine.Engine
	Drive    *di.Drive
	ES       *es.Client
	Mgr      *disk.DeviceMgr
	Log      *ipclog.Channel
	TimeBase *TimeBase
	EmuFS    *emufs.Service
	EmuDI    *emudi.Service
	EmuES    *emues.Service

	opts Options
	acr  *acr.ACR
}

// Boot wires every singleton in dependency order. The emulated services
// are constructed and registered but their threads are not started; Run
// does that after the start rendezvous.
func Boot(rt *ios.Router, opts Options) (*System, error) {
	if opts.Config == nil {
		opts.Config = cfg.Default()
	}

	s := &System{Router: rt, Cfg: opts.Config, opts: opts, acr: opts.ACR}

	// Time base over the hardware timer when present.
	readTimer := func() uint32 { return 0 }
	if opts.ACR != nil {
		readTimer = opts.ACR.ReadTimer
	}
	s.TimeBase = NewTimeBase(readTimer)

	// The notification channel comes up first so everything after it can
	// log towards the host.
	log, err := ipclog.New(rt, s.TimeBase.SetTime)
	if err != ios.OK {
		return nil, err
	}
	s.Log = log
	log.AttachLogger()

	if opts.SoftEngines {
		if err := aesengine.RegisterSoft(rt); err != ios.OK {
			return nil, err
		}
		if err := shaengine.RegisterSoft(rt); err != ios.OK {
			return nil, err
		}
	}

	s.SHA, err = shaengine.Open(rt)
	if err != ios.OK {
		return nil, err
	}
	s.AES, err = aesengine.Open(rt)
	if err != ios.OK {
		return nil, err
	}

	// The real drive and entitlement service are collaborators; a missing
	// drive is survivable, a missing entitlement service is not.
	if drive, err := di.OpenDrive(rt); err == ios.OK {
		s.Drive = drive
	} else {
		logger.Warnf("system: no real drive: %d", err)
	}
	s.ES, err = es.OpenClient(rt)
	if err != ios.OK {
		return nil, err
	}

	if len(opts.KoreanKey) == 16 {
		vdisc.SetKoreanKey(opts.KoreanKey)
	}

	// Storage.
	var sd disk.PhysicalDevice
	if sdCard, err := disk.OpenSD(rt); err == ios.OK {
		sd = sdCard
	} else {
		logger.Warnf("system: no SD controller: %d", err)
	}
	var usb disk.PhysicalDevice
	if !opts.NoUSB {
		if host, err := disk.OpenUSB(rt); err == ios.OK {
			usb = disk.NewUSBSlot(host)
		} else {
			logger.Warnf("system: no USB host: %d", err)
		}
	}
	s.Mgr = disk.NewDeviceMgr(sd, usb, log)
	s.Mgr.Now = s.TimeBase.Now
	s.Mgr.LogEnabled = opts.Config.FileLogEnabled
	s.Mgr.Start()

	// Emulated services, registered now so that alias dispatch is live
	// before the kernel hook ever is.
	s.EmuES = emues.New(s.ES, log.Notify)
	s.EmuES.BlockIOSReload = opts.Config.BlockIOSReload
	if err := s.EmuES.Register(rt); err != ios.OK {
		return nil, err
	}

	var disc vdisc.VirtualDisc
	if opts.ImagePath != "" {
		disc = &lazyISO{sys: s}
	}
	s.EmuDI = emudi.New(disc, s.Drive, s.Mgr, log.Notify)
	if err := s.EmuDI.Register(rt); err != ios.OK {
		return nil, err
	}

	s.EmuFS = emufs.New(rt, opts.Config, s.Mgr, log.Notify)
	if err := s.EmuFS.Register(rt); err != ios.OK {
		return nil, err
	}

	return s, nil
}

// Run blocks on the start-game rendezvous, installs the kernel hook, starts
// the emulator threads, and serves the notification channel forever.
func (s *System) Run() error {
	var group errgroup.Group

	logger.Infof("system: waiting for start request")
	group.Go(func() error {
		s.Log.WaitForStartRequest()
		logger.Infof("system: starting up game services")

		// Ordering invariant: every alias is registered by Boot, so the
		// rewrite can go live now and never dispatch into a void.
		if s.opts.Patcher != nil {
			if err := s.opts.Patcher.InstallOpenHook(); err != nil {
				s.Abort(acr.ColorRed)
				return err
			}
		}

		// With the rewrite live, lock the host's IPC rights down so the
		// denied devices cannot be reached around the aliases.
		if err := s.Router.SetIPCAccessRights(patch.IPCAccessMask[:],
			patch.IPCDeniedPaths); err != ios.OK {
			s.Abort(acr.ColorRed)
			return err
		}

		group.Go(wrapRun(s.EmuFS.Run))
		group.Go(wrapRun(s.EmuDI.Run))
		group.Go(wrapRun(s.EmuES.Run))
		return nil
	})
	group.Go(wrapRun(s.Log.Run))
	return group.Wait()
}

func wrapRun(run func()) func() error {
	return func() error {
		run()
		return nil
	}
}

// Abort flashes a solid colour and parks the thread; past the exploit there
// is nothing to fall back to.
func (s *System) Abort(color uint32) {
	logger.Errorf("system: aborting")
	if s.acr != nil {
		s.acr.SetSolidColor(color)
	}
	select {}
}

// lazyISO defers opening the image until the backing volume is mounted; the
// device manager needs time to bring the card up.
type lazyISO struct {
	sys *System
	iso *vdisc.ISO
}

func (l *lazyISO) open() vdisc.VirtualDisc {
	if l.iso != nil {
		return l.iso
	}
	vol := l.sys.Mgr.Volume(disk.DevSDCard)
	if vol == nil {
		return nil
	}
	iso, err := vdisc.OpenISO(vol, l.sys.opts.ImagePath, l.sys.opts.ImagePath2,
		l.sys.AES, l.sys.EmuES.DIVerify,
		func() bool { return l.sys.Mgr.IsInserted(disk.DevSDCard) })
	if err != nil {
		logger.Errorf("system: failed to open disc image: %v", err)
		return nil
	}
	l.iso = iso
	return iso
}

func (l *lazyISO) IsInserted() bool {
	if d := l.open(); d != nil {
		return d.IsInserted()
	}
	return false
}

func (l *lazyISO) UnencryptedRead(out []byte, wordOffset uint32) di.Error {
	if d := l.open(); d != nil {
		return d.UnencryptedRead(out, wordOffset)
	}
	return di.ErrDrive
}

func (l *lazyISO) ReadFromPartition(out []byte, wordOffset uint32) di.Error {
	if d := l.open(); d != nil {
		return d.ReadFromPartition(out, wordOffset)
	}
	return di.ErrDrive
}

func (l *lazyISO) ReadDiskID(out []byte) di.Error {
	if d := l.open(); d != nil {
		return d.ReadDiskID(out)
	}
	return di.ErrDrive
}

func (l *lazyISO) ReadTMD(out []byte) di.Error {
	if d := l.open(); d != nil {
		return d.ReadTMD(out)
	}
	return di.ErrDrive
}

func (l *lazyISO) OpenPartition(wordOffset uint32, tmdOut []byte) di.Error {
	if d := l.open(); d != nil {
		return d.OpenPartition(wordOffset, tmdOut)
	}
	return di.ErrDrive
}

func (l *lazyISO) ClosePartition() {
	if l.iso != nil {
		l.iso.ClosePartition()
	}
}
