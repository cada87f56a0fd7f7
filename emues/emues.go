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

// Package emues impersonates the title/entitlement service. Launch and
// identity queries are intercepted; everything else forwards to the real
// service with the same vector validation it would perform.
package emues

import (
	"encoding/binary"
	"sync"

	"github.com/team-saoirse/saoirse/es"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
)

// AliasPath is the rewritten-open alias the service answers on.
const AliasPath = "~dev/es"

// Service is the emulated entitlement service.
type Service struct {
	queue *ios.Queue[*ios.Request]
	real  *es.Client
	ready func()

	// BlockIOSReload redirects firmware relaunches to the system menu.
	BlockIOSReload bool

	// Launch-context cache fed by DIVerify. A mutex guards it because
	// DIVerify arrives on the emulated drive's thread while queries arrive
	// on this service's own thread.
	mu sync.Mutex

	// GUARDED_BY(mu)
	useTitleCtx bool

	// GUARDED_BY(mu)
	titleID uint64

	// GUARDED_BY(mu)
	ticketView []byte
}

// New wires the service around the real entitlement client.
func New(real *es.Client, ready func()) *Service {
	return &Service{
		queue:          ios.NewQueue[*ios.Request](ios.RequestQueueDepth),
		real:           real,
		ready:          ready,
		BlockIOSReload: true,
	}
}

// Register claims the alias path on the router.
func (s *Service) Register(rt *ios.Router) ios.Error {
	return rt.RegisterResourceManager(AliasPath, s.queue)
}

// Run serves requests forever.
func (s *Service) Run() {
	if s.ready != nil {
		s.ready()
	}
	for {
		req := s.queue.Receive()
		s.handle(req)
	}
}

// DIVerify caches the asserted launch identity. The invariant is that the
// ticket belongs to the asserted title; identity queries afterwards answer
// from the cache.
func (s *Service) DIVerify(titleID uint64, ticket *es.Ticket) es.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.titleID = titleID
	if ticket.TitleID() != titleID {
		return es.InvalidTicket
	}
	s.ticketView = ticket.View()
	s.useTitleCtx = true
	return es.OK
}

func (s *Service) handle(req *ios.Request) {
	switch req.Cmd {
	case ios.CmdOpen:
		if req.Open.Path != AliasPath {
			req.Reply(ios.ENoExists)
			return
		}
		req.Reply(ios.Error(0))

	case ios.CmdClose:
		req.Reply(ios.OK)

	case ios.CmdIoctlv:
		req.Reply(ios.Error(s.reqIoctlv(es.Ioctl(req.Ioctlv.Cmd),
			req.Ioctlv.InCount, req.Ioctlv.IOCount, req.Ioctlv.Vec)))

	default:
		logger.Errorf("emues: invalid command %v", req.Cmd)
		req.Reply(ios.Error(es.Invalid))
	}
}

func vecWord(v *ios.Vector) bool {
	return len(v.Data) == 4 && !v.Misaligned
}

func vecDword(v *ios.Vector) bool {
	return len(v.Data) == 8 && !v.Misaligned
}

// reqIoctlv performs the exact validation of the real service before
// intercepting or forwarding.
func (s *Service) reqIoctlv(cmd es.Ioctl, inCount, ioCount uint32, vec []ios.Vector) es.Error {
	if inCount >= 32 || ioCount >= 32 || uint32(len(vec)) != inCount+ioCount {
		return es.Invalid
	}

	switch cmd {
	case es.IoctlGetDeviceID:
		if inCount != 0 || ioCount != 1 || !vecWord(&vec[0]) {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlLaunchTitle:
		return s.launchTitle(inCount, ioCount, vec)

	case es.IoctlGetOwnedTitlesCount, es.IoctlGetTitlesCount:
		if inCount != 0 || ioCount != 1 || !vecWord(&vec[0]) {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetOwnedTitles, es.IoctlGetTitles:
		if inCount != 1 || ioCount != 1 || !vecWord(&vec[0]) {
			return es.Invalid
		}
		count := uint64(binary.BigEndian.Uint32(vec[0].Data))
		if uint64(len(vec[1].Data)) != count*8 || vec[1].Misaligned {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetTitleContentsCnt:
		if inCount != 1 || ioCount != 1 || !vecDword(&vec[0]) || !vecWord(&vec[1]) {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetTitleContents:
		if inCount != 2 || ioCount != 1 || !vecDword(&vec[0]) || !vecWord(&vec[1]) {
			return es.Invalid
		}
		count := uint64(binary.BigEndian.Uint32(vec[1].Data))
		if uint64(len(vec[2].Data)) != count*4 || vec[2].Misaligned {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetNumTicketViews:
		if inCount != 1 || ioCount != 1 || !vecDword(&vec[0]) || !vecWord(&vec[1]) {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetTicketViews:
		if inCount != 2 || ioCount != 1 || !vecDword(&vec[0]) || !vecWord(&vec[1]) {
			return es.Invalid
		}
		count := uint64(binary.BigEndian.Uint32(vec[1].Data))
		if uint64(len(vec[2].Data)) != count*es.TicketViewSize || vec[2].Misaligned {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetTMDViewSize:
		if inCount != 1 || ioCount != 1 || !vecDword(&vec[0]) || !vecWord(&vec[1]) {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetTMDView:
		if inCount != 1 || ioCount != 1 || !vecDword(&vec[0]) || vec[1].Misaligned {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetDataDir:
		if inCount != 1 || ioCount != 1 || !vecDword(&vec[0]) ||
			len(vec[1].Data) != es.DataDirSize {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetDeviceCert:
		if inCount != 0 || ioCount != 1 ||
			len(vec[0].Data) != es.DeviceCertSize || vec[0].Misaligned {
			return es.Invalid
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	case es.IoctlGetTitleID:
		if inCount != 0 || ioCount != 1 || !vecDword(&vec[0]) {
			return es.Invalid
		}
		s.mu.Lock()
		useCtx, id := s.useTitleCtx, s.titleID
		s.mu.Unlock()
		if useCtx {
			binary.BigEndian.PutUint64(vec[0].Data, id)
			return es.OK
		}
		return s.real.Ioctlv(cmd, inCount, ioCount, vec)

	default:
		logger.Errorf("emues: invalid ioctlv %#x", uint32(cmd))
		return es.Invalid
	}
}

// launchTitle intercepts relaunches into system firmware and sends them to
// the system menu instead, with a freshly fetched ticket view.
func (s *Service) launchTitle(inCount, ioCount uint32, vec []ios.Vector) es.Error {
	if inCount != 2 || ioCount != 0 || !vecDword(&vec[0]) {
		return es.Invalid
	}
	if len(vec[1].Data) != es.TicketViewSize || vec[1].Misaligned {
		return es.Invalid
	}

	titleID := binary.BigEndian.Uint64(vec[0].Data)
	view := make([]byte, es.TicketViewSize)
	copy(view, vec[1].Data)

	if s.BlockIOSReload && titleID>>32 == 1 && uint32(titleID) != 2 {
		logger.Warnf("emues: refusing firmware relaunch of %016x", titleID)
		titleID = es.SystemMenuTitleID
		if ret := s.real.GetTicketViews(titleID, 1, view); ret != es.OK {
			return ret
		}
	}

	logger.Infof("emues: launching %016x", titleID)
	return s.real.LaunchTitle(titleID, view)
}
