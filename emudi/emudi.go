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

// Package emudi impersonates the disc drive. Reads are served from a
// virtual disc, a patch table splices file ranges from external storage
// over the disc address space, and everything else is forwarded to the real
// drive when one is present.
package emudi

import (
	"github.com/team-saoirse/saoirse/di"
	"github.com/team-saoirse/saoirse/disk"
	"github.com/team-saoirse/saoirse/es"
	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
	"github.com/team-saoirse/saoirse/vdisc"
)

// AliasPath is the rewritten-open alias the service answers on. The kernel
// hook substitutes the leading separator of "/dev/di..." opens.
const AliasPath = "~dev/di"

// patchedOffsetBit marks word offsets served from the patch table.
const patchedOffsetBit = 0x80000000

// Service is the emulated drive. One global drive state; clients have no
// per-handle state, so open returns handle 0 unconditionally.
type Service struct {
	queue *ios.Queue[*ios.Request]

	disc  vdisc.VirtualDisc
	drive *di.Drive
	mgr   *disk.DeviceMgr

	// Monotonic: once gameStarted is set, the patch table is immutable.
	patches     []Patch
	gameStarted bool

	ready func()
}

// New wires the service. disc may be nil when running against the real
// drive only; drive may be nil when no physical drive exists.
func New(disc vdisc.VirtualDisc, drive *di.Drive, mgr *disk.DeviceMgr, ready func()) *Service {
	return &Service{
		queue: ios.NewQueue[*ios.Request](ios.RequestQueueDepth),
		disc:  disc,
		drive: drive,
		mgr:   mgr,
		ready: ready,
	}
}

// Register claims the alias path on the router.
func (s *Service) Register(rt *ios.Router) ios.Error {
	return rt.RegisterResourceManager(AliasPath, s.queue)
}

// Run serves requests forever. It signals readiness once registered
// processing begins.
func (s *Service) Run() {
	if s.ready != nil {
		s.ready()
	}
	for {
		req := s.queue.Receive()
		s.handle(req)
	}
}

func (s *Service) handle(req *ios.Request) {
	switch req.Cmd {
	case ios.CmdOpen:
		if req.Open.Path != AliasPath {
			req.Reply(ios.ENoExists)
			return
		}
		// One logical drive.
		req.Reply(ios.Error(0))

	case ios.CmdClose:
		req.Reply(ios.OK)

	case ios.CmdIoctl:
		s.reqIoctl(req)

	case ios.CmdIoctlv:
		s.reqIoctlv(req)

	default:
		logger.Errorf("emudi: unhandled command %v", req.Cmd)
		req.Reply(ios.EInvalid)
	}
}

////////////////////////////////////////////////////////////////////////
// Patched reads
////////////////////////////////////////////////////////////////////////

// realRead serves an unpatched partition-relative read from the virtual
// disc or the real drive.
func (s *Service) realRead(out []byte, offset uint32) di.Error {
	if s.disc != nil {
		return s.disc.ReadFromPartition(out, offset)
	}
	if s.drive != nil && s.drive.Present() {
		return di.Error(s.drive.Read(out, offset))
	}
	return di.ErrDrive
}

// patchedRead walks the patch table for the request, reading each patch's
// file slice and advancing across adjacent patches. Reads past the last
// patch return zeros with success; some games read past their own data and
// only tolerate a clean reply.
func (s *Service) patchedRead(out []byte, offset uint32) di.Error {
	idx := searchPatch(s.patches, offset)
	for len(out) > 0 {
		if idx >= len(s.patches) {
			logger.Warnf("emudi: read beyond patch table at %#x", offset)
			for i := range out {
				out[i] = 0
			}
			return di.ErrOK
		}
		p := &s.patches[idx]

		vol := s.mgr.VolumeByDrive(p.Drive)
		if vol == nil {
			return di.ErrDrive
		}
		f := vol.OpenFileByCluster(uint32(p.StartCluster), uint32(p.HintCluster), p.FileOffset)

		readLen := p.DiscLength << 2
		if p.DiscOffset != offset {
			intra := (offset - p.DiscOffset) << 2
			if err := f.Seek(p.FileOffset + intra); err != nil {
				logger.Errorf("emudi: patch seek failed: %v", err)
				return di.ErrDrive
			}
			readLen -= intra
		} else if err := f.Seek(p.FileOffset); err != nil {
			return di.ErrDrive
		}

		if readLen > uint32(len(out)) {
			readLen = uint32(len(out))
		}
		n, err := f.Read(out[:readLen])
		if err != nil {
			logger.Errorf("emudi: patch read failed: %v", err)
		}
		// Whatever the file could not provide reads as zeros.
		for i := n; i < int(readLen); i++ {
			out[i] = 0
		}

		out = out[readLen:]
		offset += readLen >> 2
		idx++
	}
	return di.ErrOK
}

// read dispatches one partition-relative read, splitting it between the
// unpatched prefix and the patched region when it straddles the marker bit.
func (s *Service) read(out []byte, offset uint32, length uint32) di.Error {
	length &^= 3
	out = out[:length]
	if len(out) == 0 {
		return di.ErrOK
	}

	if offset&patchedOffsetBit == 0 {
		lastWord := offset + length>>2 - 1
		if lastWord&patchedOffsetBit == 0 {
			return s.realRead(out, offset)
		}

		// The request straddles into the patched region.
		prefixBytes := (patchedOffsetBit - offset) << 2
		if ret := s.realRead(out[:prefixBytes], offset); ret != di.ErrOK {
			logger.Errorf("emudi: partial read failed: %d", ret)
			for i := range out[:prefixBytes] {
				out[i] = 0
			}
		}
		out = out[prefixBytes:]
		offset = patchedOffsetBit
	}
	return s.patchedRead(out, offset)
}

////////////////////////////////////////////////////////////////////////
// Command dispatch
////////////////////////////////////////////////////////////////////////

func writeOutput(io []byte, data []byte) di.Error {
	if len(io) < len(data) {
		return di.ErrSecurity
	}
	copy(io, data)
	return di.ErrOK
}

func writeWord(io []byte, val uint32) di.Error {
	return writeOutput(io, []byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}

func (s *Service) reqIoctl(req *ios.Request) {
	// The private patch-layer commands and partition reads come first; they
	// exist whether or not a virtual disc is mounted.
	if s.handlePrivate(req) {
		return
	}

	if s.disc == nil {
		// No virtual disc: the real drive answers everything else.
		if s.drive != nil && s.drive.Present() {
			req.Reply(s.drive.Ioctl(di.Ioctl(req.Ioctl.Cmd), req.Ioctl.In, req.Ioctl.IO))
			return
		}
		req.Reply(ios.Error(di.ErrDrive))
		return
	}

	if len(req.Ioctl.In) < di.CommandSize {
		logger.Errorf("emudi: short command block")
		req.Reply(ios.Error(di.ErrSecurity))
		return
	}
	block, _ := di.ParseCommand(req.Ioctl.In)
	req.Reply(ios.Error(s.emuIoctl(block, di.Ioctl(req.Ioctl.Cmd), req.Ioctl.IO)))
}

// handlePrivate serves the Read ioctl plus the two private patch commands.
// Returns false to fall through to emulation/forwarding.
func (s *Service) handlePrivate(req *ios.Request) bool {
	switch di.Ioctl(req.Ioctl.Cmd) {
	case di.IoctlRead:
		if len(req.Ioctl.In) < di.CommandSize {
			req.Reply(ios.Error(di.ErrSecurity))
			return true
		}
		block, _ := di.ParseCommand(req.Ioctl.In)
		if block.Cmd != di.IoctlRead {
			req.Reply(ios.Error(di.ErrInvalid))
			return true
		}
		length := block.Args[0]
		offset := block.Args[1]
		if length > uint32(len(req.Ioctl.IO)) {
			logger.Errorf("emudi: read length %#x exceeds output %#x",
				length, len(req.Ioctl.IO))
			req.Reply(ios.Error(di.ErrSecurity))
			return true
		}
		if len(s.patches) == 0 {
			// Nothing installed; serve like any other emulated command.
			return false
		}
		req.Reply(ios.Error(s.read(req.Ioctl.IO, offset, length)))
		return true

	case di.IoctlPatchDrive:
		if s.gameStarted {
			// Refused after start: the game itself must not tamper with the
			// table.
			req.Reply(ios.EInvalid)
			return true
		}
		patches, ok := ParsePatches(req.Ioctl.In)
		if !ok {
			req.Reply(ios.EInvalid)
			return true
		}
		s.patches = patches
		req.Reply(ios.OK)
		return true

	case di.IoctlStartGame:
		if s.gameStarted {
			req.Reply(ios.EInvalid)
			return true
		}
		logger.Warnf("emudi: starting game")
		s.gameStarted = true
		req.Reply(ios.OK)
		return true
	}
	return false
}

// emuIoctl answers a drive command from the virtual disc.
func (s *Service) emuIoctl(block *di.Command, cmd di.Ioctl, out []byte) di.Error {
	switch cmd {
	case di.IoctlReset, di.IoctlClearCoverInterrupt:
		return di.ErrOK

	case di.IoctlInquiry:
		if len(out) != di.DriveInfoSize {
			logger.Errorf("emudi: Inquiry output length mismatch")
			return di.ErrSecurity
		}
		if s.drive != nil && s.drive.Present() {
			return di.Error(s.drive.Inquiry(out))
		}
		for i := range out {
			out[i] = 0
		}
		return di.ErrOK

	case di.IoctlGetStatusRegister, di.IoctlGetControlRegister:
		return writeWord(out, 0)

	case di.IoctlGetCoverRegister:
		if s.disc.IsInserted() {
			return writeWord(out, 0)
		}
		return writeWord(out, 1)

	case di.IoctlReadDiskID:
		var id [di.DiskIDSize]byte
		if err := s.disc.ReadDiskID(id[:]); err != di.ErrOK {
			return err
		}
		logger.Infof("emudi: disk ID %q", id[:6])
		return writeOutput(out, id[:])

	case di.IoctlRead:
		length := block.Args[0]
		offset := block.Args[1]
		if length != uint32(len(out)) {
			logger.Errorf("emudi: Read output length mismatch")
			return di.ErrSecurity
		}
		return s.disc.ReadFromPartition(out, offset)

	case di.IoctlUnencryptedRead:
		length := block.Args[0]
		offset := block.Args[1]
		if length != uint32(len(out)) {
			logger.Errorf("emudi: UnencryptedRead output length mismatch")
			return di.ErrSecurity
		}
		end := offset + (length+3)>>2

		// The unauthorised-device probe ranges answer with a drive error and
		// must not touch the output.
		if offset >= di.ProbeRange1Start && end <= di.ProbeRange1End {
			return di.ErrDrive
		}
		if offset >= di.ProbeRange2Start && end <= di.ProbeRange2End {
			return di.ErrDrive
		}
		if end > di.UnencryptedReadLimit {
			return di.ErrSecurity
		}
		return s.disc.UnencryptedRead(out, offset)

	case di.IoctlReadDiskBca:
		// Read as copy protection by at least one title; a fixed block with
		// byte 0x33 set satisfies it.
		if len(out) < 0x40 {
			return di.ErrSecurity
		}
		var bca [0x40]byte
		bca[0x33] = 1
		return writeOutput(out, bca[:])

	default:
		logger.Errorf("emudi: unknown ioctl %#02x", uint32(cmd))
		return di.ErrSecurity
	}
}

func (s *Service) reqIoctlv(req *ios.Request) {
	if s.disc == nil {
		if s.drive != nil && s.drive.Present() {
			req.Reply(s.drive.Ioctlv(di.Ioctl(req.Ioctlv.Cmd),
				req.Ioctlv.InCount, req.Ioctlv.IOCount, req.Ioctlv.Vec))
			return
		}
		req.Reply(ios.Error(di.ErrDrive))
		return
	}

	vec := req.Ioctlv.Vec
	if req.Ioctlv.InCount < 1 || len(vec) < 1 || len(vec[0].Data) < di.CommandSize {
		logger.Errorf("emudi: short ioctlv command block")
		req.Reply(ios.Error(di.ErrSecurity))
		return
	}
	block, _ := di.ParseCommand(vec[0].Data)
	req.Reply(ios.Error(s.emuIoctlv(block, di.Ioctl(req.Ioctlv.Cmd),
		req.Ioctlv.InCount, req.Ioctlv.IOCount, vec)))
}

// emuIoctlv answers vectored drive commands; only OpenPartition exists.
func (s *Service) emuIoctlv(block *di.Command, cmd di.Ioctl, inCount, ioCount uint32, vec []ios.Vector) di.Error {
	switch cmd {
	case di.IoctlOpenPartition:
		if inCount != 3 || ioCount != 2 || len(vec) != 5 {
			logger.Errorf("emudi: OpenPartition bad vector count")
			return di.ErrSecurity
		}

		// vec[1] optionally carries a caller ticket; an empty vector means
		// use the one embedded in the partition.
		if len(vec[1].Data) != 0 && len(vec[1].Data) < es.TicketSize {
			logger.Errorf("emudi: OpenPartition ticket vector too short")
			return di.ErrSecurity
		}
		// vec[2] is the certificate chain, unused by the virtual disc.

		if len(vec[3].Data) < es.TMDMaxSize {
			logger.Errorf("emudi: OpenPartition TMD vector too short")
			return di.ErrSecurity
		}
		if len(vec[4].Data) < 4 {
			logger.Errorf("emudi: OpenPartition ES error vector too short")
			return di.ErrSecurity
		}

		return s.disc.OpenPartition(block.Args[0], vec[3].Data)

	case di.IoctlClosePartition:
		s.disc.ClosePartition()
		return di.ErrOK

	default:
		logger.Errorf("emudi: unknown ioctlv %#02x", uint32(cmd))
		return di.ErrSecurity
	}
}
