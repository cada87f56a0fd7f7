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

// Package ipclog is the host notification channel: a long-poll through
// which log lines, readiness notices, and storage hot-plug events reach the
// boot program, plus the start-game rendezvous and the clock-set command.
package ipclog

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/team-saoirse/saoirse/internal/logger"
	"github.com/team-saoirse/saoirse/ios"
)

// DevicePath is the channel's registered path.
const DevicePath = "/dev/saoirse"

// PrintSize is the fixed log-line payload length.
const PrintSize = 256

// Channel ioctl numbers.
const (
	IoctlRegisterPrintHook = 0
	IoctlStartGameEvent    = 1
	IoctlSetTime           = 2
)

// closeSettleDelay is how long Close waits for a racing emission to claim
// the parked poll before draining it.
const closeSettleDelay = 10 * time.Millisecond

// Reply codes of the long-poll, identifying the payload kind.
const (
	ReplyPrint     = 0
	ReplyNotice    = 1
	ReplyDevInsert = 2
	ReplyDevRemove = 3
	ReplyClose     = 4
)

// SetTimeFunc seeds the shared time base from the host's clock.
type SetTimeFunc func(hwTick uint32, epoch uint64)

// Channel is the notification service.
//
// The reply queue has capacity one: at most one host request is parked at
// any time, and producers back-pressure by blocking until the host polls
// again.
type Channel struct {
	queue      *ios.Queue[*ios.Request]
	responses  *ios.Queue[*ios.Request]
	startQueue *ios.Queue[struct{}]

	setTime SetTimeFunc

	mu sync.Mutex

	// GUARDED_BY(mu)
	enabled bool
}

// New creates the channel and registers it on the router.
func New(rt *ios.Router, setTime SetTimeFunc) (*Channel, ios.Error) {
	c := &Channel{
		queue:      ios.NewQueue[*ios.Request](ios.RequestQueueDepth),
		responses:  ios.NewQueue[*ios.Request](1),
		startQueue: ios.NewQueue[struct{}](1),
		setTime:    setTime,
		enabled:    true,
	}
	if err := rt.RegisterResourceManager(DevicePath, c.queue); err != ios.OK {
		return nil, err
	}
	return c, ios.OK
}

// Enabled reports whether the channel still accepts emissions.
func (c *Channel) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Print delivers one log line to the host, blocking until a poll is parked.
func (c *Channel) Print(line string) {
	if !c.Enabled() {
		return
	}
	req := c.responses.Receive()
	buf := make([]byte, PrintSize)
	copy(buf[:PrintSize-1], line)
	ios.CopyToVector(&ios.Vector{Data: req.Ioctl.IO}, buf)
	req.Reply(ReplyPrint)
}

// TryPrint delivers a log line only when a poll is already parked, so
// logging never stalls the emitting thread. Reports whether the line went
// out.
func (c *Channel) TryPrint(line string) bool {
	if !c.Enabled() {
		return false
	}
	req, ok := c.responses.TryReceive()
	if !ok {
		return false
	}
	buf := make([]byte, PrintSize)
	copy(buf[:PrintSize-1], line)
	ios.CopyToVector(&ios.Vector{Data: req.Ioctl.IO}, buf)
	req.Reply(ReplyPrint)
	return true
}

// Notify signals that one more emulated resource is ready. The boot side
// counts notices to know when everything is up.
func (c *Channel) Notify() {
	if !c.Enabled() {
		return
	}
	req := c.responses.Receive()
	req.Reply(ReplyNotice)
}

// NotifyDeviceInsertion reports a storage medium arriving.
func (c *Channel) NotifyDeviceInsertion(id uint8) {
	c.notifyDevice(ReplyDevInsert, id)
}

// NotifyDeviceRemoval reports a storage medium leaving.
func (c *Channel) NotifyDeviceRemoval(id uint8) {
	c.notifyDevice(ReplyDevRemove, id)
}

func (c *Channel) notifyDevice(reply ios.Error, id uint8) {
	if !c.Enabled() {
		return
	}
	req := c.responses.Receive()
	ios.CopyToVector(&ios.Vector{Data: req.Ioctl.IO}, []byte{id, 0, 0, 0})
	req.Reply(reply)
}

// WaitForStartRequest blocks until the host fires the start-game event.
func (c *Channel) WaitForStartRequest() {
	c.startQueue.Receive()
}

// Run serves channel requests forever.
func (c *Channel) Run() {
	for {
		req := c.queue.Receive()
		c.handle(req)
	}
}

func (c *Channel) handle(req *ios.Request) {
	switch req.Cmd {
	case ios.CmdOpen:
		if req.Open.Path != DevicePath {
			req.Reply(ios.ENoExists)
			return
		}
		if !c.Enabled() {
			// A closed channel stays closed.
			req.Reply(ios.ENoExists)
			return
		}
		req.Reply(ios.Error(0))

	case ios.CmdClose:
		c.mu.Lock()
		c.enabled = false
		c.mu.Unlock()
		// Settle window before draining: an emitter that passed its
		// enabled check may be about to consume the parked poll, and an
		// emission raced this far still deserves delivery over the Close.
		// Not a hard ordering guarantee — an emitter blocked waiting for a
		// poll that never comes stays parked forever, which the protocol
		// accepts: the host polls continuously until it closes, so at most
		// one late emission is in flight here.
		time.Sleep(closeSettleDelay)
		if parked, ok := c.responses.TryReceive(); ok {
			parked.Reply(ReplyClose)
		}
		req.Reply(ios.OK)

	case ios.CmdIoctl:
		switch req.Ioctl.Cmd {
		case IoctlRegisterPrintHook:
			if len(req.Ioctl.IO) != PrintSize {
				req.Reply(ios.EInvalid)
				return
			}
			// Parked; the reply happens on the next emission.
			c.responses.Send(req)

		case IoctlStartGameEvent:
			c.startQueue.TrySend(struct{}{})
			req.Reply(ios.OK)

		case IoctlSetTime:
			if len(req.Ioctl.In) != 12 {
				req.Reply(ios.EInvalid)
				return
			}
			tick := binary.BigEndian.Uint32(req.Ioctl.In[0:4])
			epoch := binary.BigEndian.Uint64(req.Ioctl.In[4:12])
			if c.setTime != nil {
				c.setTime(tick, epoch)
			}
			req.Reply(ios.OK)

		default:
			req.Reply(ios.EInvalid)
		}

	default:
		req.Reply(ios.EInvalid)
	}
}

// AttachLogger routes the process logger's lines into the channel. Lines
// emitted while no poll is parked are dropped rather than blocking the
// logging thread.
func (c *Channel) AttachLogger() {
	logger.AddLineHook(func(line string) {
		c.TryPrint(line)
	})
}
