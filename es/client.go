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

package es

import (
	"encoding/binary"

	"github.com/team-saoirse/saoirse/ios"
)

// DevicePath is the entitlement service device.
const DevicePath = "/dev/es"

// Ioctlv numbers of the entitlement service.
type Ioctl uint32

const (
	IoctlGetDeviceID          Ioctl = 0x07
	IoctlLaunchTitle          Ioctl = 0x08
	IoctlGetOwnedTitlesCount  Ioctl = 0x0E
	IoctlGetOwnedTitles       Ioctl = 0x0F
	IoctlGetTitlesCount       Ioctl = 0x10
	IoctlGetTitles            Ioctl = 0x11
	IoctlGetTitleContentsCnt  Ioctl = 0x12
	IoctlGetTitleContents     Ioctl = 0x13
	IoctlGetNumTicketViews    Ioctl = 0x14
	IoctlGetTicketViews       Ioctl = 0x15
	IoctlGetTMDViewSize       Ioctl = 0x16
	IoctlGetTMDView           Ioctl = 0x17
	IoctlDIVerify             Ioctl = 0x1C
	IoctlGetDataDir           Ioctl = 0x1D
	IoctlGetDeviceCert        Ioctl = 0x1E
	IoctlGetTitleID           Ioctl = 0x20
)

// DeviceCertSize is the console certificate's wire size.
const DeviceCertSize = 0x180

// DataDirSize is the fixed GetDataDir output length.
const DataDirSize = 30

// Client wraps the real entitlement service.
type Client struct {
	rm *ios.ResourceCtrl
}

// OpenClient opens the real service.
func OpenClient(rt *ios.Router) (*Client, ios.Error) {
	rm, err := ios.OpenResource(rt, DevicePath, ios.ModeNone)
	if err != ios.OK {
		return nil, err
	}
	return &Client{rm: rm}, ios.OK
}

// Close releases the service handle.
func (c *Client) Close() ios.Error {
	return c.rm.Close()
}

// Ioctlv forwards a vectored command unchanged.
func (c *Client) Ioctlv(cmd Ioctl, inCount, ioCount uint32, vec []ios.Vector) Error {
	return Error(c.rm.Ioctlv(uint32(cmd), inCount, ioCount, vec))
}

// GetTicketViews fetches count views for titleID.
func (c *Client) GetTicketViews(titleID uint64, count uint32, out []byte) Error {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], titleID)
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], count)
	vec := []ios.Vector{{Data: id[:]}, {Data: cnt[:]}, {Data: out}}
	return c.Ioctlv(IoctlGetTicketViews, 2, 1, vec)
}

// LaunchTitle reboots into titleID with the supplied ticket view. On
// success the call does not return on real hardware; the router rendition
// returns the service's reply.
func (c *Client) LaunchTitle(titleID uint64, view []byte) Error {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], titleID)
	vec := []ios.Vector{{Data: id[:]}, {Data: view}}
	return c.Ioctlv(IoctlLaunchTitle, 2, 0, vec)
}

// GetTitleID fetches the running title's identifier.
func (c *Client) GetTitleID(out *uint64) Error {
	var buf [8]byte
	vec := []ios.Vector{{Data: buf[:]}}
	err := c.Ioctlv(IoctlGetTitleID, 0, 1, vec)
	if err == OK {
		*out = binary.BigEndian.Uint64(buf[:])
	}
	return err
}
