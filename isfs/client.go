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

package isfs

import "github.com/team-saoirse/saoirse/ios"

// Client is a handle to the real filesystem manager, used for everything the
// emulator forwards.
type Client struct {
	rm *ios.ResourceCtrl
}

// OpenClient opens the real manager asserting the supplied identity.
func OpenClient(rt *ios.Router, uid uint32, gid uint16) (*Client, ios.Error) {
	rm, err := ios.OpenResourceAs(rt, DevicePath, ios.ModeNone, uid, gid)
	if err != ios.OK {
		return nil, err
	}
	return &Client{rm: rm}, ios.OK
}

// FD returns the underlying descriptor.
func (c *Client) FD() int32 {
	return c.rm.FD()
}

// Close releases the manager handle.
func (c *Client) Close() ios.Error {
	return c.rm.Close()
}

// Ioctl forwards a manager ioctl unchanged.
func (c *Client) Ioctl(cmd Ioctl, in []byte, io []byte) Error {
	return c.rm.Ioctl(uint32(cmd), in, io)
}

// Ioctlv forwards a manager ioctlv unchanged.
func (c *Client) Ioctlv(cmd Ioctl, inCount, ioCount uint32, vec []ios.Vector) Error {
	return c.rm.Ioctlv(uint32(cmd), inCount, ioCount, vec)
}

// Delete issues the Delete command for path.
func (c *Client) Delete(path string) Error {
	in := make([]byte, MaxPath)
	copy(in, path)
	return c.Ioctl(IoctlDelete, in, nil)
}

// File is a read handle on a real filesystem file, used by the
// host-fs-to-FAT rename copy.
type File struct {
	rc *ios.ResourceCtrl
}

// OpenFile opens a real filesystem file through the router.
func OpenFile(rt *ios.Router, path string, mode uint32) (*File, ios.Error) {
	rc, err := ios.OpenResource(rt, path, mode)
	if err != ios.OK {
		return nil, err
	}
	return &File{rc: rc}, ios.OK
}

// Size seeks to the end and back to learn the file length.
func (f *File) Size() (uint32, ios.Error) {
	pos, err := f.rc.Seek(0, ios.SeekCur)
	if err != ios.OK {
		return 0, err
	}
	end, err := f.rc.Seek(0, ios.SeekEnd)
	if err != ios.OK {
		return 0, err
	}
	if _, err := f.rc.Seek(pos, ios.SeekSet); err != ios.OK {
		return 0, err
	}
	return uint32(end), ios.OK
}

// Read fills buf.
func (f *File) Read(buf []byte) (int32, ios.Error) {
	return f.rc.Read(buf)
}

// Close releases the handle.
func (f *File) Close() ios.Error {
	return f.rc.Close()
}
