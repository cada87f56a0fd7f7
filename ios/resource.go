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

package ios

// ResourceCtrl is a typed client handle to a kernel resource. It is the
// counterpart of the service side: client wrappers (AES, SHA, SD, real fs,
// real es, real di) embed one and expose typed methods over it.
type ResourceCtrl struct {
	rt *Router
	fd int32
}

// OpenResource opens path with the process's own (privileged) identity.
func OpenResource(rt *Router, path string, mode uint32) (*ResourceCtrl, Error) {
	return OpenResourceAs(rt, path, mode, 0, 0)
}

// OpenResourceAs opens path while asserting the supplied identity, the way
// the original temporarily rewrites its process UID/GID around a nested
// open.
func OpenResourceAs(rt *Router, path string, mode uint32, uid uint32, gid uint16) (*ResourceCtrl, Error) {
	fd, err := rt.Open(path, mode, uid, gid)
	if err != OK {
		return nil, err
	}
	return &ResourceCtrl{rt: rt, fd: fd}, OK
}

// FD returns the process-wide descriptor, or a negative error value if the
// resource is not open.
func (rc *ResourceCtrl) FD() int32 {
	if rc == nil {
		return int32(EInvalid)
	}
	return rc.fd
}

// Close releases the resource.
func (rc *ResourceCtrl) Close() Error {
	return rc.rt.Close(rc.fd)
}

// Read fills data and returns the transferred byte count.
func (rc *ResourceCtrl) Read(data []byte) (int32, Error) {
	return rc.rt.ReadAt(rc.fd, data)
}

// Write sends data and returns the transferred byte count.
func (rc *ResourceCtrl) Write(data []byte) (int32, Error) {
	return rc.rt.WriteAt(rc.fd, data)
}

// Seek repositions the resource's file pointer.
func (rc *ResourceCtrl) Seek(where int32, whence int32) (int32, Error) {
	return rc.rt.Seek(rc.fd, where, whence)
}

// Ioctl issues a single-buffer control request.
func (rc *ResourceCtrl) Ioctl(cmd uint32, in []byte, io []byte) Error {
	return rc.rt.Ioctl(rc.fd, cmd, in, io)
}

// Ioctlv issues a vectored control request.
func (rc *ResourceCtrl) Ioctlv(cmd uint32, inCount, ioCount uint32, vec []Vector) Error {
	return rc.rt.Ioctlv(rc.fd, cmd, inCount, ioCount, vec)
}
