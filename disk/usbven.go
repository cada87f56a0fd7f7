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

package disk

import (
	"encoding/binary"

	"github.com/team-saoirse/saoirse/ios"
)

// USBHostPath is the version-5 USB host interface.
const USBHostPath = "/dev/usb/ven"

// Control-transfer bitmask pieces.
const (
	USBCtrlDirHost2Device = 0 << 7
	USBCtrlDirDevice2Host = 1 << 7
	USBCtrlTypeClass      = 1 << 5
	USBCtrlRecInterface   = 1
)

// USBDirEndpointIn marks IN endpoints.
const USBDirEndpointIn = 0x80

// Host interface ioctl numbers.
const (
	usbIoctlGetVersion      = 0
	usbIoctlGetDeviceChange = 1
	usbIoctlAttach          = 4
	usbIoctlRelease         = 5
	usbIoctlAttachFinish    = 6
	usbIoctlSuspendResume   = 16
	usbIoctlCancelEndpoint  = 17
	usbIoctlvCtrlTransfer   = 18
	usbIoctlvBulkTransfer   = 21
)

// USBMaxDevices bounds the attached-device list.
const USBMaxDevices = 32

// USBDeviceEntry is one row of the attached-device list.
type USBDeviceEntry struct {
	DevID int32
	VID   uint16
	PID   uint16
}

// USBHost is the transport the mass-storage driver runs on. The concrete
// implementation talks to the host interface device; tests substitute a
// scripted fake.
type USBHost interface {
	// Devices returns the currently attached device list.
	Devices() ([]USBDeviceEntry, ios.Error)

	// CtrlMsg performs a control transfer on endpoint zero.
	CtrlMsg(devID int32, requestType, request uint8, value, index uint16, data []byte) int32

	// BulkMsg performs a bulk transfer; the endpoint's direction bit selects
	// IN or OUT. Returns the transferred byte count or a negative error.
	BulkMsg(devID int32, endpoint uint8, data []byte) int32

	// ClearHalt clears a stalled endpoint.
	ClearHalt(devID int32, endpoint uint8) ios.Error
}

// USBVen is the USBHost over the kernel's version-5 host interface.
type USBVen struct {
	rm *ios.ResourceCtrl
}

// OpenUSB opens the host interface.
func OpenUSB(rt *ios.Router) (*USBVen, ios.Error) {
	rm, err := ios.OpenResource(rt, USBHostPath, ios.ModeNone)
	if err != ios.OK {
		return nil, err
	}
	return &USBVen{rm: rm}, ios.OK
}

// Close releases the host interface.
func (u *USBVen) Close() ios.Error {
	return u.rm.Close()
}

// Devices implements USBHost via the device-change ioctl.
func (u *USBVen) Devices() ([]USBDeviceEntry, ios.Error) {
	buf := make([]byte, USBMaxDevices*8)
	err := u.rm.Ioctl(usbIoctlGetDeviceChange, nil, buf)
	if err < 0 {
		return nil, err
	}
	count := int(err)
	if count > USBMaxDevices {
		count = USBMaxDevices
	}
	entries := make([]USBDeviceEntry, 0, count)
	for i := 0; i < count; i++ {
		row := buf[i*8:]
		entries = append(entries, USBDeviceEntry{
			DevID: int32(binary.BigEndian.Uint32(row[0:4])),
			VID:   binary.BigEndian.Uint16(row[4:6]),
			PID:   binary.BigEndian.Uint16(row[6:8]),
		})
	}
	return entries, ios.OK
}

// transferHeader is the 64-byte message block shared by control and bulk
// transfers; the block itself rides in vector zero.
func transferHeader(devID int32) []byte {
	msg := make([]byte, 64)
	binary.BigEndian.PutUint32(msg[0:4], uint32(devID))
	return msg
}

// CtrlMsg implements USBHost.
func (u *USBVen) CtrlMsg(devID int32, requestType, request uint8, value, index uint16, data []byte) int32 {
	msg := transferHeader(devID)
	msg[8] = requestType
	msg[9] = request
	binary.BigEndian.PutUint16(msg[10:12], value)
	binary.BigEndian.PutUint16(msg[12:14], index)
	binary.BigEndian.PutUint16(msg[14:16], uint16(len(data)))

	vec := []ios.Vector{{Data: msg}, {Data: data}}
	isInput := requestType&USBCtrlDirDevice2Host != 0
	var err ios.Error
	if isInput {
		err = u.rm.Ioctlv(usbIoctlvCtrlTransfer, 1, 1, vec)
	} else {
		err = u.rm.Ioctlv(usbIoctlvCtrlTransfer, 2, 0, vec)
	}
	return int32(err)
}

// BulkMsg implements USBHost.
func (u *USBVen) BulkMsg(devID int32, endpoint uint8, data []byte) int32 {
	msg := transferHeader(devID)
	binary.BigEndian.PutUint16(msg[12:14], uint16(len(data)))
	msg[18] = endpoint

	vec := []ios.Vector{{Data: msg}, {Data: data}}
	isInput := endpoint&USBDirEndpointIn != 0
	var err ios.Error
	if isInput {
		err = u.rm.Ioctlv(usbIoctlvBulkTransfer, 1, 1, vec)
	} else {
		err = u.rm.Ioctlv(usbIoctlvBulkTransfer, 2, 0, vec)
	}
	return int32(err)
}

// ClearHalt implements USBHost.
func (u *USBVen) ClearHalt(devID int32, endpoint uint8) ios.Error {
	msg := transferHeader(devID)
	msg[8] = endpoint
	return u.rm.Ioctl(usbIoctlCancelEndpoint, msg, nil)
}
