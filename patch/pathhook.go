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

// Package patch rewrites host-originated open paths onto the emulator's
// aliases and installs the kernel hook that makes the rewrite mandatory.
package patch

import "strings"

// HostPID is the process identifier of the host-originated IPC thread.
const HostPID = 15

// Alias prefixes handed out by the rewrite. The leading separator of the
// original path is substituted, so "/dev/fs" becomes "$dev/fs".
const (
	FSAlias = '$'
	DIAlias = '~'
)

// RewriteOpenPath transforms one open-syscall path after the kernel has
// copied it, returning the rewritten path and possibly a new caller PID. An
// empty result path makes the kernel report not-found.
//
// The function is pure; two identical inputs always produce the same
// dispatch decision.
func RewriteOpenPath(path string, pid int32) (string, int32) {
	if pid != HostPID {
		// "@" asserts host identity: the documented back-door for code that
		// knows what it is doing.
		if strings.HasPrefix(path, "@") {
			return "/" + path[1:], HostPID
		}
		return path, pid
	}

	if !strings.HasPrefix(path, "/") {
		// The host must not reach the aliases by spelling them directly.
		if strings.HasPrefix(path, string(FSAlias)) || strings.HasPrefix(path, string(DIAlias)) {
			return "", pid
		}
		return path, pid
	}

	if strings.HasPrefix(path, "/dev/") {
		switch {
		case path == "/dev/flash", path == "/dev/boot2":
			// The raw storage backing the internal filesystem stays out of
			// the host's reach.
			return "", pid
		case path == "/dev/fs":
			return string(FSAlias) + path[1:], pid
		case strings.HasPrefix(path, "/dev/di"):
			return string(DIAlias) + path[1:], pid
		default:
			return path, pid
		}
	}

	// A file path; emu-fs decides between FAT and the real filesystem.
	return string(FSAlias) + path[1:], pid
}
