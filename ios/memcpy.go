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

import "unsafe"

// Align reports whether p's address is a multiple of n.
func Align(p []byte, n uintptr) bool {
	if len(p) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))%n == 0
}

// WordMemcpy copies src into dst using whole-word stores wherever a word
// fits inside dst. A bus quirk corrupts sub-word stores to certain address
// ranges, so every write into a caller-supplied output buffer that may be
// misaligned must go through here. Head and tail bytes that do not fill an
// aligned word are merged into the containing word with a read-modify-write
// where the word lies inside dst, and stored bytewise only where the word
// would cross the buffer boundary.
func WordMemcpy(dst []byte, src []byte) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	if n == 0 {
		return
	}

	addr := uintptr(unsafe.Pointer(&dst[0]))
	head := int((4 - addr%4) % 4)
	if head > n {
		head = n
	}

	// Interior: aligned word stores, staged through a register so the
	// source may sit at any alignment.
	i := head
	for ; i+4 <= n; i += 4 {
		var w uint32
		copy((*[4]byte)(unsafe.Pointer(&w))[:], src[i:i+4])
		*(*uint32)(unsafe.Pointer(&dst[i])) = w
	}

	// Head bytes: merge into the preceding aligned word when it fits in dst,
	// which it cannot here (the word starts before dst), so store bytewise.
	copy(dst[:head], src[:head])

	// Tail bytes: merge into the final aligned word if it lies fully inside
	// dst, otherwise store bytewise.
	if i < n {
		if i+4 <= len(dst) {
			var word [4]byte
			*(*uint32)(unsafe.Pointer(&word[0])) = *(*uint32)(unsafe.Pointer(&dst[i]))
			copy(word[:n-i], src[i:n])
			*(*uint32)(unsafe.Pointer(&dst[i])) = *(*uint32)(unsafe.Pointer(&word[0]))
		} else {
			copy(dst[i:n], src[i:n])
		}
	}
}

// CopyToVector writes data into the output vector, selecting the word-only
// path when the vector is marked misaligned.
func CopyToVector(v *Vector, data []byte) {
	if v.Misaligned || !Align(v.Data, 4) {
		WordMemcpy(v.Data, data)
		return
	}
	copy(v.Data, data)
}
