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

// Package vdisc serves disc data out of image files on external storage,
// transparently decrypting partition blocks.
package vdisc

import (
	"github.com/team-saoirse/saoirse/di"
	"github.com/team-saoirse/saoirse/es"
)

// VirtualDisc is the capability set the emulated drive programs against.
// Exactly one implementation exists today, the split-file image reader; the
// variant stays open for future backings.
type VirtualDisc interface {
	// IsInserted reports whether the backing medium is present.
	IsInserted() bool

	// UnencryptedRead serves the disc header region at word addressing.
	UnencryptedRead(out []byte, wordOffset uint32) di.Error

	// ReadFromPartition serves decrypted partition data at word addressing.
	// len(out) must be a multiple of 32.
	ReadFromPartition(out []byte, wordOffset uint32) di.Error

	// ReadDiskID fills the 32-byte identifier at disc offset zero.
	ReadDiskID(out []byte) di.Error

	// ReadTMD copies the open partition's title metadata into out.
	ReadTMD(out []byte) di.Error

	// OpenPartition reads the descriptor at the given word offset, derives
	// the title key, and returns the partition's metadata.
	OpenPartition(wordOffset uint32, tmdOut []byte) di.Error

	// ClosePartition discards the partition state and the block cache.
	ClosePartition()
}

// DIVerifyFunc asserts a launch identity from a partition ticket; the
// emulated entitlement service provides it.
type DIVerifyFunc func(titleID uint64, ticket *es.Ticket) es.Error
