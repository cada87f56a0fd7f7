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

package fat

import "errors"

// The error set mirrors the classic FAT-library result codes. Callers
// translate these exactly once, at the adapter boundary.
var (
	ErrDiskErr          = errors.New("fat: low-level device error")
	ErrIntErr           = errors.New("fat: internal consistency error")
	ErrNotReady         = errors.New("fat: device not ready")
	ErrNoFile           = errors.New("fat: no such file")
	ErrNoPath           = errors.New("fat: no such path")
	ErrInvalidName      = errors.New("fat: invalid name")
	ErrDenied           = errors.New("fat: access denied or directory full")
	ErrExist            = errors.New("fat: already exists")
	ErrInvalidObject    = errors.New("fat: invalid file or directory object")
	ErrWriteProtected   = errors.New("fat: write protected")
	ErrInvalidDrive     = errors.New("fat: invalid drive")
	ErrNotEnabled       = errors.New("fat: volume not mounted")
	ErrNoFilesystem     = errors.New("fat: no FAT volume found")
	ErrTimeout          = errors.New("fat: timeout")
	ErrLocked           = errors.New("fat: object locked")
	ErrNotEnoughCore    = errors.New("fat: out of memory")
	ErrTooManyOpenFiles = errors.New("fat: too many open files")
	ErrInvalidParameter = errors.New("fat: invalid parameter")
)
