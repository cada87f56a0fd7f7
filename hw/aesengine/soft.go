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

package aesengine

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/team-saoirse/saoirse/ios"
)

// RegisterSoft installs a software rendition of the engine on the router,
// for hosted runs and tests where the kernel device is absent. The wire
// behaviour matches the hardware: AES-128-CBC, IV vector updated in place to
// the final ciphertext block.
func RegisterSoft(rt *ios.Router) ios.Error {
	queue := ios.NewQueue[*ios.Request](ios.RequestQueueDepth)
	if err := rt.RegisterResourceManager(DevicePath, queue); err != ios.OK {
		return err
	}
	go softLoop(queue)
	return ios.OK
}

func softLoop(queue *ios.Queue[*ios.Request]) {
	for {
		req := queue.Receive()
		switch req.Cmd {
		case ios.CmdOpen:
			req.Reply(ios.Error(0))
		case ios.CmdClose:
			req.Reply(ios.OK)
		case ios.CmdIoctlv:
			req.Reply(softIoctlv(&req.Ioctlv))
		default:
			req.Reply(ios.EInvalid)
		}
	}
}

func softIoctlv(args *ios.IoctlvArgs) ios.Error {
	if args.InCount != 2 || args.IOCount != 2 || len(args.Vec) != 4 {
		return ios.EInvalid
	}
	input := args.Vec[0].Data
	key := args.Vec[1].Data
	output := args.Vec[2].Data
	iv := args.Vec[3].Data

	if len(key) != KeySize || len(iv) != IVSize {
		return ios.EInvalid
	}
	if len(input) == 0 || len(input)%16 != 0 || len(output) < len(input) {
		return ios.EInvalid
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return ios.EInvalid
	}

	switch args.Cmd {
	case ioctlvEncrypt:
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(output[:len(input)], input)
		copy(iv, output[len(input)-16:len(input)])
	case ioctlvDecrypt:
		nextIV := make([]byte, IVSize)
		copy(nextIV, input[len(input)-16:])
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(output[:len(input)], input)
		copy(iv, nextIV)
	default:
		return ios.EInvalid
	}
	return ios.OK
}
