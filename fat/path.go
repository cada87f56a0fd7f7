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

import "strings"

// MaxName is the longest accepted file name component.
const MaxName = 255

// splitPath breaks a volume-relative path into its components. Leading and
// duplicate separators are tolerated; an empty result addresses the root.
func splitPath(path string) ([]string, error) {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" || p == "." {
			continue
		}
		if p == ".." {
			if len(parts) == 0 {
				return nil, ErrInvalidName
			}
			parts = parts[:len(parts)-1]
			continue
		}
		if len(p) > MaxName || !validName(p) {
			return nil, ErrInvalidName
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func validName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 {
			return false
		}
		switch c {
		case '"', '*', ':', '<', '>', '?', '\\', '|':
			return false
		}
	}
	// Trailing dots and spaces are not storable.
	last := name[len(name)-1]
	return last != '.' && last != ' '
}

// fitsShortName reports whether name is directly representable as an 8.3
// entry without a long-name record.
func fitsShortName(name string) bool {
	base, ext, ok := strings.Cut(name, ".")
	if !ok {
		ext = ""
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 || strings.Contains(ext, ".") {
		return false
	}
	isPlain := func(s string) bool {
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			case strings.IndexByte("$%'-_@~`!(){}^#&", c) >= 0:
			default:
				return false
			}
		}
		return true
	}
	return isPlain(base) && isPlain(ext)
}

// packShortName renders an 8.3 name into the 11-byte directory-entry form.
func packShortName(name string) (out [11]byte) {
	for i := range out {
		out[i] = ' '
	}
	base, ext, _ := strings.Cut(name, ".")
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

// unpackShortName renders the 11-byte entry form back into "BASE.EXT".
func unpackShortName(raw []byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if len(base) > 0 && base[0] == 0x05 {
		// 0x05 stores an initial 0xE5 byte.
		base = "\xE5" + base[1:]
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// shortNameAlias derives the numeric-tail 8.3 alias for a long name, e.g.
// "LONGFI~1.TXT". seq is the collision counter starting at 1.
func shortNameAlias(name string, seq int) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	upper := strings.ToUpper(name)
	dot := strings.LastIndexByte(upper, '.')
	base, ext := upper, ""
	if dot >= 0 {
		base, ext = upper[:dot], upper[dot+1:]
	}

	sanitize := func(s string) string {
		var b strings.Builder
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
				b.WriteByte(c)
			case c == '.' || c == ' ':
			default:
				b.WriteByte('_')
			}
		}
		return b.String()
	}
	base = sanitize(base)
	ext = sanitize(ext)

	tail := "~" + itoa(seq)
	keep := 8 - len(tail)
	if len(base) > keep {
		base = base[:keep]
	}
	copy(out[0:8], base+tail)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(out[8:11], ext)
	return out
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// shortNameChecksum is the LFN linkage checksum over the 11-byte short name.
func shortNameChecksum(short [11]byte) byte {
	var sum byte
	for _, c := range short {
		sum = (sum >> 1) | (sum << 7)
		sum += c
	}
	return sum
}

// nameMatches compares a stored name to the request, case-insensitively.
func nameMatches(stored, want string) bool {
	return strings.EqualFold(stored, want)
}
