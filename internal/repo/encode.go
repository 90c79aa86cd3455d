package repo

import (
	"fmt"
	"strconv"
	"strings"
)

// Store file names are encoded so that any tracked path maps to a valid,
// case-collision-free file name:
//
//	'_'                 -> "__"
//	'A'..'Z'            -> '_' + lower case letter
//	bytes < 32, >= 126  -> "~xx"
//	\ : * ? " < > |     -> "~xx"
//
// Directory components ending in .i, .d or .hg get an extra ".hg" so they
// cannot be confused with revlog files. With the dotencode requirement a
// leading '.' or ' ' of each component, a trailing '.' or ' ', and the
// third letter of Windows device names are escaped as well.

const reservedChars = "\\:*?\"<>|"

var windowsDevices = []string{"aux", "con", "prn", "nul"}

func encodeDir(path string) string {
	if !strings.Contains(path, ".hg/") && !strings.Contains(path, ".i/") && !strings.Contains(path, ".d/") {
		return path
	}
	path = strings.ReplaceAll(path, ".hg/", ".hg.hg/")
	path = strings.ReplaceAll(path, ".i/", ".i.hg/")
	return strings.ReplaceAll(path, ".d/", ".d.hg/")
}

func decodeDir(path string) string {
	if !strings.Contains(path, ".hg/") {
		return path
	}
	path = strings.ReplaceAll(path, ".d.hg/", ".d/")
	path = strings.ReplaceAll(path, ".i.hg/", ".i/")
	return strings.ReplaceAll(path, ".hg.hg/", ".hg/")
}

func encodeFilename(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c < 32 || c >= 126 || strings.IndexByte(reservedChars, c) >= 0:
			fmt.Fprintf(&b, "~%02x", c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte('_')
			b.WriteByte(c + ('a' - 'A'))
		case c == '_':
			b.WriteString("__")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func decodeFilename(name string) (string, error) {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch c {
		case '_':
			if i+1 >= len(name) {
				return "", fmt.Errorf("bad store file name %q: trailing _", name)
			}
			i++
			next := name[i]
			switch {
			case next == '_':
				b.WriteByte('_')
			case next >= 'a' && next <= 'z':
				b.WriteByte(next - ('a' - 'A'))
			default:
				return "", fmt.Errorf("bad store file name %q: _%c", name, next)
			}
		case '~':
			if i+2 >= len(name) {
				return "", fmt.Errorf("bad store file name %q: short escape", name)
			}
			v, err := strconv.ParseUint(name[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad store file name %q: %w", name, err)
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// auxEncode applies the dotencode rules to an already encoded path.
func auxEncode(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if p[0] == '.' || p[0] == ' ' {
			p = fmt.Sprintf("~%02x", p[0]) + p[1:]
		} else if len(p) >= 3 && isWindowsDevice(p) {
			p = p[:2] + fmt.Sprintf("~%02x", p[2]) + p[3:]
		}
		if last := p[len(p)-1]; last == '.' || last == ' ' {
			p = p[:len(p)-1] + fmt.Sprintf("~%02x", last)
		}
		parts[i] = p
	}
	return strings.Join(parts, "/")
}

// isWindowsDevice reports whether the base of component p (up to its
// first dot) is a reserved device name such as "aux" or "com1".
func isWindowsDevice(p string) bool {
	base := p
	if dot := strings.IndexByte(p, '.'); dot >= 0 {
		base = p[:dot]
	}
	for _, d := range windowsDevices {
		if base == d {
			return true
		}
	}
	if len(base) == 4 && (strings.HasPrefix(base, "com") || strings.HasPrefix(base, "lpt")) {
		return base[3] >= '1' && base[3] <= '9'
	}
	return false
}

// EncodePath returns the store-relative name, without extension, of the
// revlog that tracks path.
func EncodePath(path string, dotencode bool) string {
	name := encodeFilename(encodeDir("data/" + path))
	if dotencode {
		name = auxEncode(name)
	}
	return name
}

// DecodePath reverses EncodePath for a store-relative name without
// extension. Escapes introduced by dotencode decode like any other.
func DecodePath(name string) (string, error) {
	dec, err := decodeFilename(name)
	if err != nil {
		return "", err
	}
	dec = decodeDir(dec)
	if !strings.HasPrefix(dec, "data/") {
		return "", fmt.Errorf("store file %q is not under data/", name)
	}
	return strings.TrimPrefix(dec, "data/"), nil
}
