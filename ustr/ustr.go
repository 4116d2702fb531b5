// Package ustr provides the path/name byte-string type threaded
// through the path resolver and directory code. Keeping it a distinct
// type (rather than passing plain strings) mirrors how the kernel
// copies path arguments in from user memory: as raw bytes, NUL
// terminated, never assumed to be valid UTF-8.
package ustr

import "golang.org/x/text/unicode/norm"

// Ustr is an immutable-by-convention path or path-component string.
type Ustr []uint8

// normalize NFC-normalizes a path component's bytes. Names that
// arrive from user memory are raw bytes with no guarantee two visually
// identical names are byte-identical (a combining accent vs its
// precomposed form); normalizing on every construction/extension
// point means Eq and directory-entry comparison never have to worry
// about the distinction themselves.
func normalize(b []uint8) Ustr {
	return Ustr(norm.NFC.Bytes(b))
}

// Isdot reports whether the string is ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string is "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq reports whether us and s contain the same bytes.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr returns the empty path string.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrDot returns ".".
func MkUstrDot() Ustr {
	return Ustr(".")
}

// MkUstrRoot returns "/".
func MkUstrRoot() Ustr {
	return Ustr("/")
}

// DotDot is a shared ".." value for comparisons.
var DotDot = Ustr{'.', '.'}

// MkUstrSlice truncates buf at its first NUL byte, the representation
// a copyinstr out of user memory produces.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return normalize(buf[:i])
		}
	}
	return normalize(buf)
}

// Extend returns a new path with component p appended after a '/'.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := append(tmp, '/')
	return normalize(append(r, p...))
}

// ExtendStr is Extend for a Go string component.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// IsAbsolute reports whether the path is rooted at '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// IndexByte returns the index of the first occurrence of b, or -1.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// String renders the path as a Go string, for logging and errors.
func (us Ustr) String() string {
	return string(us)
}
