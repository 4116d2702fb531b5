package ustr

import "testing"

func TestEq(t *testing.T) {
	a := Ustr("hello")
	b := Ustr("hello")
	c := Ustr("world")
	if !a.Eq(b) {
		t.Fatalf("%q should equal %q", a, b)
	}
	if a.Eq(c) {
		t.Fatalf("%q should not equal %q", a, c)
	}
	if a.Eq(Ustr("hell")) {
		t.Fatalf("different-length strings should not be equal")
	}
}

func TestIsdotIsdotdot(t *testing.T) {
	if !Ustr(".").Isdot() {
		t.Fatalf(`"." should be dot`)
	}
	if Ustr("..").Isdot() {
		t.Fatalf(`".." should not be dot`)
	}
	if !Ustr("..").Isdotdot() {
		t.Fatalf(`".." should be dotdot`)
	}
	if Ustr("a").Isdotdot() {
		t.Fatalf(`"a" should not be dotdot`)
	}
}

func TestMkUstrSliceTruncatesAtNUL(t *testing.T) {
	buf := []byte("hello\x00garbage")
	got := MkUstrSlice(buf)
	if !got.Eq(Ustr("hello")) {
		t.Fatalf("MkUstrSlice(%q) = %q, want %q", buf, got, "hello")
	}
}

func TestMkUstrSliceNoNUL(t *testing.T) {
	got := MkUstrSlice([]byte("abc"))
	if !got.Eq(Ustr("abc")) {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}

func TestIsAbsolute(t *testing.T) {
	if !Ustr("/a/b").IsAbsolute() {
		t.Fatalf("/a/b should be absolute")
	}
	if Ustr("a/b").IsAbsolute() {
		t.Fatalf("a/b should not be absolute")
	}
	if Ustr("").IsAbsolute() {
		t.Fatalf("empty path should not be absolute")
	}
}

func TestExtendJoinsWithSlash(t *testing.T) {
	got := Ustr("/usr").Extend(Ustr("bin"))
	if !got.Eq(Ustr("/usr/bin")) {
		t.Fatalf("got %q, want %q", got, "/usr/bin")
	}
}

// TestNormalizeFoldsCombiningFormToPrecomposed checks the x/text/
// unicode/norm wiring: a name built from a base letter plus a
// combining accent must compare equal to the same name's precomposed
// form, since a directory that stores one must be found by a lookup
// spelled with the other.
func TestNormalizeFoldsCombiningFormToPrecomposed(t *testing.T) {
	precomposed := []byte("caf\xc3\xa9")            // "café", precomposed U+00E9
	decomposed := append([]byte("cafe"), 0xcc, 0x81) // "cafe" + combining acute U+0301

	a := MkUstrSlice(append(append([]byte{}, precomposed...), 0))
	b := MkUstrSlice(append(append([]byte{}, decomposed...), 0))

	if !a.Eq(b) {
		t.Fatalf("precomposed %q and decomposed %q did not normalize equal: got %q vs %q", precomposed, decomposed, a, b)
	}
}

func TestExtendNormalizesAppendedComponent(t *testing.T) {
	decomposed := append([]byte("cafe"), 0xcc, 0x81)
	got := Ustr("/menu").Extend(Ustr(decomposed))
	want := Ustr("/menu/caf\xc3\xa9")
	if !got.Eq(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}
