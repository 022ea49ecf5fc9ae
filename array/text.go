package array

import (
	"fmt"
	"unicode/utf8"

	"github.com/vkngwrapper/substrate/alloc"
	"golang.org/x/text/encoding/unicode"
)

var (
	// UTF8 is the element type of UTF-8 text, one byte per code unit
	UTF8 = TypeInfo{Size: 1}
	// UTF16 is the element type of UTF-16LE text, two bytes per code unit
	UTF16 = TypeInfo{Size: 2}

	utf16Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

func mustBeValid(r rune) {
	if !utf8.ValidRune(r) {
		panic(fmt.Sprintf("cannot encode invalid code point %U", r))
	}
}

// AppendRune encodes r as UTF-8 and appends its one to four bytes to seq, a sequence of UTF8
// elements. It panics if r is not a valid Unicode scalar value.
func AppendRune(a *alloc.Allocator, seq Slice, r rune) (Slice, error) {
	mustBeValid(r)

	return Append(a, UTF8, seq, utf8.AppendRune(nil, r))
}

// AppendRuneUTF16 encodes r as UTF-16LE and appends its one or two code units to seq, a
// sequence of UTF16 elements. It panics if r is not a valid Unicode scalar value.
func AppendRuneUTF16(a *alloc.Allocator, seq Slice, r rune) (Slice, error) {
	mustBeValid(r)

	encoded, err := utf16Encoding.NewEncoder().Bytes(utf8.AppendRune(nil, r))
	if err != nil {
		panic(fmt.Sprintf("cannot encode code point %U as UTF-16: %v", r, err))
	}

	return Append(a, UTF16, seq, encoded)
}
