// Package bitcodec converts between text and the '0'/'1' bit strings
// captured from the radio link.
package bitcodec

import (
	"fmt"
	"strings"
	"unicode"
)

// BitsToText decodes s eight bits at a time, most significant bit first.
// Characters other than '0' and '1' are ignored, as is a trailing partial
// chunk. Each byte maps to the rune of the same value.
func BitsToText(s string) string {
	var (
		out   strings.Builder
		b     byte
		nbits int
	)
	for _, c := range s {
		if c != '0' && c != '1' {
			continue
		}
		b <<= 1
		if c == '1' {
			b |= 1
		}
		nbits++
		if nbits == 8 {
			out.WriteRune(rune(b))
			b, nbits = 0, 0
		}
	}
	return out.String()
}

// TextToBits encodes s as eight bits per rune. Runes above 0xFF cannot be
// represented and yield an error.
func TextToBits(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s) * 8)
	for i, r := range s {
		if r > 0xFF {
			return "", fmt.Errorf("rune %q at byte %d does not fit in eight bits", r, i)
		}
		fmt.Fprintf(&out, "%08b", r)
	}
	return out.String(), nil
}

// Printable returns up to the first n runes of s with non-printable runes
// escaped as \xNN. A negative n keeps the whole string.
func Printable(s string, n int) string {
	var out strings.Builder
	count := 0
	for _, r := range s {
		if n >= 0 && count == n {
			break
		}
		if unicode.IsPrint(r) {
			out.WriteRune(r)
		} else {
			fmt.Fprintf(&out, `\x%02x`, r)
		}
		count++
	}
	return out.String()
}
