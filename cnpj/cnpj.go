// Package cnpj normalizes and validates CNPJ identifiers, the 14-digit
// Brazilian company registry numbers that key every lookup in this system.
package cnpj

import "strings"

// Length is the number of digits in a CNPJ.
const Length = 14

// Normalize strips everything but digits from s. "00.000.000/0001-00"
// and "00000000000100" normalize to the same key.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(Length)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Valid reports whether s normalizes to a syntactically valid CNPJ:
// exactly 14 digits. Check-digit verification is intentionally not
// applied; the registry is the authority on whether a number exists.
func Valid(s string) bool {
	n := Normalize(s)
	return len(n) == Length
}

// Format renders a normalized CNPJ in the conventional
// 00.000.000/0001-00 presentation form. Input that is not 14 digits is
// returned unchanged.
func Format(s string) string {
	n := Normalize(s)
	if len(n) != Length {
		return s
	}
	return n[0:2] + "." + n[2:5] + "." + n[5:8] + "/" + n[8:12] + "-" + n[12:14]
}
