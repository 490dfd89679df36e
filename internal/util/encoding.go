package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeDigits folds a user-typed one-time code into plain ASCII.
// NFKC maps full-width and other compatibility digits onto '0'-'9', and
// all whitespace (including the space some authenticator apps insert in
// the middle of a code) is dropped.
func NormalizeDigits(s string) string {
	s = norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
