package loader

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldChain = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold strips diacritics so "Málaga" and "Malaga" normalize identically.
func Fold(s string) string {
	out, _, err := transform.String(foldChain, s)
	if err != nil {
		return s
	}
	return out
}

// Code reduces a descriptive dimension value to its short code: diacritics
// stripped, title-cased, truncated to three letters. "Alquiler" -> "Alq",
// "málaga" -> "Mal". Empty input yields "Unknown".
func Code(s string) string {
	s = strings.TrimSpace(Fold(s))
	if s == "" {
		return "Unknown"
	}
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		if b.Len() == 0 {
			r = unicode.ToUpper(r)
		} else {
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
		if b.Len() >= 3 {
			break
		}
	}
	if b.Len() == 0 {
		return "Unknown"
	}
	return b.String()
}
