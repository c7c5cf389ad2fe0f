package faceindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeFilename returns the NFC form of a display filename with control
// characters removed, so names from different sources compare equal.
func NormalizeFilename(name string) string {
	t := transform.Chain(norm.NFC, runes.Remove(runes.In(unicode.Cc)))
	result, _, err := transform.String(t, name)
	if err != nil {
		return strings.TrimSpace(name)
	}
	return strings.TrimSpace(result)
}
