package room

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MaxUsernameRunes bounds the length of a display name.
const MaxUsernameRunes = 32

// normalizeUsername returns the display form of a requested name and the
// roster key it is unique under. Names that differ only by case or Unicode
// composition share a key.
func normalizeUsername(raw string) (display, key string, ok bool) {
	display = norm.NFC.String(strings.TrimSpace(raw))
	if display == "" || utf8.RuneCountInString(display) > MaxUsernameRunes {
		return "", "", false
	}
	for _, r := range display {
		if unicode.IsControl(r) || r == '@' {
			return "", "", false
		}
	}
	// Casers keep internal state, so one is built per call.
	key = norm.NFC.String(cases.Fold().String(display))
	return display, key, true
}
