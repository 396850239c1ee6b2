package spam

import (
	"strings"
	"unicode"
)

func isCyrillic(r rune) bool {
	return r >= 0x0400 && r <= 0x04FF
}

// hasMixedScript reports whether any word mixes Cyrillic and Latin letters,
// the usual way lookalike characters are smuggled past keyword filters.
func hasMixedScript(text string) bool {
	for _, word := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		var cyr, lat bool
		for _, r := range word {
			switch {
			case isCyrillic(r):
				cyr = true
			case unicode.Is(unicode.Latin, r):
				lat = true
			}
			if cyr && lat {
				return true
			}
		}
	}
	return false
}
