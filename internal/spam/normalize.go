package spam

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)

// normalize folds text so trivially altered copies compare equal: compatibility
// decomposition, diacritics stripped, lower-cased, punctuation and runs of whitespace collapsed.
func normalize(text string) string {
	// transformers keep state, a fresh chain per call keeps this safe for concurrent use
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), runes.Map(unicode.ToLower), norm.NFC)
	folded, _, err := transform.String(fold, text)
	if err != nil {
		log.WithField("context", "spam").WithField("error", err.Error()).Debug("unicode normalization failed")
		folded = strings.ToLower(text)
	}
	return strings.Join(strings.Fields(nonTokenChars.ReplaceAllString(folded, " ")), " ")
}

// Digest is the duplicate-detection fingerprint of a message.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:])
}
