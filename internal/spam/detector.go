package spam

import (
	"math"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/purell"

	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/state"
)

const (
	ReasonDuplicate   = "duplicate_message"
	ReasonRapid       = "rapid_messaging"
	ReasonKeyword     = "keyword"
	ReasonLink        = "suspicious_link"
	ReasonCaps        = "excessive_caps"
	ReasonTooLong     = "message_too_long"
	ReasonMixedScript = "mixed_script"
	reasonPatternPref = "pattern:"

	minCapsLetters = 10
)

var linkExpr = regexp.MustCompile(`(?i)(?:\bhttps?://|\bwww\.)[^\s<>"']+|\b(?:[a-z0-9-]+\.)+[a-z]{2,}/[^\s<>"']*`)

// Result is the score delta a single message contributes together with the signals that fired.
type Result struct {
	Delta   float64
	Reasons []string
}

func (r *Result) add(delta float64, reason string) {
	if delta <= 0 {
		return
	}
	r.Delta += delta
	r.Reasons = append(r.Reasons, reason)
}

type Detector struct {
	cfg config.Spam
	set atomic.Pointer[PatternSet]
}

func New(cfg config.Spam, set *PatternSet) *Detector {
	d := &Detector{cfg: cfg}
	d.SetPatterns(set)
	return d
}

// SetPatterns swaps the pattern set. Messages already being evaluated keep the previous set.
func (d *Detector) SetPatterns(set *PatternSet) {
	if set == nil {
		set = &PatternSet{}
		_ = set.compile()
	}
	d.set.Store(set)
}

// Evaluate scores text against the user's history without touching the record.
func (d *Detector) Evaluate(rec *state.UserRecord, text string, now time.Time) Result {
	res := Result{Reasons: []string{}}
	set := d.set.Load()
	normalized := normalize(text)

	if normalized != "" && d.isDuplicate(rec, Digest(text), now) {
		res.add(d.cfg.DuplicateDelta, ReasonDuplicate)
	}
	res.add(d.rapidDelta(rec, now), ReasonRapid)

	for _, p := range set.Patterns {
		if p.re.MatchString(text) {
			res.add(p.Delta, reasonPatternPref+p.Name)
		}
	}
	if hasKeyword(set, normalized) {
		res.add(d.cfg.KeywordDelta, ReasonKeyword)
	}
	if hasSuspiciousLink(set, text) {
		res.add(d.cfg.LinkDelta, ReasonLink)
	}
	if d.cfg.MixedScriptDelta > 0 && hasMixedScript(text) {
		res.add(d.cfg.MixedScriptDelta, ReasonMixedScript)
	}
	if d.excessiveCaps(text) {
		res.add(d.cfg.CapsDelta, ReasonCaps)
	}
	if d.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(text) > d.cfg.MaxMessageLength {
		res.add(d.cfg.LongDelta, ReasonTooLong)
	}
	return res
}

// Remember records the message in the user's recent history. Callers must hold the user's lock.
func (d *Detector) Remember(rec *state.UserRecord, text string, now time.Time) {
	rec.RecentMessages = append(rec.RecentMessages, state.RecentMessage{Digest: Digest(text), At: now})
	keep := d.cfg.RecentMessages
	if keep < 1 {
		keep = 1
	}
	if over := len(rec.RecentMessages) - keep; over > 0 {
		rec.RecentMessages = append(rec.RecentMessages[:0], rec.RecentMessages[over:]...)
	}
}

// Prune drops remembered messages older than the duplicate window.
func (d *Detector) Prune(rec *state.UserRecord, now time.Time) {
	cutoff := now.Add(-d.cfg.DuplicateWindow)
	kept := rec.RecentMessages[:0]
	for _, m := range rec.RecentMessages {
		if m.At.After(cutoff) {
			kept = append(kept, m)
		}
	}
	rec.RecentMessages = kept
}

// Forget clears duplicate tracking for the user.
func (d *Detector) Forget(rec *state.UserRecord) {
	rec.RecentMessages = []state.RecentMessage{}
}

func (d *Detector) isDuplicate(rec *state.UserRecord, digest string, now time.Time) bool {
	if d.cfg.RecentMessages <= 0 {
		return false
	}
	recent := rec.RecentMessages
	if len(recent) > d.cfg.RecentMessages {
		recent = recent[len(recent)-d.cfg.RecentMessages:]
	}
	for _, m := range recent {
		if m.Digest == digest && now.Sub(m.At) <= d.cfg.DuplicateWindow {
			return true
		}
	}
	return false
}

func (d *Detector) rapidDelta(rec *state.UserRecord, now time.Time) float64 {
	if d.cfg.RapidDelta <= 0 || d.cfg.RapidInterval <= 0 || len(rec.RecentMessages) == 0 {
		return 0
	}
	gap := now.Sub(rec.RecentMessages[len(rec.RecentMessages)-1].At)
	if gap < 0 || gap >= d.cfg.RapidInterval {
		return 0
	}
	delta := math.Ceil(d.cfg.RapidDelta * float64(d.cfg.RapidInterval-gap) / float64(d.cfg.RapidInterval))
	return math.Max(delta, 1)
}

func hasKeyword(set *PatternSet, normalized string) bool {
	if len(set.keywords) == 0 {
		return false
	}
	for _, tok := range strings.Fields(normalized) {
		if _, ok := set.keywords[tok]; ok {
			return true
		}
	}
	return false
}

func hasSuspiciousLink(set *PatternSet, text string) bool {
	for _, raw := range linkExpr.FindAllString(text, -1) {
		if suspiciousURL(set, strings.TrimRight(raw, ".,;:!?)]}")) {
			return true
		}
	}
	return false
}

func suspiciousURL(set *PatternSet, raw string) bool {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	clean, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveWWW|purell.FlagRemoveFragment)
	if err != nil {
		return false
	}
	u, err := url.Parse(clean)
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(host, ".") {
		if strings.HasPrefix(label, "xn--") {
			return true
		}
	}
	for _, r := range host {
		if r > unicode.MaxASCII {
			return true
		}
	}
	for _, h := range set.SuspiciousHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (d *Detector) excessiveCaps(text string) bool {
	if d.cfg.CapsDelta <= 0 {
		return false
	}
	letters, upper := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= minCapsLetters && float64(upper)/float64(letters) > d.cfg.CapsRatio
}
