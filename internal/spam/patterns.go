package spam

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/resources"
)

const defaultPatternsFile = "patterns.yml"

type Pattern struct {
	Name  string  `yaml:"name"`
	Expr  string  `yaml:"expr"`
	Delta float64 `yaml:"delta"`

	re *regexp.Regexp
}

// PatternSet is the configurable part of the detector: weighted regular expressions,
// a whole-word keyword list and hosts whose links are suspicious.
type PatternSet struct {
	Patterns        []Pattern `yaml:"patterns"`
	Keywords        []string  `yaml:"keywords"`
	SuspiciousHosts []string  `yaml:"suspicious_hosts"`

	keywords map[string]struct{}
}

// LoadPatterns reads the pattern set from path, or the embedded default when path is empty.
func LoadPatterns(path string) (*PatternSet, error) {
	var (
		raw []byte
		err error
	)
	if path == "" {
		raw, err = fs.ReadFile(resources.FS, defaultPatternsFile)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern set: %w", err)
	}
	return ParsePatterns(raw)
}

// ParsePatterns decodes and compiles a YAML pattern set.
func ParsePatterns(raw []byte) (*PatternSet, error) {
	set := &PatternSet{}
	if err := yaml.Unmarshal(raw, set); err != nil {
		return nil, ngerrors.Invalid("patterns", err.Error())
	}
	if err := set.compile(); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *PatternSet) compile() error {
	seen := map[string]struct{}{}
	for i := range s.Patterns {
		p := &s.Patterns[i]
		if p.Name == "" {
			return ngerrors.Invalid(fmt.Sprintf("patterns[%d].name", i), "must not be empty")
		}
		if _, dup := seen[p.Name]; dup {
			return ngerrors.Invalid(fmt.Sprintf("patterns[%d].name", i), fmt.Sprintf("duplicate name %q", p.Name))
		}
		seen[p.Name] = struct{}{}
		if p.Delta < 0 {
			return ngerrors.Invalid(fmt.Sprintf("patterns[%d].delta", i), "must not be negative")
		}
		re, err := regexp.Compile("(?i)" + p.Expr)
		if err != nil {
			return ngerrors.Invalid(fmt.Sprintf("patterns[%d].expr", i), err.Error())
		}
		p.re = re
	}

	s.keywords = make(map[string]struct{}, len(s.Keywords))
	for _, k := range s.Keywords {
		for _, tok := range strings.Fields(normalize(k)) {
			s.keywords[tok] = struct{}{}
		}
	}
	for i, h := range s.SuspiciousHosts {
		s.SuspiciousHosts[i] = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www.")
	}
	return nil
}
