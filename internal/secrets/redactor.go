package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

// Config configures the redactor.
type Config struct {
	// Enabled turns redaction on (default: true).
	Enabled bool `koanf:"enabled"`

	// ProjectDir holds an optional .gitleaks.toml allowlist.
	ProjectDir string `koanf:"project_dir"`

	// AllowlistPath is an optional user allowlist file.
	AllowlistPath string `koanf:"allowlist_path"`

	// Patterns are extra project-specific secret patterns.
	Patterns []string `koanf:"patterns"`
}

// DefaultConfig returns redaction enabled with no extra patterns.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Finding is a detected secret.
type Finding struct {
	RuleID string
	Match  string
}

// Redactor replaces detected secrets with [REDACTED:rule-id] markers.
type Redactor struct {
	enabled  bool
	mu       sync.Mutex
	detector *detect.Detector
	allow    []*regexp.Regexp
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

// New creates a redactor. The Gitleaks default rule set is loaded once.
func New(cfg Config, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redactor{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return r, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	r.detector = detector

	allowlist, err := LoadAllowlists(cfg.ProjectDir, cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlists: %w", err)
	}
	for _, p := range allowlist.Regexes {
		r.allow = append(r.allow, regexp.MustCompile(p))
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: '%s': %v", ErrInvalidRegex, p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Detect returns the secrets found in text, excluding allowlisted matches.
func (r *Redactor) Detect(text string) []Finding {
	if !r.enabled || text == "" {
		return nil
	}

	var findings []Finding
	r.mu.Lock()
	for _, f := range r.detector.DetectString(text) {
		if f.Secret != "" {
			findings = append(findings, Finding{RuleID: f.RuleID, Match: f.Secret})
		}
	}
	r.mu.Unlock()

	for i, re := range r.patterns {
		for _, m := range re.FindAllString(text, -1) {
			findings = append(findings, Finding{RuleID: fmt.Sprintf("custom-%d", i+1), Match: m})
		}
	}

	out := findings[:0]
	for _, f := range findings {
		if !r.allowed(f.Match) {
			out = append(out, f)
		}
	}
	return out
}

// Redact implements contextstore.Redactor.
func (r *Redactor) Redact(text string) string {
	findings := r.Detect(text)
	if len(findings) == 0 {
		return text
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	for _, f := range findings {
		text = strings.ReplaceAll(text, f.Match, "[REDACTED:"+f.RuleID+"]")
	}

	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		rules = append(rules, f.RuleID)
	}
	r.logger.Info("redacted secrets", zap.Int("count", len(findings)), zap.Strings("rules", rules))
	return text
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
