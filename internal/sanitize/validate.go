// Package sanitize gates file-operation requests and sanitizes identifiers.
package sanitize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/roundtable/internal/faults"
)

// Validation errors for file-operation requests.
var (
	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrPathTraversal indicates a path contains a ".." segment.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrNotAllowedDir indicates the top-level directory is not whitelisted.
	ErrNotAllowedDir = errors.New("must be in allowed directories")

	// ErrSensitivePath indicates the path matches a sensitive-file pattern.
	ErrSensitivePath = errors.New("path matches sensitive file pattern")

	// ErrFileTooLarge indicates content exceeds the size cap.
	ErrFileTooLarge = errors.New("content exceeds maximum file size")

	// ErrTooManyOperations indicates a request carries too many operations.
	ErrTooManyOperations = errors.New("too many operations in one request")

	// ErrNoOperations indicates an edit request without any edits.
	ErrNoOperations = errors.New("edit requires at least one operation")
)

const (
	// DefaultMaxFileKB is the default content size cap.
	DefaultMaxFileKB = 100

	// DefaultMaxOperations is the default per-request operation cap.
	DefaultMaxOperations = 5
)

// Config configures a Validator.
type Config struct {
	AllowedDirs       []string `koanf:"allowed_dirs"`
	SensitivePatterns []string `koanf:"sensitive_patterns"`
	MaxFileKB         int      `koanf:"max_file_kb"`
	MaxOperations     int      `koanf:"max_operations"`
}

// DefaultConfig returns the default whitelist and blocklist.
func DefaultConfig() Config {
	return Config{
		AllowedDirs:       []string{"src", "tests", "docs", "notes", "data"},
		SensitivePatterns: []string{".env", "node_modules", ".git", "package.json", "tsconfig.json", "go.mod", "go.sum"},
		MaxFileKB:         DefaultMaxFileKB,
		MaxOperations:     DefaultMaxOperations,
	}
}

// PathResult is the outcome of ValidatePath.
type PathResult struct {
	Valid          bool
	NormalizedPath string
	Err            error
}

// Validator checks paths against a directory whitelist and a sensitive-file blocklist.
type Validator struct {
	allowed       map[string]struct{}
	allowedList   string
	patterns      []string
	maxFileKB     int
	maxOperations int
}

// NewValidator creates a validator. Zero limits fall back to defaults.
func NewValidator(cfg Config) *Validator {
	if cfg.MaxFileKB <= 0 {
		cfg.MaxFileKB = DefaultMaxFileKB
	}
	if cfg.MaxOperations <= 0 {
		cfg.MaxOperations = DefaultMaxOperations
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedDirs))
	names := make([]string, 0, len(cfg.AllowedDirs))
	for _, d := range cfg.AllowedDirs {
		d = strings.Trim(Normalize(d), "/")
		if d == "" {
			continue
		}
		allowed[d] = struct{}{}
		names = append(names, d+"/")
	}

	return &Validator{
		allowed:       allowed,
		allowedList:   strings.Join(names, ", "),
		patterns:      append([]string(nil), cfg.SensitivePatterns...),
		maxFileKB:     cfg.MaxFileKB,
		maxOperations: cfg.MaxOperations,
	}
}

// Normalize converts backslashes to forward slashes, collapses repeated
// separators and drops "." segments. ".." segments are kept so callers can
// reject them.
func Normalize(path string) string {
	p := strings.ReplaceAll(path, `\`, "/")
	absolute := strings.HasPrefix(p, "/")

	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		kept = append(kept, part)
	}

	joined := strings.Join(kept, "/")
	if absolute {
		return "/" + joined
	}
	return joined
}

// ValidatePath normalizes path and applies, in order, the traversal, whitelist
// and sensitive-pattern checks.
func (v *Validator) ValidatePath(path string) PathResult {
	if strings.TrimSpace(path) == "" {
		return PathResult{Err: ErrEmptyPath}
	}

	normalized := Normalize(path)
	res := PathResult{NormalizedPath: normalized}

	segments := strings.Split(strings.TrimPrefix(normalized, "/"), "/")
	for _, seg := range segments {
		if seg == ".." {
			res.Err = fmt.Errorf("%w: %q contains '..'", ErrPathTraversal, path)
			return res
		}
	}

	if strings.HasPrefix(normalized, "/") || len(segments) < 2 {
		res.Err = fmt.Errorf("%w: %q (allowed: %s)", ErrNotAllowedDir, normalized, v.allowedList)
		return res
	}
	if _, ok := v.allowed[segments[0]]; !ok {
		res.Err = fmt.Errorf("%w: %q (allowed: %s)", ErrNotAllowedDir, normalized, v.allowedList)
		return res
	}

	if pattern, ok := v.matchSensitive(segments); ok {
		res.Err = fmt.Errorf("%w: %q matches %q", ErrSensitivePath, normalized, pattern)
		return res
	}

	res.Valid = true
	return res
}

// matchSensitive returns the first pattern matching any path segment.
// Dot-prefixed patterns also match suffixed variants (".env" matches ".env.local").
func (v *Validator) matchSensitive(segments []string) (string, bool) {
	for _, pattern := range v.patterns {
		for _, seg := range segments {
			if strings.EqualFold(seg, pattern) {
				return pattern, true
			}
			if strings.HasPrefix(pattern, ".") && strings.HasPrefix(strings.ToLower(seg), strings.ToLower(pattern)+".") {
				return pattern, true
			}
		}
	}
	return "", false
}

// ValidateFileSize reports whether content fits within maxKB kilobytes.
// The boundary is inclusive.
func ValidateFileSize(content string, maxKB int) bool {
	return len(content) <= maxKB*1024
}

// ValidateOperationCount reports whether count is within max. The boundary is inclusive.
func ValidateOperationCount(count, max int) bool {
	return count >= 0 && count <= max
}

// CheckRead validates a read request and returns the normalized path.
func (v *Validator) CheckRead(path string) (string, error) {
	res := v.ValidatePath(path)
	if !res.Valid {
		return "", faults.New(faults.KindValidation, "read", res.Err).With("path", path)
	}
	return res.NormalizedPath, nil
}

// CheckWrite validates a write request, including the content size cap.
func (v *Validator) CheckWrite(path, content string) (string, error) {
	res := v.ValidatePath(path)
	if !res.Valid {
		return "", faults.New(faults.KindValidation, "write", res.Err).With("path", path)
	}
	if !ValidateFileSize(content, v.maxFileKB) {
		return "", faults.Newf(faults.KindValidation, "write", "%w: %d bytes (max %dKB)",
			ErrFileTooLarge, len(content), v.maxFileKB).With("path", path)
	}
	return res.NormalizedPath, nil
}

// CheckEdit validates an edit request carrying edits operations.
func (v *Validator) CheckEdit(path string, edits int) (string, error) {
	res := v.ValidatePath(path)
	if !res.Valid {
		return "", faults.New(faults.KindValidation, "edit", res.Err).With("path", path)
	}
	if edits <= 0 {
		return "", faults.New(faults.KindValidation, "edit", ErrNoOperations).With("path", path)
	}
	if !ValidateOperationCount(edits, v.maxOperations) {
		return "", faults.Newf(faults.KindValidation, "edit", "%w: %d (max %d)",
			ErrTooManyOperations, edits, v.maxOperations).With("path", path)
	}
	return res.NormalizedPath, nil
}

// MaxFileKB returns the configured size cap.
func (v *Validator) MaxFileKB() int { return v.maxFileKB }
