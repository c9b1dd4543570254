package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds content patterns that are never treated as secrets.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlists merges the project's .gitleaks.toml and a user allowlist
// file. Missing files are skipped; invalid TOML or patterns are errors.
func LoadAllowlists(projectDir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{Regexes: []string{}}

	var paths []string
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".gitleaks.toml"))
	}
	if userPath != "" {
		paths = append(paths, userPath)
	}

	for _, path := range paths {
		list, err := loadTOML(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Regexes = append(merged.Regexes, list.Regexes...)
	}
	return merged, nil
}

func loadTOML(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: invalid pattern '%s' in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}
