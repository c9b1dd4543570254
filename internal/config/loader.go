package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides.
const EnvPrefix = "ROUNDTABLE_"

const maxConfigFileSize = 1024 * 1024

var (
	// ErrPathNotAllowed is returned for config files outside the allowed directories.
	ErrPathNotAllowed = errors.New("config file outside allowed directories")

	// ErrInsecurePermissions is returned for group or world readable config files.
	ErrInsecurePermissions = errors.New("insecure config file permissions")

	// ErrFileTooLarge is returned for config files over 1MB.
	ErrFileTooLarge = errors.New("config file too large")
)

// Option configures Load.
type Option func(*loader)

type loader struct {
	allowed []string
}

// WithAllowedDirs replaces the directories config files may live in.
func WithAllowedDirs(dirs ...string) Option {
	return func(l *loader) { l.allowed = dirs }
}

// DefaultPath returns ~/.config/roundtable/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "roundtable", "config.yaml"), nil
}

func defaultAllowedDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "roundtable"))
	}
	dirs = append(dirs, "/etc/roundtable")
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	return dirs
}

// Load reads the YAML file at path over the defaults, applies ROUNDTABLE_*
// environment overrides and validates the result.
//
// An empty path means DefaultPath, which may be absent. An explicit path
// must exist. The file must sit in an allowed directory (the user config
// dir, /etc/roundtable or the working directory), be 0600 or 0400, and be
// at most 1MB.
//
// Environment names map to keys by splitting the section on the first
// underscore and nested keys on double underscores:
//
//	ROUNDTABLE_ORCHESTRATOR_MAX_CYCLE_TURNS -> orchestrator.max_cycle_turns
//	ROUNDTABLE_LOGGING_OUTPUT__CONSOLE      -> logging.output.console
func Load(path string, opts ...Option) (*Config, error) {
	l := &loader{allowed: defaultAllowedDirs()}
	for _, opt := range opts {
		opt(l)
	}

	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	k := koanf.New(".")
	content, err := l.read(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + strings.ReplaceAll(rest, "__", ".")
}

// read validates and reads path through a single descriptor.
func (l *loader) read(path string) ([]byte, error) {
	if err := l.checkPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := checkFileInfo(info); err != nil {
		return nil, err
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, maxConfigFileSize)
	}
	return content, nil
}

// checkPath resolves symlinks before comparing against the allowed dirs.
func (l *loader) checkPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	for _, dir := range l.allowed {
		d, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(d); err == nil {
			d = resolved
		}
		if rel, err := filepath.Rel(d, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPathNotAllowed, path)
}

func checkFileInfo(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 && perm != 0400 {
			return fmt.Errorf("%w: %v (expected 0600 or 0400)", ErrInsecurePermissions, perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), maxConfigFileSize)
	}
	return nil
}
