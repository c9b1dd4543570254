// Package fileops provides the workspace file capability used by actors.
// Every request is gated by the path validator before it touches disk.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/faults"
	"github.com/fyrsmithlabs/roundtable/internal/sanitize"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates the requested file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrFindNotMatched indicates an edit's find text is absent from the file.
	ErrFindNotMatched = errors.New("find text not present in file")
)

// FileOps reads, writes and edits workspace files.
type FileOps interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) error
	Edit(ctx context.Context, path string, edits []contextstore.Edit) error
}

// Local is a FileOps rooted at a workspace directory.
type Local struct {
	root      string
	validator *sanitize.Validator
	logger    *zap.Logger
}

var _ FileOps = (*Local)(nil)

// NewLocal creates a FileOps rooted at root.
func NewLocal(root string, validator *sanitize.Validator, logger *zap.Logger) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if validator == nil {
		validator = sanitize.NewValidator(sanitize.DefaultConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{root: abs, validator: validator, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (l *Local) Root() string { return l.root }

// Read returns the content of path.
func (l *Local) Read(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := l.validator.CheckRead(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(l.abs(rel))
	if errors.Is(err, os.ErrNotExist) {
		return "", faults.New(faults.KindValidation, "read", ErrNotFound).With("path", rel)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	return string(data), nil
}

// Write replaces the content of path, creating parent directories.
func (l *Local) Write(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := l.validator.CheckWrite(path, content)
	if err != nil {
		return err
	}
	return l.write(rel, content)
}

// Edit applies find/replace pairs in order. Each find must be present; only
// its first occurrence is replaced. Nothing is written if any edit fails.
func (l *Local) Edit(ctx context.Context, path string, edits []contextstore.Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := l.validator.CheckEdit(path, len(edits))
	if err != nil {
		return err
	}

	data, err := os.ReadFile(l.abs(rel))
	if errors.Is(err, os.ErrNotExist) {
		return faults.New(faults.KindValidation, "edit", ErrNotFound).With("path", rel)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", rel, err)
	}

	content := string(data)
	for i, e := range edits {
		if e.Find == "" || !strings.Contains(content, e.Find) {
			return faults.Newf(faults.KindValidation, "edit", "%w: edit %d", ErrFindNotMatched, i+1).With("path", rel)
		}
		content = strings.Replace(content, e.Find, e.Replace, 1)
	}
	if !sanitize.ValidateFileSize(content, l.validator.MaxFileKB()) {
		return faults.Newf(faults.KindValidation, "edit", "%w: %d bytes after edit",
			sanitize.ErrFileTooLarge, len(content)).With("path", rel)
	}
	return l.write(rel, content)
}

func (l *Local) write(rel, content string) error {
	target := l.abs(rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}

	tmpPath := target + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", rel, err)
	}

	l.logger.Debug("workspace file written", zap.String("path", rel), zap.Int("bytes", len(content)))
	return nil
}

func (l *Local) abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}
