package contextstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AppliedSuffix is appended to an override file once it has been applied.
const AppliedSuffix = ".applied"

// Override is the out-of-band record that forces a phase, the next action
// and, optionally, full agreement.
type Override struct {
	Phase               Phase       `json:"phase,omitempty"`
	NextAction          *NextAction `json:"next_action,omitempty"`
	SynthesizeConsensus bool        `json:"synthesize_consensus"`
	AuthorizeApply      bool        `json:"authorize_apply"`
	Reason              string      `json:"reason"`
}

// Validate checks o against the roster.
func (o Override) Validate(roster []string) error {
	if o.Phase != "" && !o.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidOverride, o.Phase)
	}
	if o.NextAction != nil {
		target := o.NextAction.TargetActor
		if target != TerminalTarget && !contains(roster, target) {
			return fmt.Errorf("%w: next_action target %q is not in the roster", ErrInvalidOverride, target)
		}
	}
	if o.Phase == "" && o.NextAction == nil && !o.SynthesizeConsensus && !o.AuthorizeApply {
		return fmt.Errorf("%w: override changes nothing", ErrInvalidOverride)
	}
	return nil
}

// LoadOverride reads the override record at path. It returns nil, nil when
// there is none.
func LoadOverride(path string) (*Override, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read override: %w", err)
	}

	var o Override
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	return &o, nil
}

// WriteOverride writes o to path atomically.
func WriteOverride(path string, o Override) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal override: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create override directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write override: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename override: %w", err)
	}
	return nil
}

// ConsumeOverride marks the override at path as applied by renaming it.
func ConsumeOverride(path string) error {
	if err := os.Rename(path, path+AppliedSuffix); err != nil {
		return fmt.Errorf("failed to consume override: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
