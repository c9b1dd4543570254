// Package config loads roundtable's configuration.
//
// Values come from, highest precedence first: ROUNDTABLE_* environment
// variables, the YAML config file, and the defaults in Default.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/roundtable/internal/actor"
	"github.com/fyrsmithlabs/roundtable/internal/events"
	"github.com/fyrsmithlabs/roundtable/internal/logging"
	"github.com/fyrsmithlabs/roundtable/internal/memory"
	"github.com/fyrsmithlabs/roundtable/internal/orchestrator"
	"github.com/fyrsmithlabs/roundtable/internal/resilience"
	"github.com/fyrsmithlabs/roundtable/internal/sanitize"
	"github.com/fyrsmithlabs/roundtable/internal/secrets"
	"github.com/fyrsmithlabs/roundtable/internal/telemetry"
)

// Actor kinds.
const (
	ActorLLM      = "llm"
	ActorScripted = "scripted"
)

// Config is the complete roundtable configuration.
type Config struct {
	Orchestrator orchestrator.Config `koanf:"orchestrator"`
	State        StateConfig         `koanf:"state"`
	Memory       memory.Config       `koanf:"memory"`
	Resilience   resilience.Config   `koanf:"resilience"`
	Paths        sanitize.Config     `koanf:"paths"`
	Actors       []ActorConfig       `koanf:"actors"`
	Events       events.Config       `koanf:"events"`
	Server       ServerConfig        `koanf:"server"`
	Logging      logging.Config      `koanf:"logging"`
	Telemetry    telemetry.Config    `koanf:"telemetry"`
	Secrets      secrets.Config      `koanf:"secrets"`
}

// StateConfig locates the persisted run state.
type StateConfig struct {
	// Root is the project directory actors read and write under.
	Root string `koanf:"root"`

	// ContextPath is the cycle context snapshot.
	ContextPath string `koanf:"context_path"`
}

// ActorConfig declares one roster member. LLM actors use the embedded
// model settings; scripted actors replay the actions in Script.
type ActorConfig struct {
	actor.LLMConfig `koanf:",squash"`

	Kind     string `koanf:"kind"`
	Script   string `koanf:"script"`
	Fallback string `koanf:"fallback"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// Token, when set, is required as a bearer token on /api routes.
	Token Secret `koanf:"token"`
}

// Default returns the built-in configuration. It has no actors.
func Default() *Config {
	return &Config{
		Orchestrator: orchestrator.DefaultConfig(),
		State: StateConfig{
			Root:        ".",
			ContextPath: ".roundtable/context.json",
		},
		Memory:     memory.DefaultConfig(),
		Resilience: resilience.DefaultConfig(),
		Paths:      sanitize.DefaultConfig(),
		Events:     events.DefaultConfig(),
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
		Secrets:   secrets.DefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Orchestrator.Validate(len(c.Actors)); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if c.State.Root == "" || c.State.ContextPath == "" {
		errs = append(errs, errors.New("state: root and context_path are required"))
	}
	if err := c.Memory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if err := c.Resilience.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resilience: %w", err))
	}
	if len(c.Paths.AllowedDirs) == 0 {
		errs = append(errs, errors.New("paths: allowed_dirs must not be empty"))
	}
	if err := c.validateActors(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: invalid port %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server: shutdown_timeout must be positive"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) validateActors() error {
	if len(c.Actors) == 0 {
		return errors.New("actors: at least one actor is required")
	}
	seen := make(map[string]bool, len(c.Actors))
	for i, a := range c.Actors {
		if a.ID == "" {
			return fmt.Errorf("actors[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("actors[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true

		switch a.Kind {
		case "", ActorLLM:
			if err := a.LLMConfig.Validate(); err != nil {
				return fmt.Errorf("actors[%d]: %w", i, err)
			}
		case ActorScripted:
			if a.Script == "" {
				return fmt.Errorf("actors[%d]: scripted actor %s needs a script", i, a.ID)
			}
		default:
			return fmt.Errorf("actors[%d]: unknown kind %q", i, a.Kind)
		}
	}
	return nil
}

// Roster returns the actor IDs in declaration order.
func (c *Config) Roster() []string {
	ids := make([]string, len(c.Actors))
	for i, a := range c.Actors {
		ids[i] = a.ID
	}
	return ids
}
