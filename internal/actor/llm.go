package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/faults"
	"github.com/fyrsmithlabs/roundtable/internal/logging"
)

// ErrMalformedReply is returned when the model reply carries no usable action.
var ErrMalformedReply = errors.New("malformed model reply")

const maxNotes = 5

// LLMConfig configures an actor backed by an OpenAI-compatible endpoint.
type LLMConfig struct {
	ID              string               `koanf:"id"`
	Role            string               `koanf:"role"`
	Phases          []contextstore.Phase `koanf:"phases"`
	BaseURL         string               `koanf:"base_url"`
	Model           string               `koanf:"model"`
	APIKeyEnv       string               `koanf:"api_key_env"`
	Temperature     float64              `koanf:"temperature"`
	CostPer1KTokens float64              `koanf:"cost_per_1k_tokens"`
}

// Validate checks the configuration.
func (c LLMConfig) Validate() error {
	if c.ID == "" {
		return errors.New("actor id is required")
	}
	if c.Model == "" {
		return fmt.Errorf("actor %s: model is required", c.ID)
	}
	for _, p := range c.Phases {
		if !p.Valid() {
			return fmt.Errorf("actor %s: unknown phase %q", c.ID, p)
		}
	}
	if c.CostPer1KTokens < 0 {
		return fmt.Errorf("actor %s: cost_per_1k_tokens must be >= 0", c.ID)
	}
	return nil
}

// LLM is an actor that asks a language model for each turn's action.
type LLM struct {
	cfg    LLMConfig
	model  llms.Model
	logger *zap.Logger

	mu   sync.Mutex
	snap Snapshot
}

// NewLLM creates an LLM actor talking to cfg.BaseURL.
func NewLLM(cfg LLMConfig, logger *zap.Logger) (*LLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	// Local OpenAI-compatible servers accept any key, the client requires one.
	if apiKey == "" {
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating model client for %s: %w", cfg.ID, err)
	}
	return NewLLMWithModel(cfg, model, logger), nil
}

// NewLLMWithModel creates an LLM actor around an existing model.
func NewLLMWithModel(cfg LLMConfig, model llms.Model, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{
		cfg:    cfg,
		model:  model,
		logger: logger.With(zap.String("actor.role", cfg.Role)),
		snap:   Snapshot{ID: cfg.ID},
	}
}

// ID implements Actor.
func (a *LLM) ID() string { return a.cfg.ID }

// Dependency implements Dependency. Actors sharing an endpoint share a breaker.
func (a *LLM) Dependency() string {
	base := a.cfg.BaseURL
	if base == "" {
		base = "openai"
	}
	return "llm:" + base
}

// CanAct implements Actor.
func (a *LLM) CanAct(phase contextstore.Phase) bool {
	return phaseAllowed(a.cfg.Phases, phase)
}

// Act implements Actor.
func (a *LLM) Act(ctx context.Context, req Request) (Action, error) {
	prompt := a.prompt(req)
	fields := append(logging.ContextFields(ctx), zap.String("model", a.cfg.Model))
	a.logger.Debug("requesting action", append(fields, zap.Int("prompt.len", len(prompt)))...)

	opts := []llms.CallOption{llms.WithTemperature(a.cfg.Temperature)}
	reply, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt, opts...)
	if err != nil {
		return Action{}, err
	}

	action, err := ParseAction(reply)
	if err != nil {
		a.logger.Debug("unparseable reply", append(fields, zap.Int("reply.len", len(reply)))...)
		return Action{}, faults.New(faults.KindValidation, "actor.parse", err).With("actor", a.cfg.ID)
	}

	tokens := estimateTokens(len(prompt) + len(reply))
	action.Usage = Usage{
		Tokens: tokens,
		Cost:   float64(tokens) / 1000 * a.cfg.CostPer1KTokens,
	}
	return action, nil
}

// RecordTurn implements Actor.
func (a *LLM) RecordTurn(rec TurnRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.Turns++
	if rec.Err != nil {
		a.snap.Failures++
		a.note(fmt.Sprintf("run %d: turn failed: %v", rec.RunNumber, rec.Err))
		return
	}
	a.snap.LastKind = rec.Action.Kind
	a.snap.LastTarget = rec.Action.TargetActor
	if rec.Action.Decision != "" {
		a.note(fmt.Sprintf("run %d: decided %s", rec.RunNumber, rec.Action.Decision))
	}
}

// note keeps the last few notes. Caller holds mu.
func (a *LLM) note(s string) {
	a.snap.Notes = append(a.snap.Notes, s)
	if len(a.snap.Notes) > maxNotes {
		a.snap.Notes = a.snap.Notes[len(a.snap.Notes)-maxNotes:]
	}
}

// SnapshotState implements Actor.
func (a *LLM) SnapshotState() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.snap
	s.Notes = append([]string(nil), a.snap.Notes...)
	return s
}

func (a *LLM) prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", a.cfg.ID)
	if a.cfg.Role != "" {
		fmt.Fprintf(&b, ", %s", a.cfg.Role)
	}
	fmt.Fprintf(&b, ", working with: %s.\n\n", strings.Join(req.Roster, ", "))
	b.WriteString(req.Briefing)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Current phase: %s. Turns left for you this run: %d.\n", req.Phase, req.TurnBudgetRemaining)
	if len(req.Signals) > 0 {
		ids := make([]string, 0, len(req.Signals))
		for id := range req.Signals {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		b.WriteString("Signals:")
		for _, id := range ids {
			fmt.Fprintf(&b, " %s=%s", id, req.Signals[id])
		}
		b.WriteString("\n")
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nResult of your last turn:\n%s\n", req.Feedback)
	}

	fmt.Fprintf(&b, "\nHand off to one of: %s.\n", strings.Join(req.AvailableTargets, ", "))
	b.WriteString(`Reply with a single JSON object:
{"kind":"file_read|file_edit|file_write|consensus","path":"","content":"","edits":[{"find":"","replace":""}],"signal":"agree|building|disagree","target_actor":"","reasoning":"","decision":""}
`)
	return b.String()
}

// ParseAction extracts the JSON action object from a model reply. Text
// around the object, such as a markdown fence, is ignored.
func ParseAction(reply string) (Action, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Action{}, fmt.Errorf("%w: no JSON object", ErrMalformedReply)
	}

	var action Action
	if err := json.Unmarshal([]byte(reply[start:end+1]), &action); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if err := action.Validate(); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return action, nil
}

func estimateTokens(chars int) int {
	return (chars + 3) / 4
}
