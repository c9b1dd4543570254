package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/roundtable/internal/actor"
	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/events"
	"github.com/fyrsmithlabs/roundtable/internal/faults"
	"github.com/fyrsmithlabs/roundtable/internal/fileops"
	"github.com/fyrsmithlabs/roundtable/internal/logging"
	"github.com/fyrsmithlabs/roundtable/internal/resilience"
	"github.com/fyrsmithlabs/roundtable/internal/sanitize"
	"github.com/fyrsmithlabs/roundtable/internal/turnlimit"
)

// Deps are the collaborators of a Controller. Executor, Validator and Files
// are required.
type Deps struct {
	Executor  *resilience.Executor
	Validator *sanitize.Validator
	Files     fileops.FileOps

	Recorder MemoryRecorder
	Events   events.Sink
	Metrics  *Metrics
	Logger   *zap.Logger

	// Gates replaces the default gate chain.
	Gates []PhaseGate

	// Briefing renders the state shown to actors. Defaults to
	// contextstore.GenerateBriefing.
	Briefing func(*contextstore.CycleContext) string

	Now func() time.Time
}

// Controller runs cycles. It is the only mutator of the CycleContext it is
// given and is not safe for concurrent use.
type Controller struct {
	cfg       Config
	roster    []string
	actors    map[string]actor.Actor
	exec      *resilience.Executor
	validator *sanitize.Validator
	files     fileops.FileOps
	recorder  MemoryRecorder
	sink      events.Sink
	metrics   *Metrics
	logger    *zap.Logger
	gates     []PhaseGate
	briefing  func(*contextstore.CycleContext) string
	now       func() time.Time
}

// NewController creates a controller for actors, in roster order.
func NewController(cfg Config, actors []actor.Actor, deps Deps) (*Controller, error) {
	if len(actors) == 0 {
		return nil, ErrEmptyRoster
	}
	if err := cfg.Validate(len(actors)); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if deps.Executor == nil || deps.Validator == nil || deps.Files == nil {
		return nil, errors.New("executor, validator and files are required")
	}

	c := &Controller{
		cfg:       cfg,
		actors:    make(map[string]actor.Actor, len(actors)),
		exec:      deps.Executor,
		validator: deps.Validator,
		files:     deps.Files,
		recorder:  deps.Recorder,
		sink:      deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		gates:     deps.Gates,
		briefing:  deps.Briefing,
		now:       deps.Now,
	}
	for _, a := range actors {
		if _, dup := c.actors[a.ID()]; dup || a.ID() == contextstore.TerminalTarget {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateActor, a.ID())
		}
		c.actors[a.ID()] = a
		c.roster = append(c.roster, a.ID())
	}
	if c.sink == nil {
		c.sink = events.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.gates == nil {
		c.gates = DefaultGates(cfg.Threshold(len(c.roster)))
	}
	if c.briefing == nil {
		c.briefing = contextstore.GenerateBriefing
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Roster returns the actor ids in handoff order.
func (c *Controller) Roster() []string {
	return append([]string(nil), c.roster...)
}

// Config returns the controller configuration.
func (c *Controller) Config() Config { return c.cfg }

// cycle is the bookkeeping of one RunCycle call.
type cycle struct {
	cc       *contextstore.CycleContext
	res      *CycleResult
	logger   *zap.Logger
	feedback map[string]string
}

// RunCycle runs turns until the turn budget is spent, every actor is
// exhausted, discussion reaches consensus, or an actor hands off to the
// terminal target. The context is updated in place; run number, history and
// next action are advanced even when the cycle aborts with an error.
func (c *Controller) RunCycle(ctx context.Context, cc *contextstore.CycleContext) (*CycleResult, error) {
	started := c.now()
	ctx, span := Tracer().Start(ctx, "orchestrator.RunCycle", trace.WithAttributes(
		attribute.String("run.id", cc.RunID),
		attribute.Int("cycle.number", cc.RunNumber),
		attribute.String("phase", string(cc.Phase)),
	))
	defer span.End()
	ctx = logging.WithRun(ctx, cc.RunID, cc.RunNumber)

	cc.EnsureActors(c.roster)
	run := &cycle{
		cc:       cc,
		res:      &CycleResult{RunNumber: cc.RunNumber, StartPhase: cc.Phase},
		logger:   c.logger.With(logging.ContextFields(ctx)...),
		feedback: make(map[string]string),
	}
	costBefore := cc.TotalCost()

	c.advance(ctx, run)
	if cc.SignalsSynthesized && c.cfg.ResetSignalsAfterOverride {
		cc.ClearSignals()
		run.logger.Info("synthesized consensus signals cleared")
	}
	for _, id := range c.roster {
		cc.Actor(id).ResetTurnCounters()
	}

	current, err := c.loop(ctx, run, c.startingActor(cc))
	if err != nil {
		run.res.Stop = StopAborted
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle aborted")
	}
	c.finish(ctx, run, current, costBefore, err)

	c.metrics.recordCycle(ctx, c.now().Sub(started), run.res)
	span.SetAttributes(
		attribute.String("stop", string(run.res.Stop)),
		attribute.Int("turns", run.res.Turns),
	)
	return run.res, err
}

func (c *Controller) loop(ctx context.Context, run *cycle, current string) (string, error) {
	if current == contextstore.TerminalTarget {
		run.res.Stop = StopTerminal
		return current, nil
	}

	exhausted := c.exhaustedFunc(run.cc)
	for {
		if run.res.Turns >= c.cfg.MaxCycleTurns {
			run.res.Stop = StopTurnBudget
			return current, nil
		}
		if err := ctx.Err(); err != nil {
			return current, err
		}
		if exhausted(current) {
			next := nextAvailable(c.roster, current, false, exhausted)
			if next == "" {
				run.res.Stop = StopExhausted
				return current, nil
			}
			run.logger.Debug("actor exhausted, moving on", zap.String("actor.id", current), zap.String("next", next))
			current = next
		}

		next, stop, err := c.turn(ctx, run, current)
		if err != nil {
			return current, err
		}
		if next == contextstore.TerminalTarget {
			run.res.Stop = StopTerminal
			return next, nil
		}
		if next == "" {
			run.res.Stop = StopExhausted
			return current, nil
		}
		current = next
		if stop != "" {
			run.res.Stop = stop
			return current, nil
		}
	}
}

// turn runs one actor turn and returns the next actor.
func (c *Controller) turn(ctx context.Context, run *cycle, id string) (string, StopReason, error) {
	a := c.actors[id]
	cc := run.cc
	st := cc.Actor(id)
	logger := run.logger.With(zap.String("actor.id", id))
	ctx = logging.WithActorID(ctx, id)

	limit := turnlimit.ShouldContinue(countersOf(st), c.cfg.BaseTurnLimit)
	req := actor.Request{
		RunNumber:           cc.RunNumber,
		Roster:              c.Roster(),
		AvailableTargets:    c.availableTargets(cc, id),
		Phase:               cc.Phase,
		Briefing:            c.briefing(cc),
		Signals:             signalsSnapshot(cc),
		TurnBudgetRemaining: limit.TurnsRemaining,
		Feedback:            run.feedback[id],
	}
	delete(run.feedback, id)

	turnCtx, span := Tracer().Start(ctx, "orchestrator.turn", trace.WithAttributes(
		attribute.String("actor.id", id),
		attribute.String("phase", string(cc.Phase)),
	))
	action, err := resilience.Do(turnCtx, c.exec, actor.DependencyLabel(a), func(ctx context.Context) (actor.Action, error) {
		return a.Act(ctx, req)
	})
	span.End()

	st.TurnsTaken++
	run.res.Turns++

	if err != nil {
		if ctx.Err() != nil || faults.IsTerminal(err) {
			a.RecordTurn(actor.TurnRecord{RunNumber: cc.RunNumber, Err: err})
			c.metrics.recordTurn(ctx, id, "none", "aborted", 0)
			logger.Error("actor turn aborted cycle", zap.Error(err), zap.String("kind", string(faults.KindOf(err))))
			return "", "", err
		}
		return c.failedTurn(ctx, run, id, err), "", nil
	}

	st.TotalCost += action.Usage.Cost
	st.TotalTokens += action.Usage.Tokens

	if verr := action.Validate(); verr != nil {
		return c.failedTurn(ctx, run, id, faults.New(faults.KindValidation, "turn", verr)), "", nil
	}

	feedback, productive, rejected := c.apply(ctx, run, id, action)
	if feedback != "" {
		run.feedback[id] = feedback
	}
	if productive {
		st.ProductiveTurns++
		run.res.ProductiveTurns++
	}

	signalChanged := false
	if action.Kind == actor.KindConsensus && setSignal(cc, id, action.Signal) {
		signalChanged = true
		run.res.SignalChanges++
	}
	if action.Decision != "" {
		cc.KeyDecisions = append(cc.KeyDecisions, action.Decision)
		run.res.Decisions++
		if c.recorder != nil {
			if rerr := c.recorder.RecordDecision(ctx, cc.RunNumber, id, action.Decision); rerr != nil {
				logger.Warn("failed to record decision", zap.Error(rerr))
			}
		}
	}

	a.RecordTurn(actor.TurnRecord{RunNumber: cc.RunNumber, Action: action, Productive: productive})
	outcome := "ok"
	if rejected {
		outcome = "rejected"
	}
	c.metrics.recordTurn(ctx, id, string(action.Kind), outcome, action.Usage.Tokens)
	c.publish(ctx, cc, events.TurnCompleted, id, map[string]any{
		"kind":       string(action.Kind),
		"productive": productive,
		"target":     action.TargetActor,
		"signal":     string(action.Signal),
	})
	logger.Info("turn completed",
		zap.String("kind", string(action.Kind)),
		zap.String("path", action.Path),
		zap.String("target", action.TargetActor),
		zap.Bool("productive", productive),
	)

	// Phase gates see the fully applied turn.
	var stop StopReason
	if signalChanged || productive {
		phase := cc.Phase
		c.advance(ctx, run)
		if phase == contextstore.PhaseDiscussion && cc.Phase != phase {
			stop = StopConsensus
		}
	}

	if action.TargetActor == id {
		st.ConsecutiveSelfPasses++
	} else {
		st.ConsecutiveSelfPasses = 0
	}
	next := c.handoff(ctx, run, id, action.TargetActor)
	return next, stop, nil
}

// failedTurn records a turn whose invocation failed and falls back
// round-robin.
func (c *Controller) failedTurn(ctx context.Context, run *cycle, id string, err error) string {
	cc := run.cc
	run.res.FailedTurns++
	cc.Actor(id).ConsecutiveSelfPasses = 0
	c.actors[id].RecordTurn(actor.TurnRecord{RunNumber: cc.RunNumber, Err: err})
	run.feedback[id] = "your last turn failed: " + err.Error()

	run.logger.Warn("actor turn failed",
		zap.String("actor.id", id),
		zap.String("kind", string(faults.KindOf(err))),
		zap.Error(err),
	)
	c.metrics.recordTurn(ctx, id, "none", "failed", 0)
	c.publish(ctx, cc, events.TurnCompleted, id, map[string]any{
		"failed": true,
		"error":  err.Error(),
	})
	return c.handoff(ctx, run, id, "")
}

// handoff resolves the requested target, logging and publishing fallbacks.
func (c *Controller) handoff(ctx context.Context, run *cycle, id, requested string) string {
	st := run.cc.Actor(id)
	h := resolveHandoff(c.roster, id, requested, st.ConsecutiveSelfPasses, c.cfg.SelfHandoffCap, c.exhaustedFunc(run.cc))
	if h.fallback == nil {
		return h.next
	}

	if errors.Is(h.fallback, ErrSelfHandoffCap) {
		st.ConsecutiveSelfPasses = 0
	}
	run.res.Fallbacks++
	reason := errors.Unwrap(h.fallback).Error()
	run.logger.Warn("invalid handoff, falling back",
		zap.String("actor.id", id),
		zap.String("requested", requested),
		zap.String("fallback", h.next),
		zap.Error(h.fallback),
	)
	c.metrics.recordFallback(ctx, reason)
	c.publish(ctx, run.cc, events.HandoffFallback, id, map[string]any{
		"requested": requested,
		"fallback":  h.next,
		"reason":    reason,
	})
	return h.next
}

// apply performs the action's file operation. It returns feedback for the
// actor's next turn, whether the action was productive and whether it was
// rejected.
func (c *Controller) apply(ctx context.Context, run *cycle, id string, a actor.Action) (string, bool, bool) {
	cc := run.cc
	st := cc.Actor(id)

	switch a.Kind {
	case actor.KindFileRead:
		st.FileReads++
		content, err := c.files.Read(ctx, a.Path)
		if err != nil {
			return rejection(a, err), false, true
		}
		if c.recorder != nil {
			if rerr := c.recorder.RecordRead(ctx, a.Path, content); rerr != nil {
				run.logger.Debug("failed to cache read", zap.Error(rerr))
			}
		}
		return fmt.Sprintf("content of %s:\n%s", a.Path, clip(content, maxFeedbackChars)), false, false

	case actor.KindFileWrite, actor.KindFileEdit:
		var (
			feedback string
			ok       bool
		)
		if applies(cc.Phase) {
			feedback, ok = c.applyChange(ctx, run, id, a)
		} else {
			feedback, ok = c.proposeChange(run, id, a)
		}
		return feedback, ok, !ok
	}
	return "", false, false
}

// applies reports whether file changes hit the workspace in phase. Earlier
// phases only collect proposals.
func applies(phase contextstore.Phase) bool {
	return phase == contextstore.PhaseApplyChanges || phase == contextstore.PhaseTesting
}

func (c *Controller) applyChange(ctx context.Context, run *cycle, id string, a actor.Action) (string, bool) {
	cc := run.cc
	st := cc.Actor(id)

	var err error
	if a.Kind == actor.KindFileWrite {
		err = c.files.Write(ctx, a.Path, a.Content)
	} else {
		err = c.files.Edit(ctx, a.Path, a.Edits)
	}
	if err != nil {
		if !faults.Is(err, faults.KindValidation) {
			run.logger.Error("file operation failed", zap.String("actor.id", id), zap.String("path", a.Path), zap.Error(err))
		}
		return rejection(a, err), false
	}

	countChange(st, a.Kind)
	path := c.validator.ValidatePath(a.Path).NormalizedPath
	action := changeAction(a.Kind)
	for i := range cc.CodeChanges {
		ch := &cc.CodeChanges[i]
		if ch.Status == contextstore.ChangePending && ch.File == path && ch.Action == action {
			ch.Status = contextstore.ChangeApplied
			return fmt.Sprintf("applied pending %s to %s", action, path), true
		}
	}
	cc.CodeChanges = append(cc.CodeChanges, contextstore.CodeChange{
		File:       path,
		Action:     action,
		Content:    a.Content,
		Edits:      a.Edits,
		Status:     contextstore.ChangeApplied,
		ProposedBy: id,
		RunNumber:  cc.RunNumber,
	})
	return fmt.Sprintf("applied %s to %s", action, path), true
}

func (c *Controller) proposeChange(run *cycle, id string, a actor.Action) (string, bool) {
	cc := run.cc

	var (
		path string
		err  error
	)
	if a.Kind == actor.KindFileWrite {
		path, err = c.validator.CheckWrite(a.Path, a.Content)
	} else {
		path, err = c.validator.CheckEdit(a.Path, len(a.Edits))
	}
	if err != nil {
		return rejection(a, err), false
	}

	countChange(cc.Actor(id), a.Kind)
	change := contextstore.CodeChange{
		File:       path,
		Action:     changeAction(a.Kind),
		Content:    a.Content,
		Edits:      a.Edits,
		Status:     contextstore.ChangePending,
		ProposedBy: id,
		RunNumber:  cc.RunNumber,
	}
	for i := range cc.CodeChanges {
		if cc.CodeChanges[i].Status == contextstore.ChangePending && cc.CodeChanges[i].File == path {
			cc.CodeChanges[i] = change
			return fmt.Sprintf("replaced pending change to %s", path), true
		}
	}
	cc.CodeChanges = append(cc.CodeChanges, change)
	return fmt.Sprintf("proposed %s to %s; it is applied after review", change.Action, path), true
}

// advance moves through every gate that passes from the current phase.
func (c *Controller) advance(ctx context.Context, run *cycle) {
	cc := run.cc
	for range c.gates {
		g, ok := gateFor(c.gates, cc.Phase)
		if !ok {
			return
		}
		pass, why := g.Check(cc)
		if !pass {
			run.logger.Debug("phase gate closed", zap.String("gate", g.Name()), zap.String("reason", why))
			return
		}
		c.transition(ctx, run, g)
	}
}

func (c *Controller) transition(ctx context.Context, run *cycle, g PhaseGate) {
	cc := run.cc
	t := Transition{From: cc.Phase, To: g.To(), Gate: g.Name()}
	source := "organic"
	if cc.SignalsSynthesized {
		source = "synthesized"
	}

	if _, ok := g.(*ConsensusGate); ok {
		run.logger.Info("consensus reached",
			zap.Int("agree", cc.AgreeCount()),
			zap.Bool("synthesized", cc.SignalsSynthesized),
		)
		c.publish(ctx, cc, events.ConsensusReached, "", map[string]any{
			"agree":       cc.AgreeCount(),
			"synthesized": cc.SignalsSynthesized,
		})
	}
	if _, ok := g.(*ApprovalGate); ok {
		cc.ApplyAuthorized = false
	}

	cc.Phase = t.To
	cc.ClearSignals()
	run.res.Transitions = append(run.res.Transitions, t)

	run.logger.Info("phase transition",
		zap.String("source", source),
		zap.String("from_phase", string(t.From)),
		zap.String("to_phase", string(t.To)),
		zap.String("gate", t.Gate),
	)
	c.metrics.recordTransition(ctx, t)
	c.publish(ctx, cc, events.PhaseTransition, "", map[string]any{
		"from": string(t.From),
		"to":   string(t.To),
		"gate": t.Gate,
	})
}

func (c *Controller) finish(ctx context.Context, run *cycle, last string, costBefore float64, cycleErr error) {
	cc, res := run.cc, run.res
	res.EndPhase = cc.Phase
	res.Cost = cc.TotalCost() - costBefore

	if res.Stop == StopTerminal {
		cc.NextAction = contextstore.NextAction{
			Type:        contextstore.NextComplete,
			Reason:      string(StopTerminal),
			TargetActor: contextstore.TerminalTarget,
		}
	} else {
		next := last
		if !contains(c.roster, next) {
			next = c.roster[0]
		} else if res.Stop == StopExhausted {
			next = c.roster[(indexOf(c.roster, last)+1)%len(c.roster)]
		}
		reason := string(res.Stop)
		if cycleErr != nil {
			reason = "aborted: " + cycleErr.Error()
		}
		cc.NextAction = contextstore.NextAction{Type: contextstore.NextContinue, Reason: reason, TargetActor: next}
	}
	res.NextActor = cc.NextAction.TargetActor

	summary := fmt.Sprintf("%s after %d turns (%d productive, %d failed, %d fallbacks); %s",
		res.Stop, res.Turns, res.ProductiveTurns, res.FailedTurns, res.Fallbacks, phaseSummary(res))
	if cycleErr != nil {
		summary = fmt.Sprintf("aborted after %d turns: %v", res.Turns, cycleErr)
	}
	cc.History = append(cc.History, contextstore.HistoryEntry{
		RunNumber: res.RunNumber,
		Phase:     res.EndPhase,
		Summary:   summary,
		Cost:      res.Cost,
		Turns:     res.Turns,
	})
	if c.recorder != nil {
		for _, id := range c.roster {
			if err := c.recorder.RecordSnapshot(ctx, res.RunNumber, c.actors[id].SnapshotState()); err != nil {
				run.logger.Debug("failed to cache actor snapshot", zap.String("actor.id", id), zap.Error(err))
			}
		}
	}

	c.publish(ctx, cc, events.CycleCompleted, "", map[string]any{
		"stop":       string(res.Stop),
		"turns":      res.Turns,
		"productive": res.ProductiveTurns,
		"cost":       res.Cost,
		"next_actor": res.NextActor,
	})
	run.logger.Info("cycle completed",
		zap.String("stop", string(res.Stop)),
		zap.Int("turns", res.Turns),
		zap.Int("productive_turns", res.ProductiveTurns),
		zap.String("phase", string(res.EndPhase)),
		zap.String("next_actor", res.NextActor),
		zap.Float64("cost", res.Cost),
	)
	cc.RunNumber++
}

func (c *Controller) startingActor(cc *contextstore.CycleContext) string {
	target := cc.NextAction.TargetActor
	if cc.NextAction.Type == contextstore.NextComplete || target == contextstore.TerminalTarget {
		return contextstore.TerminalTarget
	}
	if contains(c.roster, target) {
		return target
	}
	return c.roster[0]
}

// exhaustedFunc reports whether an actor may not take another turn now.
func (c *Controller) exhaustedFunc(cc *contextstore.CycleContext) func(string) bool {
	return func(id string) bool {
		a, ok := c.actors[id]
		if !ok || !a.CanAct(cc.Phase) {
			return true
		}
		return !turnlimit.ShouldContinue(countersOf(cc.Actor(id)), c.cfg.BaseTurnLimit).Continue
	}
}

// availableTargets lists the handoff targets open to id right now.
func (c *Controller) availableTargets(cc *contextstore.CycleContext, id string) []string {
	exhausted := c.exhaustedFunc(cc)
	st := cc.Actor(id)
	targets := make([]string, 0, len(c.roster)+1)
	for _, other := range c.roster {
		if other == id && st.ConsecutiveSelfPasses >= c.cfg.SelfHandoffCap {
			continue
		}
		if !exhausted(other) || other == id {
			targets = append(targets, other)
		}
	}
	return append(targets, contextstore.TerminalTarget)
}

func (c *Controller) publish(ctx context.Context, cc *contextstore.CycleContext, typ events.Type, actorID string, data map[string]any) {
	if err := c.sink.Publish(ctx, events.New(typ, cc.RunID, cc.RunNumber, actorID, data)); err != nil {
		c.logger.Debug("event publish failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

func countersOf(st *contextstore.ActorState) turnlimit.Counters {
	return turnlimit.Counters{
		TurnsUsed:  st.TurnsTaken,
		Reads:      st.FileReads,
		Edits:      st.FileEdits,
		Writes:     st.FileWrites,
		SelfPasses: st.ConsecutiveSelfPasses,
	}
}

func countChange(st *contextstore.ActorState, kind actor.Kind) {
	if kind == actor.KindFileWrite {
		st.FileWrites++
	} else {
		st.FileEdits++
	}
}

func changeAction(kind actor.Kind) contextstore.ChangeAction {
	if kind == actor.KindFileWrite {
		return contextstore.ChangeWrite
	}
	return contextstore.ChangeEdit
}

func rejection(a actor.Action, err error) string {
	return fmt.Sprintf("%s %s rejected: %v", a.Kind, a.Path, err)
}

func phaseSummary(res *CycleResult) string {
	if res.StartPhase == res.EndPhase {
		return fmt.Sprintf("phase %s", res.EndPhase)
	}
	return fmt.Sprintf("phase %s -> %s", res.StartPhase, res.EndPhase)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n[clipped]"
}
