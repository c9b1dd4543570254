package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/events"
	"github.com/fyrsmithlabs/roundtable/internal/memory"
)

// RunnerDeps are the collaborators of a Runner. Store is required.
type RunnerDeps struct {
	Store *contextstore.Store

	// Cache and CachePath persist the shared memory cache next to the
	// context snapshot. Both are optional.
	Cache     *memory.Cache
	CachePath string

	Events  events.Sink
	Metrics *Metrics
	Logger  *zap.Logger
}

// RunSummary describes a Runner.Run call.
type RunSummary struct {
	Context   *contextstore.CycleContext
	Cycles    []*CycleResult
	Overrides int
	Fresh     bool
	Completed bool
}

// Runner runs cycles against the persisted context. It holds the snapshot
// lock for the duration of Run.
type Runner struct {
	ctrl      *Controller
	store     *contextstore.Store
	cache     *memory.Cache
	cachePath string
	sink      events.Sink
	metrics   *Metrics
	logger    *zap.Logger
}

// NewRunner creates a runner for ctrl.
func NewRunner(ctrl *Controller, deps RunnerDeps) (*Runner, error) {
	if ctrl == nil || deps.Store == nil {
		return nil, errors.New("controller and store are required")
	}
	r := &Runner{
		ctrl:      ctrl,
		store:     deps.Store,
		cache:     deps.Cache,
		cachePath: deps.CachePath,
		sink:      deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
	if r.sink == nil {
		r.sink = events.Nop{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// Run runs up to maxCycles cycles, saving the context after each one. It
// stops early on a terminal handoff. Reaching maxCycles without any cycle
// making progress returns ErrNoProgress.
func (r *Runner) Run(ctx context.Context, maxCycles int) (*RunSummary, error) {
	if maxCycles < 1 {
		maxCycles = r.ctrl.cfg.MaxCycles
	}

	lock, err := contextstore.AcquireLock(r.store.Path())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.logger.Warn("failed to release snapshot lock", zap.Error(err))
		}
	}()

	sum := &RunSummary{}
	cc, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	if cc == nil {
		cc = contextstore.New(uuid.New().String(), r.ctrl.Roster())
		sum.Fresh = true
		r.logger.Info("starting fresh run", zap.String("run.id", cc.RunID))
	}
	cc.EnsureActors(r.ctrl.Roster())
	sum.Context = cc

	if r.cache != nil && r.cachePath != "" {
		n, err := r.cache.LoadFile(r.cachePath)
		if err != nil {
			r.logger.Warn("ignoring unreadable cache snapshot", zap.String("path", r.cachePath), zap.Error(err))
		} else {
			r.logger.Debug("cache snapshot loaded", zap.Int("entries", n))
		}
	}

	overridePath := r.ctrl.cfg.OverridePath
	var watcher *contextstore.OverrideWatcher
	if r.ctrl.cfg.WatchOverride && overridePath != "" {
		watcher, err = contextstore.NewOverrideWatcher(overridePath, r.logger)
		if err != nil {
			r.logger.Warn("override watcher unavailable", zap.Error(err))
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	if r.applyOverride(ctx, cc) {
		sum.Overrides++
	}

	progress := false
	for i := 0; i < maxCycles; i++ {
		if i > 0 && watcher != nil {
			select {
			case <-watcher.Events():
				if r.applyOverride(ctx, cc) {
					sum.Overrides++
				}
			default:
			}
		}
		if cc.NextAction.Type == contextstore.NextComplete {
			r.logger.Info("run already complete", zap.String("run.id", cc.RunID))
			sum.Completed = true
			break
		}

		res, cycleErr := r.ctrl.RunCycle(ctx, cc)
		sum.Cycles = append(sum.Cycles, res)
		if err := r.save(cc); err != nil {
			return sum, errors.Join(cycleErr, err)
		}
		if cycleErr != nil {
			return sum, cycleErr
		}
		if res.Progress() {
			progress = true
		}
		if res.Terminal() {
			sum.Completed = true
			break
		}
	}

	if !sum.Completed && !progress && len(sum.Cycles) == maxCycles {
		return sum, noProgressError(maxCycles)
	}
	return sum, nil
}

// applyOverride applies and consumes a pending override record. A record
// that cannot be parsed or does not fit the roster is left in place.
func (r *Runner) applyOverride(ctx context.Context, cc *contextstore.CycleContext) bool {
	path := r.ctrl.cfg.OverridePath
	if path == "" {
		return false
	}
	o, err := contextstore.LoadOverride(path)
	if err != nil {
		r.logger.Error("ignoring override record", zap.String("path", path), zap.Error(err))
		return false
	}
	if o == nil {
		return false
	}

	from := cc.Phase
	if err := r.store.ForceTransition(cc, *o, r.ctrl.Roster()); err != nil {
		r.logger.Error("ignoring override record", zap.String("path", path), zap.Error(err))
		return false
	}
	if err := contextstore.ConsumeOverride(path); err != nil {
		r.logger.Warn("override applied but not consumed", zap.Error(err))
	}

	t := Transition{From: from, To: cc.Phase, Gate: "override", Forced: true}
	r.metrics.recordTransition(ctx, t)
	if err := r.sink.Publish(ctx, events.New(events.PhaseForced, cc.RunID, cc.RunNumber, "", map[string]any{
		"from":                 string(t.From),
		"to":                   string(t.To),
		"reason":               o.Reason,
		"synthesize_consensus": o.SynthesizeConsensus,
		"authorize_apply":      o.AuthorizeApply,
	})); err != nil {
		r.logger.Debug("event publish failed", zap.Error(err))
	}
	return true
}

func (r *Runner) save(cc *contextstore.CycleContext) error {
	if err := r.store.Save(cc); err != nil {
		return fmt.Errorf("saving context: %w", err)
	}
	if r.cache != nil && r.cachePath != "" {
		if err := r.cache.SaveFile(r.cachePath); err != nil {
			return fmt.Errorf("saving cache: %w", err)
		}
	}
	return nil
}
