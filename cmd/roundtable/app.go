package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/roundtable/internal/actor"
	"github.com/fyrsmithlabs/roundtable/internal/config"
	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/events"
	"github.com/fyrsmithlabs/roundtable/internal/fileops"
	"github.com/fyrsmithlabs/roundtable/internal/logging"
	"github.com/fyrsmithlabs/roundtable/internal/memory"
	"github.com/fyrsmithlabs/roundtable/internal/orchestrator"
	"github.com/fyrsmithlabs/roundtable/internal/resilience"
	"github.com/fyrsmithlabs/roundtable/internal/sanitize"
	"github.com/fyrsmithlabs/roundtable/internal/secrets"
	"github.com/fyrsmithlabs/roundtable/internal/telemetry"
)

// app holds everything built from one config. Commands take the parts
// they need; close releases whatever was opened.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	logger    *zap.Logger
	telemetry *telemetry.Telemetry

	store     *contextstore.Store
	redactor  *secrets.Redactor
	cache     *memory.Cache
	cachePath string
	executor  *resilience.Executor
	recorder  *events.Recorder
	sink      events.Sink
	nats      *events.NATSSink

	closers []func(context.Context) error
}

// newApp sets up logging, telemetry, the context store, the cache and the
// event sinks. Actors and the controller are built separately by
// newRunner so read-only commands never dial a model.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, tel.Shutdown)

	log, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = log
	a.logger = log.Underlying()
	a.closers = append(a.closers, func(context.Context) error { return log.Sync() })

	redactor, err := secrets.New(cfg.Secrets, a.logger.Named("secrets"))
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("failed to initialize redactor: %w", err)
	}
	a.redactor = redactor

	contextPath := a.path(cfg.State.ContextPath)
	a.store = contextstore.NewStore(contextPath,
		contextstore.WithRedactor(redactor),
		contextstore.WithLogger(a.logger.Named("contextstore")),
	)
	a.cachePath = filepath.Join(filepath.Dir(contextPath), "cache.json")
	a.cache = memory.NewCache(cfg.Memory,
		memory.WithLogger(a.logger.Named("memory")),
		memory.WithMetrics(memory.NewMetrics()),
	)

	a.executor = resilience.NewExecutor(cfg.Resilience,
		resilience.WithLogger(a.logger.Named("resilience")),
		resilience.WithMetrics(resilience.NewMetrics(nil, a.logger)),
	)

	a.recorder = events.NewRecorder(cfg.Events.RecorderLimit)
	sinks := events.Multi{events.NewLogSink(a.logger.Named("events")), a.recorder}
	if cfg.Events.NATSURL != "" {
		ns, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, a.logger.Named("nats"))
		if err != nil {
			// Events are observational; a run proceeds without NATS.
			a.logger.Warn("nats sink disabled", zap.Error(err))
		} else {
			a.nats = ns
			sinks = append(sinks, ns)
			a.closers = append(a.closers, func(context.Context) error { return ns.Close() })
		}
	}
	a.sink = sinks
	return a, nil
}

// path resolves p against the state root.
func (a *app) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.cfg.State.Root, p)
}

func (a *app) overridePath() string {
	return a.path(a.cfg.Orchestrator.OverridePath)
}

// buildActors creates the roster in declaration order.
func (a *app) buildActors() ([]actor.Actor, error) {
	actors := make([]actor.Actor, 0, len(a.cfg.Actors))
	for _, ac := range a.cfg.Actors {
		switch ac.Kind {
		case config.ActorScripted:
			steps, err := actor.LoadScript(a.path(ac.Script))
			if err != nil {
				return nil, err
			}
			s := actor.NewScripted(ac.ID, steps, ac.Phases...)
			if ac.Fallback != "" {
				sig := contextstore.Signal(ac.Fallback)
				if !sig.Valid() {
					return nil, fmt.Errorf("actor %s: unknown fallback signal %q", ac.ID, ac.Fallback)
				}
				s.WithFallback(sig)
			}
			actors = append(actors, s)
		default:
			l, err := actor.NewLLM(ac.LLMConfig, a.logger.Named("actor"))
			if err != nil {
				return nil, err
			}
			actors = append(actors, l)
		}
	}
	return actors, nil
}

// newRunner wires the controller and runner for the run command.
func (a *app) newRunner() (*orchestrator.Runner, error) {
	actors, err := a.buildActors()
	if err != nil {
		return nil, err
	}

	validator := sanitize.NewValidator(a.cfg.Paths)
	files, err := fileops.NewLocal(a.cfg.State.Root, validator, a.logger.Named("fileops"))
	if err != nil {
		return nil, err
	}

	metrics, err := orchestrator.NewMetrics(nil)
	if err != nil {
		a.logger.Warn("orchestrator metrics disabled", zap.Error(err))
		metrics = nil
	}

	// The recorder's run id labels cache.rejected events; a fresh run has
	// none until the runner creates it.
	runID := ""
	if cc, err := a.store.Load(); err == nil && cc != nil {
		runID = cc.RunID
	}

	ocfg := a.cfg.Orchestrator
	ocfg.OverridePath = a.overridePath()

	recorder := orchestrator.NewCacheRecorder(a.cache, a.sink, runID, a.logger.Named("recorder"),
		orchestrator.WithRecorderRedactor(a.redactor))
	ctrl, err := orchestrator.NewController(ocfg, actors, orchestrator.Deps{
		Executor:  a.executor,
		Validator: validator,
		Files:     files,
		Recorder:  recorder,
		Events:    a.sink,
		Metrics:   metrics,
		Logger:    a.logger.Named("controller"),
		Briefing:  a.store.Briefing,
	})
	if err != nil {
		return nil, err
	}
	return orchestrator.NewRunner(ctrl, orchestrator.RunnerDeps{
		Store:     a.store,
		Cache:     a.cache,
		CachePath: a.cachePath,
		Events:    a.sink,
		Metrics:   metrics,
		Logger:    a.logger.Named("runner"),
	})
}

func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
