// Package logging provides structured logging for roundtable.
//
// Logger wraps Zap with context-aware methods that add correlation fields
// carried on the context: trace_id and span_id from the active span, run.id
// and cycle.number set by the controller for each cycle, actor.id for the
// acting actor and request.id for status server requests.
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRun(ctx, runID, 3)
//	logger.Info(ctx, "cycle started")
//
// Console output is written to stderr and passes through a RedactingEncoder
// that masks configured field names and scrubs configured patterns from
// string values and messages. Entries below error level are sampled when
// sampling is enabled; errors are never sampled. Setting output.otel ships
// entries through the otelzap bridge as well.
//
// Packages that take a *zap.Logger receive Underlying().
package logging
