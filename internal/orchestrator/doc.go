// Package orchestrator runs the roundtable: bounded cycles of turns across a
// fixed roster of actors against a shared CycleContext.
//
// A cycle is driven by the Controller. Each turn it picks the actor named by
// the previous handoff, asks the turn limiter whether that actor may keep
// going, invokes it through the resilience executor and applies the result:
// file operations go through the path validator, consensus signals are
// tallied, decisions are recorded. The requested handoff target is then
// validated against the roster; an unknown, exhausted or over-used self
// target falls back to the next roster member.
//
// Phase transitions are PhaseGates evaluated after every turn and at cycle
// start:
//
//	discussion    -> code_review    consensus reached
//	code_review   -> apply_changes  apply authorized
//	apply_changes -> testing        no pending code changes
//
// A Runner wraps the Controller for multi-cycle runs. It owns the snapshot
// lock, applies override records at cycle boundaries and persists the
// context after every cycle.
//
// Usage:
//
//	ctrl, err := orchestrator.NewController(cfg, actors, orchestrator.Deps{
//	    Executor:  exec,
//	    Validator: validator,
//	    Files:     files,
//	})
//	result, err := ctrl.RunCycle(ctx, cycleCtx)
package orchestrator
