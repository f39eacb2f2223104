// Package projection folds session event logs into materialized,
// queryable views.
//
// Invariants:
// - Folding is deterministic: events apply in sequence order, and a full
//   replay always equals any incremental fold of the same event set.
// - StateChanged keys resolve last-write-wins by (timestamp, event_id);
//   every other fold rule is fixed and append-only.
// - Cached projections are never returned directly; callers get clones.
//
// Usage:
//
//	engine := projection.NewEngine(lg)
//	proj, _ := engine.Project(eventlog.MainKey("assistant"))
//	_ = proj.MessageCount
package projection
