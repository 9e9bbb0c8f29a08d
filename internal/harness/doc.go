// Package harness runs replication scenarios end to end against a real store,
// consumer, scheduler and engine.
//
// Sync attempts are answered by a scripted syncer, so a scenario controls
// what the "primary" does while everything on the secondary side is the
// production code. The clock is manual and only moves on advance steps.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: retry_then_sync
//	description: "A transient failure is retried after the backoff delay"
//	max_retries: 3
//	steps:
//	  - append: repository_updated
//	    payload: { project_id: 42, source: repository }
//	  - script: repository:42
//	    outcomes: [transient]
//	  - pass: 1
//	  - advance: 1m
//	  - pass: 1
//	  - resync: repository:42
//	assertions:
//	  - type: trace_order
//	    key: repository:42
//	    outcomes: [transient, synced]
//	  - type: final_state
//	    key: repository:42
//	    expect: { status: synced, state: finished, pending: false }
//
// Each step sets exactly one of append, script, pass, advance or resync.
// Scripted outcomes are consumed one per attempt; an attempt with nothing
// scripted succeeds.
//
// # Outcomes
//
//   - synced: the copy is brought up to date
//   - missing: the primary has nothing to copy, recorded as success
//   - transient: a retryable failure
//   - corrupted: a failure that forces a redownload next time
//   - unauthorized: rejected by the primary, hard fails at once
//   - skipped: another worker holds the lease
//
// # Assertion Types
//
//   - trace_contains: key had an attempt with the given outcome
//   - trace_order: key's outcomes include the given ones in order
//   - trace_count: key had exactly count attempts (optionally of one outcome)
//   - final_state: registry and schedule fields of key match expect
//
// Attempts started in the same pass run concurrently; the trace orders them
// by pass, then key, so it is stable for golden comparison.
package harness
