// Package engine is the run loop of a secondary node.
//
// ARCHITECTURE:
//
// One goroutine owns the loop. Each pass:
//  1. Re-primes replicables requested through Resync (scheduler.RunNow)
//  2. Applies up to BatchSize new event log entries (consumer.Drain)
//  3. Starts due attempts up to the free capacity (scheduler.Next)
//
// Every started attempt runs in its own goroutine and is dispatched by
// replicable type to a Syncer. Its outcome is handed back to the scheduler:
//
//	synced, gone  -> Attempt.Complete
//	skipped       -> Attempt.Skip (lease held elsewhere)
//	unauthorized  -> Attempt.Abort (hard fail at once, operator notified)
//	other error   -> Attempt.Fail (backoff)
//
// Attempts are not cancelled: on shutdown Run stops starting new ones and
// waits for those in flight, then for background work such as housekeeping.
//
// Status is pushed to the primary every StatusInterval.
package engine
