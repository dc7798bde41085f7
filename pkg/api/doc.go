// Package api contains the types shared by the payflow engine, its
// workers and application code: instances and their statuses, history
// events, the OrchestrationContext handed to orchestration functions,
// entity addressing, purge messages, retry policies, observers and the
// error codes that travel through history.
//
// Most users interact with the higher-level payflow package, which
// re-exports the common types. The api package is intended for writing
// orchestrations and activities, custom integrations, or contributors
// extending the engine itself.
//
// # Orchestrations
//
// An OrchestrationFunc is replayed from the start every time its instance
// advances. Calls on the OrchestrationContext either return a result
// already recorded in history, or schedule the call and return
// ErrSuspended, which the function must pass back unchanged:
//
//	func salary(ctx api.OrchestrationContext) (string, error) {
//	    var gross decimal.Decimal
//	    if err := ctx.Input(&gross); err != nil {
//	        return "", err
//	    }
//	    var contribution decimal.Decimal
//	    if err := ctx.CallActivity("calculate-contribution", gross, nil, &contribution); err != nil {
//	        return "", err
//	    }
//	    ...
//	}
//
// Orchestration code must be deterministic: no clocks (use CurrentTime),
// no randomness and no I/O outside the context's calls.
//
// # History
//
// Every instance owns an append-only list of Events. Schedule events
// (ActivityScheduled, TimerCreated, EntityCallScheduled) carry the TaskID
// of the call; the matching completion event carries the same TaskID.
//
// # Errors
//
// Activities classify failures with Transient and Permanent. Only
// transient errors are retried under the RetryPolicy. Failures recorded in
// history are rebuilt with FailureFromHistory so every replay sees the same
// error value.
//
// # Observability
//
// Observer receives instance lifecycle and activity attempt callbacks.
// LoggingObserver logs them with log/slog, BasicMetrics counts them, and
// NewCompositeObserver fans out to several observers.
package api
