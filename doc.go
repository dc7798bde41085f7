// Package payflow runs salary calculations as durable, replay-based
// orchestrations.
//
// A salary run takes a gross salary and walks four calculation steps:
// social contribution, income-tax base, income tax and net salary. Each step
// is an activity executed by a worker under a retry policy. Deductions are
// accumulated in a per-run entity, the custom status tracks the last
// completed step, and the run finishes with a text summary such as:
//
//	net salary: 722.50 | total deductions: 277.50
//
// # Core Concepts
//
//  1. Engine
//  2. Worker
//  3. Orchestration
//  4. Entity
//  5. Purger
//  6. Runtime / LocalRunner
//
// # Engine
//
// The Engine keeps one append-only event history per instance. Whenever a
// result arrives, it appends the event and replays the orchestration
// function from the beginning: calls that already have a result in history
// return it immediately, and the first call without one becomes the next
// scheduled command. Orchestration code must therefore be deterministic; the
// engine fails an instance whose replay diverges from its history.
//
// Engines can be backed by:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend ships with a matching task queue so workers on any number of
// processes can share the work.
//
// # Worker
//
// A Worker pulls tasks from the queue and routes them: activities go to the
// executor, entity operations to the deduction aggregator, timers back to
// the engine when due, and purge messages to the purger. Results are
// delivered to the engine as completion events.
//
// # Entity
//
// The deductions entity, keyed "@deductions@<instance id>", holds a running
// total. Operations on one key are applied strictly one at a time and each
// request id is applied at most once.
//
// # Purger
//
// Finished instances are removed twice over: the orchestration itself asks
// for cleanup when it completes, and a cron sweep deletes completed,
// canceled and terminated instances older than the retention window.
//
// # Runtime
//
// Runtime wires one backend into a working system; Open builds one from
// configuration. LocalRunner is an in-memory Runtime with background
// workers, handy for development and tests:
//
//	runner, _ := payflow.NewLocalRunner()
//	_ = runner.StartWorkers(ctx, 4)
//	id, _ := runner.StartSalary(ctx, decimal.NewFromInt(1000))
//	st, _ := runner.WaitFor(ctx, id, 0)
//	fmt.Println(st.Output)
//
// LocalRunner is not crash-durable. Use the SQLite or a server backend when
// runs must survive a restart.
package payflow
