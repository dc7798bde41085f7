// Package worker provides the background worker that drives payflow
// orchestrations forward.
//
// Workers consume tasks from a task queue and route each one by type:
//
//   - advance: replay the instance through the engine
//   - activity: run the activity under its retry policy, then deliver
//     ActivityCompleted or ActivityFailed
//   - timer: deliver TimerFired once the task becomes due
//   - entity: apply the operation through the deduction aggregator, then
//     deliver EntityCallCompleted or EntityCallFailed
//   - purge: hand the cleanup message to the purger
//
// Results are delivered by calling Engine.Advance directly. When delivery
// or execution fails for infrastructure reasons the task is put back on the
// queue with a short delay; the engine drops duplicate completions, so
// redelivery is safe.
//
// Multiple workers, in one process or many, can consume the same queue.
// Run starts a fixed number of consumer goroutines and returns when its
// context ends.
//
// Most applications construct workers through the payflow package, which
// wires engines, queues, the aggregator and the purger together.
package worker
