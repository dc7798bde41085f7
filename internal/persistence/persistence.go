package persistence

// Persistence bundles the two store interfaces so the engine, the
// aggregator and the purge worker can be wired from a single value.
type Persistence struct {
	History  HistoryStore
	Entities EntityStore
}
