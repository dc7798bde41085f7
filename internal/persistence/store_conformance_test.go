package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/payflow/pkg/api"
)

type storeFactory func(t *testing.T) (HistoryStore, EntityStore)

// runStoreConformance exercises the behaviour every backend must share.
func runStoreConformance(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore) })
	t.Run("AppendAssignsSequence", func(t *testing.T) { testAppendAssignsSequence(t, newStore) })
	t.Run("AppendUnknownInstance", func(t *testing.T) { testAppendUnknownInstance(t, newStore) })
	t.Run("TerminalIsFinal", func(t *testing.T) { testTerminalIsFinal(t, newStore) })
	t.Run("CustomStatusAndOutput", func(t *testing.T) { testCustomStatusAndOutput(t, newStore) })
	t.Run("ListInstances", func(t *testing.T) { testListInstances(t, newStore) })
	t.Run("ConditionalDelete", func(t *testing.T) { testConditionalDelete(t, newStore) })
	t.Run("ListTerminalOlderThan", func(t *testing.T) { testListTerminalOlderThan(t, newStore) })
	t.Run("EntityState", func(t *testing.T) { testEntityState(t, newStore) })
}

func newInstance(orchestration string) *api.Instance {
	return &api.Instance{
		ID:            uuid.NewString(),
		Orchestration: orchestration,
		Status:        api.StatusPending,
		Input:         []byte{1, 2, 3},
	}
}

func testCreateAndGet(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	inst := newInstance("payroll")
	require.NoError(t, hs.CreateInstance(ctx, inst))
	require.ErrorIs(t, hs.CreateInstance(ctx, inst), ErrInstanceExists)

	got, err := hs.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, inst.ID, got.ID)
	require.Equal(t, "payroll", got.Orchestration)
	require.Equal(t, api.StatusPending, got.Status)
	require.Equal(t, []byte{1, 2, 3}, got.Input)
	require.False(t, got.CreatedAt.IsZero())
	require.True(t, got.CompletedAt.IsZero())

	snap, err := hs.GetStatus(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, inst.ID, snap.InstanceID)
	require.Equal(t, api.StatusPending, snap.Status)

	_, err = hs.GetInstance(ctx, "missing-"+uuid.NewString())
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func testAppendAssignsSequence(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	inst := newInstance("payroll")
	require.NoError(t, hs.CreateInstance(ctx, inst))

	fireAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	events := []*api.Event{
		{Type: api.EventOrchestrationStarted, TaskID: -1, Payload: []byte("input")},
		{Type: api.EventActivityScheduled, TaskID: 0, Name: "CalculateContribution", Payload: []byte("req")},
		{Type: api.EventActivityCompleted, TaskID: 0, Name: "CalculateContribution", Payload: []byte("150")},
		{Type: api.EventTimerCreated, TaskID: 1, FireAt: fireAt},
	}
	for i, ev := range events {
		require.NoError(t, hs.Append(ctx, inst.ID, ev))
		require.Equal(t, int64(i+1), ev.Seq)
		require.Equal(t, inst.ID, ev.InstanceID)
		require.False(t, ev.At.IsZero())
	}

	got, err := hs.ReadAll(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i, ev := range got {
		require.Equal(t, int64(i+1), ev.Seq)
		require.Equal(t, events[i].Type, ev.Type)
		require.Equal(t, events[i].TaskID, ev.TaskID)
		require.Equal(t, events[i].Name, ev.Name)
		require.Equal(t, events[i].Payload, ev.Payload)
	}
	require.True(t, got[3].FireAt.Equal(fireAt), "fire_at %v != %v", got[3].FireAt, fireAt)
}

func testAppendUnknownInstance(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	err := hs.Append(ctx, "missing-"+uuid.NewString(), &api.Event{Type: api.EventTimerFired})
	require.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = hs.ReadAll(ctx, "missing-"+uuid.NewString())
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func testTerminalIsFinal(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	inst := newInstance("payroll")
	require.NoError(t, hs.CreateInstance(ctx, inst))
	require.NoError(t, hs.SetStatus(ctx, inst.ID, api.StatusRunning))
	require.NoError(t, hs.Append(ctx, inst.ID, &api.Event{Type: api.EventOrchestrationCompleted, TaskID: -1}))
	require.NoError(t, hs.SetStatus(ctx, inst.ID, api.StatusCompleted))

	got, err := hs.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, got.Status)
	require.False(t, got.CompletedAt.IsZero())

	require.ErrorIs(t, hs.Append(ctx, inst.ID, &api.Event{Type: api.EventTimerFired}), ErrInstanceTerminal)
	require.ErrorIs(t, hs.SetStatus(ctx, inst.ID, api.StatusRunning), ErrInstanceTerminal)
	require.ErrorIs(t, hs.SetStatus(ctx, "missing-"+uuid.NewString(), api.StatusRunning), ErrInstanceNotFound)

	events, err := hs.ReadAll(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func testCustomStatusAndOutput(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	inst := newInstance("payroll")
	require.NoError(t, hs.CreateInstance(ctx, inst))
	require.NoError(t, hs.SetCustomStatus(ctx, inst.ID, "last completed step: contribution"))
	require.NoError(t, hs.SetOutput(ctx, inst.ID, "net salary: 722.50 | total deductions: 277.50"))

	snap, err := hs.GetStatus(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, "last completed step: contribution", snap.CustomStatus)
	require.Equal(t, "net salary: 722.50 | total deductions: 277.50", snap.Output)

	require.ErrorIs(t, hs.SetCustomStatus(ctx, "missing-"+uuid.NewString(), "x"), ErrInstanceNotFound)
	require.ErrorIs(t, hs.SetOutput(ctx, "missing-"+uuid.NewString(), "x"), ErrInstanceNotFound)
}

func testListInstances(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	// Unique names keep shared backends from leaking rows between runs.
	orch := "payroll-" + uuid.NewString()
	a := newInstance(orch)
	b := newInstance(orch)
	c := newInstance("other-" + uuid.NewString())
	for _, inst := range []*api.Instance{a, b, c} {
		require.NoError(t, hs.CreateInstance(ctx, inst))
	}
	require.NoError(t, hs.SetStatus(ctx, b.ID, api.StatusRunning))

	all, err := hs.ListInstances(ctx, InstanceFilter{Orchestration: orch})
	require.NoError(t, err)
	require.Len(t, all, 2)

	running, err := hs.ListInstances(ctx, InstanceFilter{Orchestration: orch, Status: api.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, b.ID, running[0].ID)
}

func testConditionalDelete(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	inst := newInstance("payroll")
	require.NoError(t, hs.CreateInstance(ctx, inst))
	require.NoError(t, hs.SetStatus(ctx, inst.ID, api.StatusRunning))
	require.NoError(t, hs.Append(ctx, inst.ID, &api.Event{Type: api.EventOrchestrationStarted, TaskID: -1}))

	err := hs.Delete(ctx, inst.ID, api.TerminalStatuses...)
	require.ErrorIs(t, err, ErrStatusNotAllowed)

	events, err := hs.ReadAll(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, events, 1, "rejected delete must not touch history")

	require.NoError(t, hs.SetStatus(ctx, inst.ID, api.StatusTerminated))
	require.NoError(t, hs.Delete(ctx, inst.ID, api.TerminalStatuses...))

	_, err = hs.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = hs.ReadAll(ctx, inst.ID)
	require.ErrorIs(t, err, ErrInstanceNotFound)

	require.ErrorIs(t, hs.Delete(ctx, inst.ID), ErrInstanceNotFound)
}

func testListTerminalOlderThan(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	hs, _ := newStore(t)

	done := newInstance("payroll")
	failed := newInstance("payroll")
	running := newInstance("payroll")
	for _, inst := range []*api.Instance{done, failed, running} {
		require.NoError(t, hs.CreateInstance(ctx, inst))
		require.NoError(t, hs.SetStatus(ctx, inst.ID, api.StatusRunning))
	}
	require.NoError(t, hs.SetStatus(ctx, done.ID, api.StatusCompleted))
	require.NoError(t, hs.SetStatus(ctx, failed.ID, api.StatusFailed))

	future := time.Now().Add(time.Hour)
	ids, err := hs.ListTerminalOlderThan(ctx, future, api.StatusCompleted, api.StatusCanceled, api.StatusTerminated)
	require.NoError(t, err)
	require.Contains(t, ids, done.ID)
	require.NotContains(t, ids, failed.ID, "failed is not in the requested statuses")
	require.NotContains(t, ids, running.ID)

	ids, err = hs.ListTerminalOlderThan(ctx, future)
	require.NoError(t, err)
	require.Contains(t, ids, done.ID)
	require.Contains(t, ids, failed.ID)

	past := time.Now().Add(-time.Hour)
	ids, err = hs.ListTerminalOlderThan(ctx, past)
	require.NoError(t, err)
	require.NotContains(t, ids, done.ID)
	require.NotContains(t, ids, failed.ID)
}

func testEntityState(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	_, es := newStore(t)

	key := api.EntityID{Name: "deductions", Key: uuid.NewString()}.String()

	_, err := es.LoadEntity(ctx, key)
	require.ErrorIs(t, err, ErrEntityNotFound)

	st := &api.EntityState{
		ID:            key,
		Total:         decimal.RequireFromString("150"),
		LastRequestID: "req-0",
		LastResult:    decimal.RequireFromString("150"),
	}
	require.NoError(t, es.SaveEntity(ctx, st))

	st.Total = decimal.RequireFromString("277.50")
	st.LastRequestID = "req-1"
	st.LastResult = st.Total
	st.Completed = true
	require.NoError(t, es.SaveEntity(ctx, st))

	got, err := es.LoadEntity(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, got.ID)
	require.True(t, got.Total.Equal(decimal.RequireFromString("277.5")), "total %s", got.Total)
	require.True(t, got.LastResult.Equal(got.Total))
	require.Equal(t, "req-1", got.LastRequestID)
	require.True(t, got.Completed)

	require.NoError(t, es.DeleteEntity(ctx, key))
	require.ErrorIs(t, es.DeleteEntity(ctx, key), ErrEntityNotFound)
	_, err = es.LoadEntity(ctx, key)
	require.ErrorIs(t, err, ErrEntityNotFound)
}
