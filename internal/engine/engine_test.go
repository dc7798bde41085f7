package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/internal/taskqueue"
	"github.com/petrijr/payflow/pkg/api"
)

type activityFn func(input []byte) ([]byte, error)

// harness drives an engine the way a worker would, but synchronously and
// with fake activity and entity handlers.
type harness struct {
	t     *testing.T
	store persistence.HistoryStore
	queue taskqueue.Queue
	eng   *engineImpl

	activities map[string]activityFn
	entities   map[string]decimal.Decimal
	purged     []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, persistence.NewInMemoryStore(), taskqueue.NewInMemoryQueue(64))
}

func newHarnessWith(t *testing.T, store persistence.HistoryStore, queue taskqueue.Queue) *harness {
	t.Helper()
	eng := NewEngine(Config{History: store, Queue: queue}).(*engineImpl)
	return &harness{
		t:          t,
		store:      store,
		queue:      queue,
		eng:        eng,
		activities: make(map[string]activityFn),
		entities:   make(map[string]decimal.Decimal),
	}
}

// next dequeues one task, or returns nil once the queue stays idle.
func (h *harness) next() *taskqueue.Task {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	task, err := h.queue.Dequeue(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	require.NoError(h.t, err)
	return task
}

// handle turns a task into the completion event a worker would produce and
// delivers it.
func (h *harness) handle(task *taskqueue.Task) {
	h.t.Helper()
	ctx := context.Background()

	var ev *api.Event
	switch task.Type {
	case taskqueue.TaskAdvance:
		ev = task.Event
	case taskqueue.TaskActivity:
		fn, ok := h.activities[task.Name]
		require.Truef(h.t, ok, "no fake activity %q", task.Name)
		out, err := fn(task.Payload)
		if err != nil {
			ev = &api.Event{Type: api.EventActivityFailed, TaskID: task.TaskID, Name: task.Name, Detail: api.ErrorMessage(err)}
		} else {
			ev = &api.Event{Type: api.EventActivityCompleted, TaskID: task.TaskID, Name: task.Name, Payload: out}
		}
	case taskqueue.TaskTimer:
		ev = &api.Event{Type: api.EventTimerFired, TaskID: task.TaskID, FireAt: task.NotBefore}
	case taskqueue.TaskEntity:
		amount, err := persistence.DecodeValue[decimal.Decimal](task.Payload)
		require.NoError(h.t, err)
		total := h.entities[task.Target]
		if task.Name == api.OpAdd {
			total = total.Add(amount)
			h.entities[task.Target] = total
		}
		out, err := persistence.EncodeValue(total)
		require.NoError(h.t, err)
		ev = &api.Event{Type: api.EventEntityCallCompleted, TaskID: task.TaskID, Name: task.Name, Target: task.Target, Payload: out}
	case taskqueue.TaskPurge:
		h.purged = append(h.purged, task.Target)
		return
	default:
		h.t.Fatalf("unexpected task type %q", task.Type)
	}

	_, err := h.eng.Advance(ctx, task.InstanceID, ev)
	require.NoError(h.t, err)
}

// pump processes tasks until the queue is idle.
func (h *harness) pump() {
	h.t.Helper()
	for task := h.next(); task != nil; task = h.next() {
		h.handle(task)
	}
}

func (h *harness) status(id string) *api.StatusSnapshot {
	h.t.Helper()
	st, err := h.eng.GetStatus(context.Background(), id)
	require.NoError(h.t, err)
	return st
}

func (h *harness) eventTypes(id string) []api.EventType {
	h.t.Helper()
	events, err := h.eng.History(context.Background(), id)
	require.NoError(h.t, err)
	types := make([]api.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func double(input []byte) ([]byte, error) {
	n, err := persistence.DecodeValue[int](input)
	if err != nil {
		return nil, err
	}
	return persistence.EncodeValue(n * 2)
}

func twoDoubles(ctx api.OrchestrationContext) (string, error) {
	var n int
	if err := ctx.Input(&n); err != nil {
		return "", err
	}
	if err := ctx.CallActivity("double", n, nil, &n); err != nil {
		return "", err
	}
	if err := ctx.CallActivity("double", n, nil, &n); err != nil {
		return "", err
	}
	return fmt.Sprintf("result=%d", n), nil
}

func TestEngine_SequentialActivitiesComplete(t *testing.T) {
	h := newHarness(t)
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	id, err := h.eng.Start(context.Background(), "two-doubles", 5)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, h.status(id).Status)

	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusCompleted, st.Status)
	require.Equal(t, "result=20", st.Output)
	require.Equal(t, []api.EventType{
		api.EventOrchestrationStarted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventOrchestrationCompleted,
	}, h.eventTypes(id))
}

func TestEngine_ReplayIsDeterministic(t *testing.T) {
	h := newHarness(t)
	h.activities["double"] = double

	fn := func(ctx api.OrchestrationContext) (string, error) {
		start := ctx.CurrentTime()
		out, err := twoDoubles(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s elapsed=%d", out, ctx.CurrentTime().Sub(start)), nil
	}
	require.NoError(t, h.eng.RegisterOrchestration("timed", fn))

	id, err := h.eng.Start(context.Background(), "timed", 1)
	require.NoError(t, err)
	h.pump()

	ctx := context.Background()
	inst, err := h.store.GetInstance(ctx, id)
	require.NoError(t, err)
	history, err := h.store.ReadAll(ctx, id)
	require.NoError(t, err)

	first := newReplayContext(inst, history)
	out1, err := first.run(fn)
	require.NoError(t, err)
	require.Nil(t, first.pending)

	second := newReplayContext(inst, history)
	out2, err := second.run(fn)
	require.NoError(t, err)

	require.Equal(t, out1, out2)
	require.Equal(t, inst.Output, out1)
}

func TestEngine_TimerFireTimeComesFromHistory(t *testing.T) {
	h := newHarness(t)
	delay := 40 * time.Millisecond

	require.NoError(t, h.eng.RegisterOrchestration("sleeper", func(ctx api.OrchestrationContext) (string, error) {
		if err := ctx.CreateTimer(delay); err != nil {
			return "", err
		}
		return ctx.CurrentTime().Format(time.RFC3339Nano), nil
	}))

	id, err := h.eng.Start(context.Background(), "sleeper", nil)
	require.NoError(t, err)
	h.pump()

	require.Equal(t, api.StatusCompleted, h.status(id).Status)

	events, err := h.eng.History(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, api.EventOrchestrationStarted, events[0].Type)
	require.Equal(t, api.EventTimerCreated, events[1].Type)
	require.True(t, events[1].FireAt.Equal(events[0].At.Add(delay)))
	require.Equal(t, api.EventTimerFired, events[2].Type)
	require.False(t, events[2].At.Before(events[1].FireAt), "timer fired early")
}

func TestEngine_ZeroTimerYields(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.RegisterOrchestration("yield", func(ctx api.OrchestrationContext) (string, error) {
		if err := ctx.CreateTimer(0); err != nil {
			return "", err
		}
		return "after-yield", nil
	}))

	id, err := h.eng.Start(context.Background(), "yield", nil)
	require.NoError(t, err)
	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusCompleted, st.Status)
	require.Equal(t, "after-yield", st.Output)
}

func TestEngine_ActivityFailureFailsInstance(t *testing.T) {
	h := newHarness(t)
	h.activities["charge"] = func([]byte) ([]byte, error) {
		return nil, api.ActivityFailed("charge", 3, errors.New("card declined"))
	}
	require.NoError(t, h.eng.RegisterOrchestration("charge", func(ctx api.OrchestrationContext) (string, error) {
		if err := ctx.CallActivity("charge", 10, nil, nil); err != nil {
			return "", err
		}
		return "charged", nil
	}))

	id, err := h.eng.Start(context.Background(), "charge", nil)
	require.NoError(t, err)
	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusFailed, st.Status)
	require.Contains(t, st.Output, "card declined")
	require.Equal(t, api.EventOrchestrationFailed, h.eventTypes(id)[3])
}

func TestEngine_OrchestrationCanHandleActivityFailure(t *testing.T) {
	h := newHarness(t)
	h.activities["charge"] = func([]byte) ([]byte, error) {
		return nil, errors.New("card declined")
	}
	require.NoError(t, h.eng.RegisterOrchestration("charge", func(ctx api.OrchestrationContext) (string, error) {
		err := ctx.CallActivity("charge", 10, nil, nil)
		if errors.Is(err, api.ErrSuspended) {
			return "", err
		}
		if err != nil {
			require.Equal(t, api.ErrCodeActivityFailed, api.ErrorCode(err))
			return "compensated: " + api.ErrorMessage(err), nil
		}
		return "charged", nil
	}))

	id, err := h.eng.Start(context.Background(), "charge", nil)
	require.NoError(t, err)
	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusCompleted, st.Status)
	require.Equal(t, "compensated: card declined", st.Output)
}

func TestEngine_DuplicateCompletionIgnored(t *testing.T) {
	h := newHarness(t)
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	ctx := context.Background()
	id, err := h.eng.Start(ctx, "two-doubles", 3)
	require.NoError(t, err)

	h.handle(h.next()) // first advance schedules call 0

	task := h.next()
	require.Equal(t, taskqueue.TaskActivity, task.Type)
	require.Equal(t, 0, task.TaskID)

	out, err := double(task.Payload)
	require.NoError(t, err)
	ev := &api.Event{Type: api.EventActivityCompleted, TaskID: 0, Name: "double", Payload: out}

	_, err = h.eng.Advance(ctx, id, ev)
	require.NoError(t, err)
	_, err = h.eng.Advance(ctx, id, ev)
	require.NoError(t, err)

	// A completion for a call that was never scheduled is dropped too.
	_, err = h.eng.Advance(ctx, id, &api.Event{Type: api.EventActivityCompleted, TaskID: 9, Name: "double", Payload: out})
	require.NoError(t, err)

	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusCompleted, st.Status)
	require.Equal(t, "result=12", st.Output)
	require.Len(t, h.eventTypes(id), 6)
}

var errStoreDown = errors.New("store unavailable")

// flakyHistory fails SetStatus to failStatus the next failures times.
type flakyHistory struct {
	persistence.HistoryStore
	failStatus api.Status
	failures   int
}

func (f *flakyHistory) SetStatus(ctx context.Context, instanceID string, status api.Status) error {
	if status == f.failStatus && f.failures > 0 {
		f.failures--
		return errStoreDown
	}
	return f.HistoryStore.SetStatus(ctx, instanceID, status)
}

// flakyQueue fails the next failures calls to Enqueue.
type flakyQueue struct {
	taskqueue.Queue
	failures int
}

func (f *flakyQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	if f.failures > 0 {
		f.failures--
		return errStoreDown
	}
	return f.Queue.Enqueue(ctx, t)
}

func countEvents(types []api.EventType, want api.EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func TestEngine_RedeliveryFinishesCompletion(t *testing.T) {
	store := &flakyHistory{HistoryStore: persistence.NewInMemoryStore(), failStatus: api.StatusCompleted, failures: 1}
	h := newHarnessWith(t, store, taskqueue.NewInMemoryQueue(64))
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	ctx := context.Background()
	id, err := h.eng.Start(ctx, "two-doubles", 5)
	require.NoError(t, err)
	h.handle(h.next())
	h.handle(h.next())

	task := h.next()
	require.Equal(t, 1, task.TaskID)
	out, err := double(task.Payload)
	require.NoError(t, err)
	ev := &api.Event{Type: api.EventActivityCompleted, TaskID: 1, Name: "double", Payload: out}

	_, err = h.eng.Advance(ctx, id, ev)
	require.ErrorIs(t, err, errStoreDown)
	require.Equal(t, api.StatusRunning, h.status(id).Status)

	st, err := h.eng.Advance(ctx, id, ev)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, st.Status)
	require.Equal(t, "result=20", st.Output)

	types := h.eventTypes(id)
	require.Len(t, types, 6)
	require.Equal(t, 1, countEvents(types, api.EventOrchestrationCompleted))

	n, err := h.eng.RecoverInstances(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_RedeliveryReschedulesAfterEnqueueFailure(t *testing.T) {
	queue := &flakyQueue{Queue: taskqueue.NewInMemoryQueue(64)}
	h := newHarnessWith(t, persistence.NewInMemoryStore(), queue)
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	ctx := context.Background()
	id, err := h.eng.Start(ctx, "two-doubles", 5)
	require.NoError(t, err)
	h.handle(h.next())

	task := h.next()
	require.Equal(t, 0, task.TaskID)
	out, err := double(task.Payload)
	require.NoError(t, err)
	ev := &api.Event{Type: api.EventActivityCompleted, TaskID: 0, Name: "double", Payload: out}

	queue.failures = 1
	_, err = h.eng.Advance(ctx, id, ev)
	require.ErrorIs(t, err, errStoreDown)
	require.Equal(t, []api.EventType{
		api.EventOrchestrationStarted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
	}, h.eventTypes(id))

	_, err = h.eng.Advance(ctx, id, ev)
	require.NoError(t, err)
	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusCompleted, st.Status)
	require.Equal(t, "result=20", st.Output)
	require.Len(t, h.eventTypes(id), 6)
}

func TestEngine_InterruptedTerminateIsFinished(t *testing.T) {
	store := &flakyHistory{HistoryStore: persistence.NewInMemoryStore(), failStatus: api.StatusTerminated, failures: 1}
	h := newHarnessWith(t, store, taskqueue.NewInMemoryQueue(64))
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	ctx := context.Background()
	id, err := h.eng.Start(ctx, "two-doubles", 1)
	require.NoError(t, err)
	h.handle(h.next())

	require.ErrorIs(t, h.eng.Terminate(ctx, id, "operator request"), errStoreDown)
	require.Equal(t, api.StatusRunning, h.status(id).Status)

	// The activity result still arrives; the instance must not resume.
	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusTerminated, st.Status)
	require.Equal(t, "operator request", st.Output)
	require.Equal(t, []api.EventType{
		api.EventOrchestrationStarted,
		api.EventActivityScheduled,
		api.EventOrchestrationTerminated,
	}, h.eventTypes(id))
}

func TestEngine_AdvanceRejectsNonCompletionEvents(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Advance(context.Background(), "whatever", &api.Event{Type: api.EventActivityScheduled})
	require.Error(t, err)
}

func TestEngine_TerminateRunningDiscardsLateResults(t *testing.T) {
	h := newHarness(t)
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	ctx := context.Background()
	id, err := h.eng.Start(ctx, "two-doubles", 1)
	require.NoError(t, err)
	h.handle(h.next())
	require.Equal(t, api.StatusRunning, h.status(id).Status)

	require.NoError(t, h.eng.Terminate(ctx, id, "operator request"))

	st := h.status(id)
	require.Equal(t, api.StatusTerminated, st.Status)
	require.Equal(t, "operator request", st.Output)

	// The in-flight activity result arrives after termination.
	h.pump()
	require.Equal(t, api.StatusTerminated, h.status(id).Status)
	require.Equal(t, []api.EventType{
		api.EventOrchestrationStarted,
		api.EventActivityScheduled,
		api.EventOrchestrationTerminated,
	}, h.eventTypes(id))

	err = h.eng.Terminate(ctx, id, "again")
	require.ErrorIs(t, err, persistence.ErrInstanceTerminal)
}

func TestEngine_TerminatePendingCancels(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.RegisterOrchestration("noop", func(api.OrchestrationContext) (string, error) {
		return "ran", nil
	}))

	ctx := context.Background()
	id, err := h.eng.Start(ctx, "noop", nil)
	require.NoError(t, err)
	require.NoError(t, h.eng.Terminate(ctx, id, "not needed"))

	h.pump()
	st := h.status(id)
	require.Equal(t, api.StatusCanceled, st.Status)
	require.Equal(t, "not needed", st.Output)
}

func TestEngine_NonDeterminismFailsInstance(t *testing.T) {
	h := newHarness(t)
	h.activities["a"] = func([]byte) ([]byte, error) { return nil, nil }
	h.activities["b"] = h.activities["a"]

	replays := 0
	require.NoError(t, h.eng.RegisterOrchestration("flaky", func(ctx api.OrchestrationContext) (string, error) {
		replays++
		name := "a"
		if replays > 1 {
			name = "b"
		}
		if err := ctx.CallActivity(name, nil, nil, nil); err != nil {
			return "", err
		}
		return "done", nil
	}))

	id, err := h.eng.Start(context.Background(), "flaky", nil)
	require.NoError(t, err)
	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusFailed, st.Status)
	require.Contains(t, st.Output, "diverged")
}

func TestEngine_ReturningWithoutAwaitingFails(t *testing.T) {
	h := newHarness(t)
	h.activities["a"] = func([]byte) ([]byte, error) { return nil, nil }
	require.NoError(t, h.eng.RegisterOrchestration("sloppy", func(ctx api.OrchestrationContext) (string, error) {
		_ = ctx.CallActivity("a", nil, nil, nil)
		return "done", nil
	}))

	id, err := h.eng.Start(context.Background(), "sloppy", nil)
	require.NoError(t, err)
	h.pump()

	require.Equal(t, api.StatusFailed, h.status(id).Status)
}

func TestEngine_PanicFailsInstance(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.RegisterOrchestration("panics", func(api.OrchestrationContext) (string, error) {
		panic("boom")
	}))

	id, err := h.eng.Start(context.Background(), "panics", nil)
	require.NoError(t, err)
	h.pump()

	st := h.status(id)
	require.Equal(t, api.StatusFailed, st.Status)
	require.Contains(t, st.Output, "boom")
}

func TestEngine_EntityCallsAndCustomStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.RegisterOrchestration("deduct", func(ctx api.OrchestrationContext) (string, error) {
		id := api.EntityID{Name: "Deductions", Key: ctx.InstanceID()}
		ctx.SetCustomStatus("deducting")
		if _, err := ctx.CallEntity(id, api.OpAdd, decimal.RequireFromString("150")); err != nil {
			return "", err
		}
		total, err := ctx.CallEntity(id, api.OpAdd, decimal.RequireFromString("127.50"))
		if err != nil {
			return "", err
		}
		ctx.SetCustomStatus("done")
		return total.StringFixed(2), nil
	}))

	ctx := context.Background()
	id, err := h.eng.Start(ctx, "deduct", nil)
	require.NoError(t, err)

	h.handle(h.next())
	st := h.status(id)
	require.Equal(t, "deducting", st.CustomStatus)

	h.pump()
	st = h.status(id)
	require.Equal(t, api.StatusCompleted, st.Status)
	require.Equal(t, "done", st.CustomStatus)
	require.Equal(t, "277.50", st.Output)
	require.True(t, h.entities["@deductions@"+id].Equal(decimal.RequireFromString("277.50")))
}

func TestEngine_PurgeRequestsEmittedOnCompletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.RegisterOrchestration("cleanup", func(ctx api.OrchestrationContext) (string, error) {
		ctx.RequestPurge(api.PurgeRequest{})
		ctx.RequestPurge(api.PurgeRequest{EntityKey: api.EntityID{Name: "Deductions", Key: ctx.InstanceID()}.String()})
		return "ok", nil
	}))

	id, err := h.eng.Start(context.Background(), "cleanup", nil)
	require.NoError(t, err)
	h.pump()

	require.Equal(t, api.StatusCompleted, h.status(id).Status)
	require.ElementsMatch(t, []string{id, "@deductions@" + id}, h.purged)
}

func TestEngine_FailedOrchestrationEmitsNoPurge(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.RegisterOrchestration("fails", func(ctx api.OrchestrationContext) (string, error) {
		ctx.RequestPurge(api.PurgeRequest{})
		return "", errors.New("nope")
	}))

	id, err := h.eng.Start(context.Background(), "fails", nil)
	require.NoError(t, err)
	h.pump()

	require.Equal(t, api.StatusFailed, h.status(id).Status)
	require.Empty(t, h.purged)
}

func TestEngine_RecoverInstancesRedispatchesLostTasks(t *testing.T) {
	h := newHarness(t)
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	ctx := context.Background()

	// running: first advance done, activity task lost
	running, err := h.eng.Start(ctx, "two-doubles", 2)
	require.NoError(t, err)
	h.handle(h.next())
	lost := h.next()
	require.Equal(t, taskqueue.TaskActivity, lost.Type)

	// pending: advance task lost
	pending, err := h.eng.Start(ctx, "two-doubles", 4)
	require.NoError(t, err)
	require.Equal(t, taskqueue.TaskAdvance, h.next().Type)

	require.Equal(t, 0, h.queue.Len())

	n, err := h.eng.RecoverInstances(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	h.pump()

	require.Equal(t, "result=8", h.status(running).Output)
	require.Equal(t, "result=16", h.status(pending).Output)

	n, err = h.eng.RecoverInstances(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_RetryPolicyTravelsWithActivityTask(t *testing.T) {
	h := newHarness(t)
	policy := &api.RetryPolicy{FirstRetryInterval: 5 * time.Second, MaxAttempts: 3}
	require.NoError(t, h.eng.RegisterOrchestration("retrying", func(ctx api.OrchestrationContext) (string, error) {
		return "", ctx.CallActivity("a", "in", policy, nil)
	}))

	_, err := h.eng.Start(context.Background(), "retrying", nil)
	require.NoError(t, err)
	h.handle(h.next())

	task := h.next()
	require.Equal(t, taskqueue.TaskActivity, task.Type)
	require.Equal(t, *policy, task.Retry)

	in, err := persistence.DecodeValue[string](task.Payload)
	require.NoError(t, err)
	require.Equal(t, "in", in)
}

func TestEngine_StartValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Start(context.Background(), "missing", nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unknown orchestration"))

	require.Error(t, h.eng.RegisterOrchestration("", twoDoubles))
	require.Error(t, h.eng.RegisterOrchestration("x", nil))
	require.NoError(t, h.eng.RegisterOrchestration("x", twoDoubles))
	require.Error(t, h.eng.RegisterOrchestration("x", twoDoubles))
}

func TestEngine_UnknownInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.GetStatus(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)

	_, err = h.eng.History(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)

	require.ErrorIs(t, h.eng.Terminate(ctx, "nope", ""), persistence.ErrInstanceNotFound)
}

func TestEngine_ListInstances(t *testing.T) {
	h := newHarness(t)
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))
	require.NoError(t, h.eng.RegisterOrchestration("noop", func(api.OrchestrationContext) (string, error) { return "", nil }))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.eng.Start(ctx, "two-doubles", i)
		require.NoError(t, err)
	}
	_, err := h.eng.Start(ctx, "noop", nil)
	require.NoError(t, err)
	h.pump()

	all, err := h.eng.ListInstances(ctx, api.InstanceListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	doubles, err := h.eng.ListInstances(ctx, api.InstanceListOptions{Orchestration: "two-doubles", Status: api.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, doubles, 3)

	running, err := h.eng.ListInstances(ctx, api.InstanceListOptions{Status: api.StatusRunning})
	require.NoError(t, err)
	require.Empty(t, running)
}

type recordingObserver struct {
	api.NoopObserver
	started, completed, scheduled int
}

func (o *recordingObserver) OnInstanceStart(context.Context, *api.Instance)     { o.started++ }
func (o *recordingObserver) OnInstanceCompleted(context.Context, *api.Instance) { o.completed++ }
func (o *recordingObserver) OnCallScheduled(context.Context, string, api.Event) { o.scheduled++ }

func TestEngine_ObserverCallbacks(t *testing.T) {
	obs := &recordingObserver{}
	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue(16)
	h := newHarnessWith(t, store, queue)
	h.eng = NewEngine(Config{History: store, Queue: queue, Observer: obs}).(*engineImpl)
	h.activities["double"] = double
	require.NoError(t, h.eng.RegisterOrchestration("two-doubles", twoDoubles))

	_, err := h.eng.Start(context.Background(), "two-doubles", 1)
	require.NoError(t, err)
	h.pump()

	require.Equal(t, 1, obs.started)
	require.Equal(t, 1, obs.completed)
	require.Equal(t, 2, obs.scheduled)
}
