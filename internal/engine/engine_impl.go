package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/internal/taskqueue"
	"github.com/petrijr/payflow/pkg/api"
)

// engineImpl is the replay-based orchestration engine. It keeps no
// per-instance state in memory: every Advance rebuilds the orchestration's
// position from the history store.
type engineImpl struct {
	history  persistence.HistoryStore
	queue    taskqueue.Queue
	registry *orchestrationRegistry
	locks    *keyedMutex

	observer   api.Observer
	logger     *slog.Logger
	purgeDelay time.Duration
	now        func() time.Time
}

// Config describes how to construct an engine.
type Config struct {
	History persistence.HistoryStore
	Queue   taskqueue.Queue

	Observer api.Observer
	Logger   *slog.Logger

	// PurgeDelay postpones the purge requests an orchestration emits on
	// completion, leaving its final status readable for that long.
	PurgeDelay time.Duration
}

// NewEngine creates an Engine over the given history store and queue.
func NewEngine(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &engineImpl{
		history:    cfg.History,
		queue:      cfg.Queue,
		registry:   newOrchestrationRegistry(),
		locks:      newKeyedMutex(),
		observer:   obs,
		logger:     logger,
		purgeDelay: cfg.PurgeDelay,
		now:        time.Now,
	}
}

func (e *engineImpl) RegisterOrchestration(name string, fn api.OrchestrationFunc) error {
	return e.registry.Register(name, fn)
}

func (e *engineImpl) Start(ctx context.Context, name string, input any) (string, error) {
	if _, err := e.registry.Get(name); err != nil {
		return "", err
	}
	payload, err := persistence.EncodeValue(input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}

	inst := &api.Instance{
		ID:            uuid.NewString(),
		Orchestration: name,
		Status:        api.StatusPending,
		Input:         payload,
		CreatedAt:     e.now(),
	}
	if err := e.history.CreateInstance(ctx, inst); err != nil {
		return "", err
	}
	if err := e.history.Append(ctx, inst.ID, &api.Event{
		Type:    api.EventOrchestrationStarted,
		TaskID:  -1,
		Name:    name,
		Payload: payload,
	}); err != nil {
		return "", err
	}

	e.observer.OnInstanceStart(ctx, inst)

	// If this enqueue is lost, RecoverInstances re-kicks Pending instances.
	if err := e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         inst.ID + ":advance",
		Type:       taskqueue.TaskAdvance,
		InstanceID: inst.ID,
		TaskID:     -1,
	}); err != nil {
		return inst.ID, fmt.Errorf("enqueue first advance: %w", err)
	}
	return inst.ID, nil
}

func (e *engineImpl) getInstance(ctx context.Context, id string) (*api.Instance, error) {
	inst, err := e.history.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance %s: %w", id, err)
		}
		return nil, err
	}
	return inst, nil
}

// disposition is what Advance does with an incoming completion.
type disposition int

const (
	// appendEvent: ev answers an outstanding call.
	appendEvent disposition = iota
	// replayOnly: ev was already recorded. A previous Advance may have
	// failed after appending it, so the instance is replayed again.
	replayOnly
	// dropEvent: ev answers no call of this instance.
	dropEvent
)

// acceptEvent classifies ev against the history.
func (e *engineImpl) acceptEvent(ctx context.Context, inst *api.Instance, history []api.Event, ev *api.Event) disposition {
	var sched *api.Event
	for i := range history {
		h := &history[i]
		if h.TaskID != ev.TaskID {
			continue
		}
		if h.Type.IsCompletion() {
			e.logger.DebugContext(ctx, "duplicate_completion",
				slog.String("instance_id", inst.ID),
				slog.Int("task_id", ev.TaskID),
				slog.String("type", string(ev.Type)),
			)
			return replayOnly
		}
		if h.Type.IsSchedule() {
			sched = h
		}
	}
	if sched == nil || !answers(sched.Type, ev.Type) {
		e.logger.WarnContext(ctx, "unexpected_completion_ignored",
			slog.String("instance_id", inst.ID),
			slog.Int("task_id", ev.TaskID),
			slog.String("type", string(ev.Type)),
		)
		return dropEvent
	}
	return appendEvent
}

func answers(schedule, completion api.EventType) bool {
	switch schedule {
	case api.EventActivityScheduled:
		return completion == api.EventActivityCompleted || completion == api.EventActivityFailed
	case api.EventTimerCreated:
		return completion == api.EventTimerFired
	case api.EventEntityCallScheduled:
		return completion == api.EventEntityCallCompleted || completion == api.EventEntityCallFailed
	}
	return false
}

func (e *engineImpl) Advance(ctx context.Context, instanceID string, ev *api.Event) (*api.StatusSnapshot, error) {
	if ev != nil && !ev.Type.IsCompletion() {
		return nil, fmt.Errorf("advance %s: %s is not a completion event", instanceID, ev.Type)
	}

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		if ev != nil {
			e.logger.InfoContext(ctx, "event_discarded_terminal_instance",
				slog.String("instance_id", instanceID),
				slog.String("status", string(inst.Status)),
				slog.String("type", string(ev.Type)),
			)
		}
		return inst.Snapshot(), nil
	}

	history, err := e.history.ReadAll(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	// A terminal event without a terminal status means an earlier Advance
	// or Terminate stopped halfway. No further events are recorded; only
	// the status update is finished.
	recorded := terminalEvent(history)
	if ev != nil && recorded == nil {
		switch e.acceptEvent(ctx, inst, history, ev) {
		case dropEvent:
			return inst.Snapshot(), nil
		case appendEvent:
			cp := *ev
			if err := e.history.Append(ctx, instanceID, &cp); err != nil {
				return nil, err
			}
			history = append(history, cp)
		}
	}
	if recorded != nil && recorded.Type == api.EventOrchestrationTerminated {
		if err := e.finishTerminate(ctx, inst, recorded.Detail); err != nil {
			return nil, err
		}
		return inst.Snapshot(), nil
	}

	fn, err := e.registry.Get(inst.Orchestration)
	if err != nil {
		return nil, err
	}

	if inst.Status == api.StatusPending {
		if err := e.history.SetStatus(ctx, instanceID, api.StatusRunning); err != nil {
			return nil, err
		}
		inst.Status = api.StatusRunning
	}

	rc := newReplayContext(inst, history)
	output, fnErr := rc.run(fn)

	if rc.customStatus != inst.CustomStatus {
		if err := e.history.SetCustomStatus(ctx, instanceID, rc.customStatus); err != nil {
			return nil, err
		}
		inst.CustomStatus = rc.customStatus
	}

	switch {
	case rc.nonDetError != nil:
		err = e.fail(ctx, inst, recorded, rc.nonDetError)
	case errors.Is(fnErr, api.ErrSuspended):
		if rc.pending != nil {
			err = e.schedule(ctx, inst, rc.pending)
		}
	case rc.pending != nil:
		err = e.fail(ctx, inst, recorded, fmt.Errorf("orchestration returned without waiting for call %d", rc.pending.event.TaskID))
	case fnErr != nil:
		err = e.fail(ctx, inst, recorded, fnErr)
	default:
		err = e.complete(ctx, inst, recorded, output, rc.purges)
	}
	if err != nil {
		return nil, err
	}

	return e.history.GetStatus(ctx, instanceID)
}

// schedule hands cmd to the queue, then records it in history. If the
// append fails the task's completion answers no call and is dropped, and
// the redelivered Advance schedules the call again.
func (e *engineImpl) schedule(ctx context.Context, inst *api.Instance, cmd *command) error {
	ev := cmd.event
	if err := e.dispatch(ctx, inst.ID, ev); err != nil {
		return err
	}
	if err := e.history.Append(ctx, inst.ID, &ev); err != nil {
		return err
	}
	e.observer.OnCallScheduled(ctx, inst.ID, ev)
	return nil
}

// terminalEvent returns the orchestration-ending event of history, if any.
func terminalEvent(history []api.Event) *api.Event {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type.IsTerminal() {
			return &history[i]
		}
	}
	return nil
}

// dispatch enqueues the task that will produce the completion of a
// schedule event.
func (e *engineImpl) dispatch(ctx context.Context, instanceID string, ev api.Event) error {
	task := taskqueue.Task{
		ID:         fmt.Sprintf("%s:%d", instanceID, ev.TaskID),
		InstanceID: instanceID,
		TaskID:     ev.TaskID,
		Name:       ev.Name,
	}

	switch ev.Type {
	case api.EventActivityScheduled:
		cmd, err := persistence.DecodeValue[activityCommand](ev.Payload)
		if err != nil {
			return fmt.Errorf("decode activity command: %w", err)
		}
		task.Type = taskqueue.TaskActivity
		task.Payload = cmd.Input
		task.Retry = cmd.Retry
	case api.EventTimerCreated:
		task.Type = taskqueue.TaskTimer
		task.NotBefore = ev.FireAt
	case api.EventEntityCallScheduled:
		task.Type = taskqueue.TaskEntity
		task.Target = ev.Target
		task.Payload = ev.Payload
	default:
		return fmt.Errorf("cannot dispatch %s", ev.Type)
	}
	return e.queue.Enqueue(ctx, task)
}

// complete records the successful end of inst. recorded is the terminal
// event already in history, in which case only the status is written.
func (e *engineImpl) complete(ctx context.Context, inst *api.Instance, recorded *api.Event, output string, purges []api.PurgeRequest) error {
	if recorded == nil {
		if err := e.history.Append(ctx, inst.ID, &api.Event{
			Type:   api.EventOrchestrationCompleted,
			TaskID: -1,
			Detail: output,
		}); err != nil {
			return err
		}
	}
	if err := e.history.SetOutput(ctx, inst.ID, output); err != nil {
		return err
	}
	if err := e.history.SetStatus(ctx, inst.ID, api.StatusCompleted); err != nil {
		return err
	}
	inst.Status = api.StatusCompleted
	inst.Output = output
	e.observer.OnInstanceCompleted(ctx, inst)

	notBefore := e.now().Add(e.purgeDelay)
	for _, req := range purges {
		msg := req.Message()
		if err := e.queue.Enqueue(ctx, taskqueue.Task{
			ID:         inst.ID + ":purge:" + msg,
			Type:       taskqueue.TaskPurge,
			InstanceID: inst.ID,
			Target:     msg,
			NotBefore:  notBefore,
		}); err != nil {
			// The periodic sweep still reclaims the instance.
			e.logger.WarnContext(ctx, "purge_request_enqueue_failed",
				slog.String("instance_id", inst.ID),
				slog.String("message", msg),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (e *engineImpl) fail(ctx context.Context, inst *api.Instance, recorded *api.Event, cause error) error {
	msg := api.ErrorMessage(cause)
	if recorded != nil {
		msg = recorded.Detail
	} else if err := e.history.Append(ctx, inst.ID, &api.Event{
		Type:   api.EventOrchestrationFailed,
		TaskID: -1,
		Detail: msg,
	}); err != nil {
		return err
	}
	if err := e.history.SetOutput(ctx, inst.ID, msg); err != nil {
		return err
	}
	if err := e.history.SetStatus(ctx, inst.ID, api.StatusFailed); err != nil {
		return err
	}
	inst.Status = api.StatusFailed
	inst.Output = msg
	e.observer.OnInstanceFailed(ctx, inst, cause)
	return nil
}

func (e *engineImpl) GetStatus(ctx context.Context, instanceID string) (*api.StatusSnapshot, error) {
	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

func (e *engineImpl) History(ctx context.Context, instanceID string) ([]api.Event, error) {
	events, err := e.history.ReadAll(ctx, instanceID)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		return nil, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	return events, err
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	return e.history.ListInstances(ctx, persistence.InstanceFilter{
		Orchestration: opts.Orchestration,
		Status:        opts.Status,
	})
}

func (e *engineImpl) Terminate(ctx context.Context, instanceID string, reason string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("terminate %s (%s): %w", instanceID, inst.Status, persistence.ErrInstanceTerminal)
	}

	history, err := e.history.ReadAll(ctx, instanceID)
	if err != nil {
		return err
	}
	if terminalEvent(history) == nil {
		if err := e.history.Append(ctx, instanceID, &api.Event{
			Type:   api.EventOrchestrationTerminated,
			TaskID: -1,
			Detail: reason,
		}); err != nil {
			return err
		}
	}
	return e.finishTerminate(ctx, inst, reason)
}

// finishTerminate writes the output and status that follow an
// OrchestrationTerminated event.
func (e *engineImpl) finishTerminate(ctx context.Context, inst *api.Instance, reason string) error {
	target := api.StatusTerminated
	if inst.Status == api.StatusPending {
		target = api.StatusCanceled
	}
	if err := e.history.SetOutput(ctx, inst.ID, reason); err != nil {
		return err
	}
	if err := e.history.SetStatus(ctx, inst.ID, target); err != nil {
		return err
	}

	inst.Status = target
	inst.Output = reason
	e.observer.OnInstanceTerminated(ctx, inst, reason)
	return nil
}

func (e *engineImpl) RecoverInstances(ctx context.Context) (int, error) {
	touched := 0
	for _, status := range []api.Status{api.StatusPending, api.StatusRunning} {
		instances, err := e.history.ListInstances(ctx, persistence.InstanceFilter{Status: status})
		if err != nil {
			return touched, err
		}
		for _, inst := range instances {
			n, err := e.recoverInstance(ctx, inst)
			if err != nil {
				return touched, err
			}
			if n > 0 {
				touched++
			}
		}
	}
	return touched, nil
}

// recoverInstance re-enqueues whatever inst is waiting for and returns the
// number of tasks enqueued.
func (e *engineImpl) recoverInstance(ctx context.Context, inst *api.Instance) (int, error) {
	unlock := e.locks.Lock(inst.ID)
	defer unlock()

	history, err := e.history.ReadAll(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return 0, nil
		}
		return 0, err
	}

	rc := newReplayContext(inst, history)
	outstanding := rc.outstanding()
	if len(outstanding) == 0 {
		// Nothing in flight: the instance lost its advance task.
		err := e.queue.Enqueue(ctx, taskqueue.Task{
			ID:         inst.ID + ":advance",
			Type:       taskqueue.TaskAdvance,
			InstanceID: inst.ID,
			TaskID:     -1,
		})
		if err != nil {
			return 0, err
		}
		e.logger.InfoContext(ctx, "instance_recovered",
			slog.String("instance_id", inst.ID),
			slog.String("status", string(inst.Status)),
		)
		return 1, nil
	}

	for _, ev := range outstanding {
		if err := e.dispatch(ctx, inst.ID, ev); err != nil {
			return 0, err
		}
	}
	e.logger.InfoContext(ctx, "instance_recovered",
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
		slog.Int("redispatched", len(outstanding)),
	)
	return len(outstanding), nil
}
