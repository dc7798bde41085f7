package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/pkg/api"
)

// activityCommand is the payload of an ActivityScheduled event. The retry
// policy travels with the input so recovery can redispatch the call.
type activityCommand struct {
	Input []byte
	Retry api.RetryPolicy
}

// command is a call the orchestration made that history has not seen yet.
type command struct {
	event api.Event
	retry api.RetryPolicy
}

// replayContext implements api.OrchestrationContext over one history
// snapshot. Call N of the function is matched with the schedule event whose
// TaskID is N.
type replayContext struct {
	instanceID string
	input      []byte

	scheduled map[int]api.Event
	completed map[int]api.Event

	next int
	now  time.Time

	customStatus string
	purges       []api.PurgeRequest

	pending     *command
	nonDetError error
}

func newReplayContext(inst *api.Instance, history []api.Event) *replayContext {
	c := &replayContext{
		instanceID:   inst.ID,
		input:        inst.Input,
		scheduled:    make(map[int]api.Event),
		completed:    make(map[int]api.Event),
		customStatus: inst.CustomStatus,
	}
	for _, ev := range history {
		switch {
		case ev.Type == api.EventOrchestrationStarted:
			c.now = ev.At
			if len(ev.Payload) > 0 {
				c.input = ev.Payload
			}
		case ev.Type.IsSchedule():
			c.scheduled[ev.TaskID] = ev
		case ev.Type.IsCompletion():
			if _, dup := c.completed[ev.TaskID]; !dup {
				c.completed[ev.TaskID] = ev
			}
		}
	}
	return c
}

// run executes fn against the history, converting panics into errors.
func (c *replayContext) run(fn api.OrchestrationFunc) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestration panicked: %v", r)
		}
	}()
	return fn(c)
}

// outstanding returns schedule events that have no completion yet.
func (c *replayContext) outstanding() []api.Event {
	var out []api.Event
	for id, ev := range c.scheduled {
		if _, done := c.completed[id]; !done {
			out = append(out, ev)
		}
	}
	return out
}

// call matches the next call ordinal against history. It returns the
// completion event, or api.ErrSuspended if the call is new or still in
// flight.
func (c *replayContext) call(cmd command) (*api.Event, error) {
	if c.nonDetError != nil {
		return nil, c.nonDetError
	}

	id := c.next
	c.next++

	if sched, ok := c.scheduled[id]; ok {
		if sched.Type != cmd.event.Type || sched.Name != cmd.event.Name || sched.Target != cmd.event.Target {
			c.nonDetError = api.NonDeterministic("orchestration diverged from its history", map[string]any{
				"instance_id":   c.instanceID,
				"task_id":       id,
				"history_type":  string(sched.Type),
				"history_name":  sched.Name,
				"replayed_type": string(cmd.event.Type),
				"replayed_name": cmd.event.Name,
			})
			return nil, c.nonDetError
		}
		comp, done := c.completed[id]
		if !done {
			return nil, api.ErrSuspended
		}
		if comp.At.After(c.now) {
			c.now = comp.At
		}
		return &comp, nil
	}

	// Only the first new call of a replay becomes a command.
	if c.pending == nil {
		cmd.event.TaskID = id
		c.pending = &cmd
	}
	return nil, api.ErrSuspended
}

func (c *replayContext) InstanceID() string { return c.instanceID }

func (c *replayContext) Input(out any) error {
	return persistence.DecodeInto(c.input, out)
}

func (c *replayContext) CurrentTime() time.Time { return c.now }

func (c *replayContext) CallActivity(name string, input any, policy *api.RetryPolicy, out any) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	data, err := persistence.EncodeValue(input)
	if err != nil {
		return err
	}
	cmd := command{event: api.Event{Type: api.EventActivityScheduled, Name: name}}
	if policy != nil {
		cmd.retry = *policy
	}
	payload, err := persistence.EncodeValue(activityCommand{Input: data, Retry: cmd.retry})
	if err != nil {
		return err
	}
	cmd.event.Payload = payload

	comp, err := c.call(cmd)
	if err != nil {
		return err
	}
	if comp.Type == api.EventActivityFailed {
		return api.FailureFromHistory(*comp)
	}
	return persistence.DecodeInto(comp.Payload, out)
}

func (c *replayContext) CreateTimer(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	_, err := c.call(command{event: api.Event{
		Type:   api.EventTimerCreated,
		FireAt: c.now.Add(d),
	}})
	return err
}

func (c *replayContext) CallEntity(id api.EntityID, op string, payload decimal.Decimal) (decimal.Decimal, error) {
	data, err := persistence.EncodeValue(payload)
	if err != nil {
		return decimal.Zero, err
	}
	comp, err := c.call(command{event: api.Event{
		Type:    api.EventEntityCallScheduled,
		Name:    op,
		Target:  id.String(),
		Payload: data,
	}})
	if err != nil {
		return decimal.Zero, err
	}
	if comp.Type == api.EventEntityCallFailed {
		return decimal.Zero, api.FailureFromHistory(*comp)
	}
	return persistence.DecodeValue[decimal.Decimal](comp.Payload)
}

func (c *replayContext) SetCustomStatus(status string) { c.customStatus = status }

func (c *replayContext) RequestPurge(req api.PurgeRequest) {
	if req.InstanceID == "" {
		req.InstanceID = c.instanceID
	}
	c.purges = append(c.purges, req)
}
