package taskqueue

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"
)

// EncodeTask gob-encodes a Task.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTask gob-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// stamp fills EnqueuedAt and returns the effective due time.
func stamp(t *Task, now time.Time) time.Time {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		return t.EnqueuedAt
	}
	return t.NotBefore
}

// pollTimer returns a stopped, reusable timer for idle polling.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	stopTimer(tmr)
	return tmr
}

// sleepCtx waits d on tmr or returns ctx.Err().
func sleepCtx(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		stopTimer(tmr)
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func stopTimer(tmr *time.Timer) {
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
}
