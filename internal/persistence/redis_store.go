package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/payflow/pkg/api"
)

// RedisStore is a HistoryStore and EntityStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>        => HASH with the instance record
//	<prefix>events:<id>      => LIST of gob-encoded events (index+1 == Seq)
//	<prefix>entity:<key>     => gob-encoded entity state
//	<prefix>idx:all          => SET of all instance IDs
//	<prefix>idx:terminal     => ZSET of terminal instance IDs scored by completion time
//
// Every check-then-act operation (append, status change, conditional
// delete) runs as a Lua script, so it is atomic per instance.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ HistoryStore = (*RedisStore)(nil)

var _ EntityStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "payflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "payflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) keyInstance(id string) string { return s.prefix + "inst:" + id }
func (s *RedisStore) keyEvents(id string) string   { return s.prefix + "events:" + id }
func (s *RedisStore) keyEntity(id string) string   { return s.prefix + "entity:" + id }
func (s *RedisStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisStore) keyTerminal() string          { return s.prefix + "idx:terminal" }

const luaIsTerminal = `
local function terminal(s)
	return s == 'COMPLETED' or s == 'FAILED' or s == 'TERMINATED' or s == 'CANCELED'
end
`

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
redis.call('HSET', KEYS[1],
	'orchestration', ARGV[2], 'status', ARGV[3], 'custom_status', ARGV[4],
	'input', ARGV[5], 'output', ARGV[6], 'created_at', ARGV[7],
	'updated_at', ARGV[8], 'completed_at', ARGV[9])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

var appendScript = redis.NewScript(luaIsTerminal + `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if terminal(status) then return -2 end
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return n
`)

var setStatusScript = redis.NewScript(luaIsTerminal + `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if terminal(status) then return -2 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[4])
if ARGV[3] ~= '0' then
	redis.call('HSET', KEYS[1], 'completed_at', ARGV[3])
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

var setFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
return 1
`)

var deleteScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
local ok = (#ARGV == 1)
for i = 2, #ARGV do
	if ARGV[i] == status then ok = true end
end
if not ok then return -2 end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return 1
`)

func scriptResult(n int64) error {
	switch n {
	case -1:
		return ErrInstanceNotFound
	case -2:
		return ErrInstanceTerminal
	}
	return nil
}

func (s *RedisStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	now := s.now()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}
	n, err := createScript.Run(ctx, s.client,
		[]string{s.keyInstance(inst.ID), s.keyAll()},
		inst.ID,
		inst.Orchestration,
		string(inst.Status),
		inst.CustomStatus,
		inst.Input,
		inst.Output,
		nanos(created),
		nanos(now),
		nanos(inst.CompletedAt),
	).Int64()
	if err != nil {
		return err
	}
	if n == -1 {
		return ErrInstanceExists
	}
	return nil
}

func encodeRedisEvent(ev api.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisEvent(data []byte) (api.Event, error) {
	var ev api.Event
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ev)
	return ev, err
}

func (s *RedisStore) Append(ctx context.Context, instanceID string, ev *api.Event) error {
	ev.InstanceID = instanceID
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	// Seq is positional; it is filled in from the list length below.
	ev.Seq = 0
	data, err := encodeRedisEvent(*ev)
	if err != nil {
		return err
	}

	n, err := appendScript.Run(ctx, s.client,
		[]string{s.keyInstance(instanceID), s.keyEvents(instanceID)},
		data,
		nanos(s.now()),
	).Int64()
	if err != nil {
		return err
	}
	if err := scriptResult(n); err != nil {
		return err
	}
	ev.Seq = n
	return nil
}

func (s *RedisStore) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	exists, err := s.client.Exists(ctx, s.keyInstance(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrInstanceNotFound
	}

	raw, err := s.client.LRange(ctx, s.keyEvents(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Event, 0, len(raw))
	for i, item := range raw {
		ev, err := decodeRedisEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		ev.Seq = int64(i + 1)
		out = append(out, ev)
	}
	return out, nil
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromNanos(n)
}

func instanceFromHash(id string, h map[string]string) *api.Instance {
	inst := &api.Instance{
		ID:            id,
		Orchestration: h["orchestration"],
		Status:        api.Status(h["status"]),
		CustomStatus:  h["custom_status"],
		Output:        h["output"],
		CreatedAt:     parseNanos(h["created_at"]),
		UpdatedAt:     parseNanos(h["updated_at"]),
		CompletedAt:   parseNanos(h["completed_at"]),
	}
	if in := h["input"]; in != "" {
		inst.Input = []byte(in)
	}
	return inst
}

func (s *RedisStore) GetInstance(ctx context.Context, instanceID string) (*api.Instance, error) {
	h, err := s.client.HGetAll(ctx, s.keyInstance(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrInstanceNotFound
	}
	return instanceFromHash(instanceID, h), nil
}

func (s *RedisStore) GetStatus(ctx context.Context, instanceID string) (*api.StatusSnapshot, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

func (s *RedisStore) SetStatus(ctx context.Context, instanceID string, status api.Status) error {
	var completed int64
	if status.IsTerminal() {
		completed = nanos(s.now())
	}
	n, err := setStatusScript.Run(ctx, s.client,
		[]string{s.keyInstance(instanceID), s.keyTerminal()},
		instanceID,
		string(status),
		completed,
		nanos(s.now()),
	).Int64()
	if err != nil {
		return err
	}
	return scriptResult(n)
}

func (s *RedisStore) setField(ctx context.Context, instanceID, field, value string) error {
	n, err := setFieldScript.Run(ctx, s.client,
		[]string{s.keyInstance(instanceID)},
		field,
		value,
		nanos(s.now()),
	).Int64()
	if err != nil {
		return err
	}
	return scriptResult(n)
}

func (s *RedisStore) SetCustomStatus(ctx context.Context, instanceID string, customStatus string) error {
	return s.setField(ctx, instanceID, "custom_status", customStatus)
}

func (s *RedisStore) SetOutput(ctx context.Context, instanceID string, output string) error {
	return s.setField(ctx, instanceID, "output", output)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	ids, err := s.client.SMembers(ctx, s.keyAll()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Instance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Instance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.Instance
	for i, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			// Deleted between SMEMBERS and HGETALL.
			continue
		}
		inst := instanceFromHash(ids[i], h)
		if filter.Orchestration != "" && inst.Orchestration != filter.Orchestration {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (s *RedisStore) Delete(ctx context.Context, instanceID string, allowed ...api.Status) error {
	args := make([]any, 0, len(allowed)+1)
	args = append(args, instanceID)
	for _, st := range allowed {
		args = append(args, string(st))
	}
	n, err := deleteScript.Run(ctx, s.client,
		[]string{s.keyInstance(instanceID), s.keyEvents(instanceID), s.keyAll(), s.keyTerminal()},
		args...,
	).Int64()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return ErrInstanceNotFound
	case -2:
		return ErrStatusNotAllowed
	}
	return nil
}

func (s *RedisStore) ListTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses ...api.Status) ([]string, error) {
	if len(statuses) == 0 {
		statuses = api.TerminalStatuses
	}
	ids, err := s.client.ZRangeByScore(ctx, s.keyTerminal(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(nanos(cutoff), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.keyInstance(id), "status")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []string
	for i, cmd := range cmds {
		st, err := cmd.Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		if statusAllowed(api.Status(st), statuses) {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

func (s *RedisStore) LoadEntity(ctx context.Context, id string) (*api.EntityState, error) {
	data, err := s.client.Get(ctx, s.keyEntity(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	st, err := DecodeValue[api.EntityState](data)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *RedisStore) SaveEntity(ctx context.Context, st *api.EntityState) error {
	cp := *st
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	data, err := EncodeValue(cp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyEntity(st.ID), data, 0).Err()
}

func (s *RedisStore) DeleteEntity(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.keyEntity(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntityNotFound
	}
	return nil
}
