package api

import (
	"fmt"
	"strings"
)

// Entity operations understood by the deduction aggregator.
const (
	OpAdd       = "add"
	OpCompleted = "completed"
)

// EntityID addresses a keyed entity. Entities owned by an orchestration use
// the instance id as Key.
type EntityID struct {
	Name string
	Key  string
}

// String renders the composite key "@<name>@<key>".
func (id EntityID) String() string {
	return "@" + strings.ToLower(id.Name) + "@" + id.Key
}

// ParseEntityID parses a composite "@<name>@<key>" key.
func ParseEntityID(s string) (EntityID, error) {
	if !strings.HasPrefix(s, "@") {
		return EntityID{}, fmt.Errorf("entity id %q: missing leading @", s)
	}
	name, key, ok := strings.Cut(s[1:], "@")
	if !ok || name == "" || key == "" {
		return EntityID{}, fmt.Errorf("entity id %q: want @<name>@<key>", s)
	}
	return EntityID{Name: name, Key: key}, nil
}

// PurgeRequest asks the purge worker to erase one instance's history, or the
// state of one entity it owned.
type PurgeRequest struct {
	InstanceID string

	// EntityKey, when set, targets entity state instead of the history.
	EntityKey string
}

// Message renders the cleanup queue wire form: a bare instance id, or the
// composite entity key.
func (r PurgeRequest) Message() string {
	if r.EntityKey != "" {
		return r.EntityKey
	}
	return r.InstanceID
}

// ParsePurgeMessage is the inverse of PurgeRequest.Message.
func ParsePurgeMessage(msg string) (PurgeRequest, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return PurgeRequest{}, fmt.Errorf("empty purge message")
	}
	if !strings.HasPrefix(msg, "@") {
		return PurgeRequest{InstanceID: msg}, nil
	}
	id, err := ParseEntityID(msg)
	if err != nil {
		return PurgeRequest{}, err
	}
	return PurgeRequest{InstanceID: id.Key, EntityKey: id.String()}, nil
}
