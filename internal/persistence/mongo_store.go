package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/payflow/pkg/api"
)

// MongoStore is a HistoryStore and EntityStore backed by MongoDB.
//
// It uses three collections in one database: "instances", "history_events"
// and "entities". Sequence numbers are allocated with an atomic $inc on the
// instance document, guarded by a status filter so terminal instances never
// grow.
type MongoStore struct {
	instances *mongo.Collection
	events    *mongo.Collection
	entities  *mongo.Collection
	now       func() time.Time
}

var _ HistoryStore = (*MongoStore)(nil)

var _ EntityStore = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "payflow" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "payflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		instances: db.Collection("instances"),
		events:    db.Collection("history_events"),
		entities:  db.Collection("entities"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type mongoInstanceDoc struct {
	ID            string    `bson:"_id"`
	Orchestration string    `bson:"orchestration"`
	Status        string    `bson:"status"`
	CustomStatus  string    `bson:"custom_status"`
	Input         []byte    `bson:"input,omitempty"`
	Output        string    `bson:"output"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
	CompletedAt   time.Time `bson:"completed_at"`
	NextSeq       int64     `bson:"next_seq"`
}

func (d *mongoInstanceDoc) toInstance() *api.Instance {
	return &api.Instance{
		ID:            d.ID,
		Orchestration: d.Orchestration,
		Status:        api.Status(d.Status),
		CustomStatus:  d.CustomStatus,
		Input:         d.Input,
		Output:        d.Output,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		CompletedAt:   d.CompletedAt,
	}
}

type mongoEventDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instance_id"`
	Seq        int64     `bson:"seq"`
	At         time.Time `bson:"at"`
	Type       string    `bson:"type"`
	TaskID     int       `bson:"task_id"`
	Name       string    `bson:"name,omitempty"`
	Target     string    `bson:"target,omitempty"`
	Payload    []byte    `bson:"payload,omitempty"`
	Detail     string    `bson:"detail,omitempty"`
	FireAt     time.Time `bson:"fire_at,omitempty"`
}

type mongoEntityDoc struct {
	ID            string    `bson:"_id"`
	Total         string    `bson:"total"`
	Completed     bool      `bson:"completed"`
	LastRequestID string    `bson:"last_request_id"`
	LastResult    string    `bson:"last_result"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func terminalStrings() []string {
	out := make([]string, 0, len(api.TerminalStatuses))
	for _, st := range api.TerminalStatuses {
		out = append(out, string(st))
	}
	return out
}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	now := s.now()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}
	doc := mongoInstanceDoc{
		ID:            inst.ID,
		Orchestration: inst.Orchestration,
		Status:        string(inst.Status),
		CustomStatus:  inst.CustomStatus,
		Input:         inst.Input,
		Output:        inst.Output,
		CreatedAt:     created,
		UpdatedAt:     now,
		CompletedAt:   inst.CompletedAt,
	}
	_, err := s.instances.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return err
}

// missingOrTerminal resolves a filtered write that matched nothing.
func (s *MongoStore) missingOrTerminal(ctx context.Context, instanceID string) error {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return err
	}
	return ErrInstanceTerminal
}

func (s *MongoStore) Append(ctx context.Context, instanceID string, ev *api.Event) error {
	var doc mongoInstanceDoc
	err := s.instances.FindOneAndUpdate(
		ctx,
		bson.M{"_id": instanceID, "status": bson.M{"$nin": terminalStrings()}},
		bson.M{
			"$inc": bson.M{"next_seq": 1},
			"$set": bson.M{"updated_at": s.now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return s.missingOrTerminal(ctx, instanceID)
		}
		return err
	}

	ev.InstanceID = instanceID
	ev.Seq = doc.NextSeq
	if ev.At.IsZero() {
		ev.At = s.now()
	}

	_, err = s.events.InsertOne(ctx, mongoEventDoc{
		ID:         fmt.Sprintf("%s:%d", instanceID, ev.Seq),
		InstanceID: instanceID,
		Seq:        ev.Seq,
		At:         ev.At,
		Type:       string(ev.Type),
		TaskID:     ev.TaskID,
		Name:       ev.Name,
		Target:     ev.Target,
		Payload:    ev.Payload,
		Detail:     ev.Detail,
		FireAt:     ev.FireAt,
	})
	return err
}

func (s *MongoStore) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	cur, err := s.events.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			InstanceID: doc.InstanceID,
			Seq:        doc.Seq,
			At:         doc.At,
			Type:       api.EventType(doc.Type),
			TaskID:     doc.TaskID,
			Name:       doc.Name,
			Target:     doc.Target,
			Payload:    doc.Payload,
			Detail:     doc.Detail,
			FireAt:     doc.FireAt,
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) GetInstance(ctx context.Context, instanceID string) (*api.Instance, error) {
	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": instanceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.toInstance(), nil
}

func (s *MongoStore) GetStatus(ctx context.Context, instanceID string) (*api.StatusSnapshot, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

func (s *MongoStore) SetStatus(ctx context.Context, instanceID string, status api.Status) error {
	set := bson.M{
		"status":     string(status),
		"updated_at": s.now(),
	}
	if status.IsTerminal() {
		set["completed_at"] = s.now()
	}
	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "status": bson.M{"$nin": terminalStrings()}},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return s.missingOrTerminal(ctx, instanceID)
	}
	return nil
}

func (s *MongoStore) setField(ctx context.Context, instanceID, field, value string) error {
	res, err := s.instances.UpdateByID(ctx, instanceID, bson.M{
		"$set": bson.M{field: value, "updated_at": s.now()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) SetCustomStatus(ctx context.Context, instanceID string, customStatus string) error {
	return s.setField(ctx, instanceID, "custom_status", customStatus)
}

func (s *MongoStore) SetOutput(ctx context.Context, instanceID string, output string) error {
	return s.setField(ctx, instanceID, "output", output)
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := bson.M{}
	if filter.Orchestration != "" {
		query["orchestration"] = filter.Orchestration
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	cur, err := s.instances.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Instance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toInstance())
	}
	return out, cur.Err()
}

func (s *MongoStore) Delete(ctx context.Context, instanceID string, allowed ...api.Status) error {
	query := bson.M{"_id": instanceID}
	if len(allowed) > 0 {
		statuses := make([]string, 0, len(allowed))
		for _, st := range allowed {
			statuses = append(statuses, string(st))
		}
		query["status"] = bson.M{"$in": statuses}
	}

	res, err := s.instances.DeleteOne(ctx, query)
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		return ErrStatusNotAllowed
	}

	_, err = s.events.DeleteMany(ctx, bson.M{"instance_id": instanceID})
	return err
}

func (s *MongoStore) ListTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses ...api.Status) ([]string, error) {
	if len(statuses) == 0 {
		statuses = api.TerminalStatuses
	}
	wanted := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st.IsTerminal() {
			wanted = append(wanted, string(st))
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	cur, err := s.instances.Find(ctx,
		bson.M{
			"status":       bson.M{"$in": wanted},
			"completed_at": bson.M{"$lt": cutoff},
		},
		options.Find().
			SetProjection(bson.M{"_id": 1}).
			SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (s *MongoStore) LoadEntity(ctx context.Context, id string) (*api.EntityState, error) {
	var doc mongoEntityDoc
	err := s.entities.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}

	st := &api.EntityState{
		ID:            doc.ID,
		Completed:     doc.Completed,
		LastRequestID: doc.LastRequestID,
		UpdatedAt:     doc.UpdatedAt,
	}
	if st.Total, err = decimal.NewFromString(doc.Total); err != nil {
		return nil, fmt.Errorf("entity %s: total %q: %w", id, doc.Total, err)
	}
	if st.LastResult, err = decimal.NewFromString(doc.LastResult); err != nil {
		return nil, fmt.Errorf("entity %s: last result %q: %w", id, doc.LastResult, err)
	}
	return st, nil
}

func (s *MongoStore) SaveEntity(ctx context.Context, st *api.EntityState) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	doc := mongoEntityDoc{
		ID:            st.ID,
		Total:         st.Total.String(),
		Completed:     st.Completed,
		LastRequestID: st.LastRequestID,
		LastResult:    st.LastResult.String(),
		UpdatedAt:     updated,
	}
	_, err := s.entities.ReplaceOne(ctx, bson.M{"_id": st.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) DeleteEntity(ctx context.Context, id string) error {
	res, err := s.entities.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrEntityNotFound
	}
	return nil
}
