// Package mongodb stores call documents in MongoDB and follows them with change streams.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/logger"
)

const (
	callIDField     = "_id"
	calleeIDField   = "calleeId"
	statusField     = "status"
	activeField     = "active"
	createdAtField  = "createdAt"
	candCallIDField = "callId"

	activeCalleeIndex = "calls_active_callee"
)

// callDocument adds the active flag that backs the one-active-call-per-callee index
type callDocument struct {
	domain.CallRecord `bson:",inline"`
	Active            bool `bson:"active"`
}

type changeEvent struct {
	OperationType string   `bson:"operationType"`
	FullDocument  bson.Raw `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// CallRepository keeps CallRecords and IceCandidateRecords in two collections
type CallRepository struct {
	calls      *mongo.Collection
	candidates *mongo.Collection
	now        func() time.Time
}

// NewCallRepository creates the repository and ensures its indexes
func NewCallRepository(ctx context.Context, db *mongo.Database, collection string) (*CallRepository, error) {
	r := &CallRepository{
		calls:      db.Collection(collection),
		candidates: db.Collection(collection + "_ice_candidates"),
		now:        time.Now,
	}

	_, err := r.calls.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: calleeIDField, Value: 1}},
			Options: options.Index().
				SetName(activeCalleeIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: activeField, Value: true}}),
		},
		{
			Keys: bson.D{
				{Key: calleeIDField, Value: 1},
				{Key: statusField, Value: 1},
				{Key: createdAtField, Value: 1},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create call indexes: %w", err)
	}

	_, err = r.candidates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: candCallIDField, Value: 1}, {Key: createdAtField, Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice candidate index: %w", err)
	}

	return r, nil
}

func statusValues(statuses []domain.CallStatus) bson.A {
	out := make(bson.A, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CreateCall inserts a pending call. The partial unique index on active
// callees turns a second concurrent call into a duplicate key error.
func (r *CallRepository) CreateCall(ctx context.Context, rec *domain.CallRecord) (string, error) {
	doc := callDocument{CallRecord: *rec, Active: true}
	doc.ID = uuid.NewString()
	doc.Status = domain.CallStatusPending
	doc.CreatedAt = r.now().UTC()
	doc.Offer, doc.Answer, doc.AnsweredAt, doc.EndedAt = nil, nil, nil, nil

	if _, err := r.calls.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("%w: %s", domain.ErrCalleeBusy, rec.CalleeID)
		}
		return "", fmt.Errorf("failed to create call: %w", err)
	}
	return doc.ID, nil
}

// GetCall reads one call
func (r *CallRepository) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	var doc callDocument
	err := r.calls.FindOne(ctx, bson.D{{Key: callIDField, Value: callID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return &doc.CallRecord, nil
}

// TransitionCall updates the call only while its status is one the event
// accepts. When nothing matches, the stored status explains why.
func (r *CallRepository) TransitionCall(ctx context.Context, callID string, event domain.CallEvent, update domain.CallUpdate) (*domain.CallRecord, error) {
	target := event.Target()

	set := bson.D{
		{Key: statusField, Value: string(target)},
		{Key: activeField, Value: !target.IsTerminal()},
	}
	if update.Offer != nil {
		set = append(set, bson.E{Key: "offer", Value: update.Offer})
	}
	if update.Answer != nil {
		set = append(set, bson.E{Key: "answer", Value: update.Answer})
	}
	if update.AnsweredAt != nil {
		set = append(set, bson.E{Key: "answeredAt", Value: update.AnsweredAt.UTC()})
	}
	if update.EndedAt != nil {
		set = append(set, bson.E{Key: "endedAt", Value: update.EndedAt.UTC()})
	}

	filter := bson.D{
		{Key: callIDField, Value: callID},
		{Key: statusField, Value: bson.D{{Key: "$in", Value: statusValues(event.Sources())}}},
	}

	var doc callDocument
	err := r.calls.FindOneAndUpdate(ctx, filter,
		bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return &doc.CallRecord, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to transition call %s: %w", callID, err)
	}

	current, gerr := r.GetCall(ctx, callID)
	if gerr != nil {
		return nil, gerr
	}
	if _, aerr := current.Status.Apply(event); aerr != nil {
		return nil, aerr
	}
	// The status moved between the update and the read; report the write as lost.
	return nil, fmt.Errorf("%w: %s on %s lost to a concurrent update", domain.ErrInvalidTransition, event, callID)
}

// streamLoop owns one change stream goroutine
type streamLoop struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (l *streamLoop) unsubscribe() {
	l.once.Do(l.cancel)
}

// follow runs fn for every event on cs until ctx is canceled. The stream is
// opened before the initial read, so no write between the two is missed.
func follow(ctx context.Context, cs *mongo.ChangeStream, what string, fn func(changeEvent)) {
	defer func() {
		_ = cs.Close(context.Background())
	}()
	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			logger.Warn("Dropped undecodable change event", zap.String("stream", what), zap.Error(err))
			continue
		}
		fn(ev)
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("Change stream stopped", zap.String("stream", what), zap.Error(err))
	}
}

func (r *CallRepository) watch(ctx context.Context, coll *mongo.Collection, match bson.D) (*mongo.ChangeStream, context.Context, *streamLoop, error) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := coll.Watch(wctx, mongo.Pipeline{{{Key: "$match", Value: match}}},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return cs, wctx, &streamLoop{cancel: cancel}, nil
}

// WatchCall delivers the call now and after every change; nil once it is deleted or unknown
func (r *CallRepository) WatchCall(ctx context.Context, callID string, fn func(*domain.CallRecord)) (domain.Unsubscribe, error) {
	cs, wctx, loop, err := r.watch(ctx, r.calls, bson.D{{Key: "documentKey._id", Value: callID}})
	if err != nil {
		return nil, fmt.Errorf("failed to watch call %s: %w", callID, err)
	}

	current, err := r.GetCall(ctx, callID)
	switch {
	case err == nil:
		fn(current)
	case errors.Is(err, domain.ErrCallNotFound):
		fn(nil)
	default:
		loop.unsubscribe()
		_ = cs.Close(context.Background())
		return nil, err
	}

	go follow(wctx, cs, "call", func(ev changeEvent) {
		if ev.OperationType == "delete" || len(ev.FullDocument) == 0 {
			fn(nil)
			return
		}
		var doc callDocument
		if err := bson.Unmarshal(ev.FullDocument, &doc); err != nil {
			logger.Warn("Dropped undecodable call", zap.String("call_id", callID), zap.Error(err))
			return
		}
		fn(&doc.CallRecord)
	})

	return loop.unsubscribe, nil
}

func (r *CallRepository) incoming(ctx context.Context, calleeID string) ([]*domain.CallRecord, error) {
	cur, err := r.calls.Find(ctx, bson.D{
		{Key: calleeIDField, Value: calleeID},
		{Key: statusField, Value: bson.D{{Key: "$in", Value: statusValues(domain.IncomingStatuses)}}},
	}, options.Find().SetSort(bson.D{{Key: createdAtField, Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []callDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*domain.CallRecord, len(docs))
	for i := range docs {
		out[i] = &docs[i].CallRecord
	}
	return out, nil
}

// WatchIncomingCalls re-runs the callee's pending/ringing query whenever one of
// the callee's calls changes
func (r *CallRepository) WatchIncomingCalls(ctx context.Context, calleeID string, fn func([]*domain.CallRecord)) (domain.Unsubscribe, error) {
	cs, wctx, loop, err := r.watch(ctx, r.calls, bson.D{{Key: "fullDocument." + calleeIDField, Value: calleeID}})
	if err != nil {
		return nil, fmt.Errorf("failed to watch incoming calls: %w", err)
	}

	calls, err := r.incoming(ctx, calleeID)
	if err != nil {
		loop.unsubscribe()
		_ = cs.Close(context.Background())
		return nil, fmt.Errorf("failed to list incoming calls: %w", err)
	}
	fn(calls)

	go follow(wctx, cs, "incoming", func(changeEvent) {
		calls, err := r.incoming(wctx, calleeID)
		if err != nil {
			if wctx.Err() == nil {
				logger.Warn("Failed to list incoming calls", zap.String("callee_id", calleeID), zap.Error(err))
			}
			return
		}
		fn(calls)
	})

	return loop.unsubscribe, nil
}

// AddIceCandidate inserts a candidate for an existing call
func (r *CallRepository) AddIceCandidate(ctx context.Context, callID, sender string, c domain.ICECandidate) error {
	n, err := r.calls.CountDocuments(ctx, bson.D{{Key: callIDField, Value: callID}}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to check call: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}

	_, err = r.candidates.InsertOne(ctx, domain.IceCandidateRecord{
		ID:        uuid.NewString(),
		CallID:    callID,
		Sender:    sender,
		Candidate: c,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// WatchIceCandidates delivers stored candidates as added, then every insert
// as added and every update as modified
func (r *CallRepository) WatchIceCandidates(ctx context.Context, callID string, fn func(domain.IceCandidateChange)) (domain.Unsubscribe, error) {
	cs, wctx, loop, err := r.watch(ctx, r.candidates, bson.D{
		{Key: "fullDocument." + candCallIDField, Value: callID},
		{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch ice candidates of %s: %w", callID, err)
	}

	cur, err := r.candidates.Find(ctx, bson.D{{Key: candCallIDField, Value: callID}},
		options.Find().SetSort(bson.D{{Key: createdAtField, Value: 1}}))
	var existing []domain.IceCandidateRecord
	if err == nil {
		err = cur.All(ctx, &existing)
	}
	if err != nil {
		loop.unsubscribe()
		_ = cs.Close(context.Background())
		return nil, fmt.Errorf("failed to list ice candidates: %w", err)
	}

	// An insert racing the initial read shows up in both; deliver it once.
	seen := make(map[string]bool, len(existing))
	for i := range existing {
		seen[existing[i].ID] = true
		fn(domain.IceCandidateChange{Type: domain.ChangeAdded, Record: &existing[i]})
	}

	go follow(wctx, cs, "ice_candidates", func(ev changeEvent) {
		var rec domain.IceCandidateRecord
		if err := bson.Unmarshal(ev.FullDocument, &rec); err != nil {
			logger.Warn("Dropped undecodable ice candidate", zap.String("call_id", callID), zap.Error(err))
			return
		}

		change := domain.ChangeModified
		if ev.OperationType == "insert" {
			dup := seen[rec.ID]
			seen[rec.ID] = true
			if dup {
				return
			}
			change = domain.ChangeAdded
		}
		fn(domain.IceCandidateChange{Type: change, Record: &rec})
	})

	return loop.unsubscribe, nil
}
