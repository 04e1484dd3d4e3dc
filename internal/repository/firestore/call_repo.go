// Package firestore stores call documents and their ICE candidates in Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/logger"
)

const candidatesCollection = "iceCandidates"

// CallRepository keeps CallRecords in one collection with an iceCandidates
// subcollection per call
type CallRepository struct {
	client *firestore.Client
	calls  *firestore.CollectionRef
}

// NewCallRepository creates a repository on the given collection
func NewCallRepository(client *firestore.Client, collection string) *CallRepository {
	return &CallRepository{client: client, calls: client.Collection(collection)}
}

func statusStrings(statuses []domain.CallStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled || errors.Is(err, iterator.Done)
}

func decodeCall(snap *firestore.DocumentSnapshot) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode call %s: %w", snap.Ref.ID, err)
	}
	rec.ID = snap.Ref.ID
	return &rec, nil
}

// CreateCall stores a new pending call. The busy check and the insert run in
// one transaction so two callers cannot both reach an idle callee.
func (r *CallRepository) CreateCall(ctx context.Context, rec *domain.CallRecord) (string, error) {
	ref := r.calls.NewDoc()
	active := r.calls.
		Where("calleeId", "==", rec.CalleeID).
		Where("status", "in", statusStrings(domain.ActiveStatuses)).
		Limit(1)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Documents(active).GetAll()
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s", domain.ErrCalleeBusy, rec.CalleeID)
		}

		doc := map[string]interface{}{
			"chatId":     rec.ChatID,
			"callerId":   rec.CallerID,
			"callerName": rec.CallerName,
			"calleeId":   rec.CalleeID,
			"callType":   string(rec.CallType),
			"status":     string(domain.CallStatusPending),
			"createdAt":  firestore.ServerTimestamp,
		}
		if rec.CallerPhotoURL != "" {
			doc["callerPhotoURL"] = rec.CallerPhotoURL
		}
		return tx.Create(ref, doc)
	})
	if err != nil {
		if errors.Is(err, domain.ErrCalleeBusy) {
			return "", err
		}
		return "", fmt.Errorf("failed to create call: %w", err)
	}

	return ref.ID, nil
}

// GetCall reads one call document
func (r *CallRepository) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	snap, err := r.calls.Doc(callID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return decodeCall(snap)
}

// TransitionCall reads the stored status and writes the next one in a
// transaction. Firestore retries the function on contention, so the check
// always runs against the latest committed status.
func (r *CallRepository) TransitionCall(ctx context.Context, callID string, event domain.CallEvent, update domain.CallUpdate) (*domain.CallRecord, error) {
	ref := r.calls.Doc(callID)
	var result *domain.CallRecord

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
			}
			return err
		}
		rec, err := decodeCall(snap)
		if err != nil {
			return err
		}

		next, err := rec.Status.Apply(event)
		if err != nil {
			return err
		}

		updates := []firestore.Update{{Path: "status", Value: string(next)}}
		if update.Offer != nil {
			updates = append(updates, firestore.Update{Path: "offer", Value: *update.Offer})
		}
		if update.Answer != nil {
			updates = append(updates, firestore.Update{Path: "answer", Value: *update.Answer})
		}
		if update.AnsweredAt != nil {
			updates = append(updates, firestore.Update{Path: "answeredAt", Value: *update.AnsweredAt})
		}
		if update.EndedAt != nil {
			updates = append(updates, firestore.Update{Path: "endedAt", Value: *update.EndedAt})
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}

		rec.Status = next
		update.ApplyTo(rec)
		result = rec
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCallNotFound),
			errors.Is(err, domain.ErrTerminalState),
			errors.Is(err, domain.ErrInvalidTransition):
			return nil, err
		}
		return nil, fmt.Errorf("failed to transition call %s: %w", callID, err)
	}

	return result, nil
}

// snapshotLoop stops a listener goroutine. Each Watch reads its first snapshot
// before returning so listen errors surface from the Watch call itself.
type snapshotLoop struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (l *snapshotLoop) unsubscribe() {
	l.once.Do(l.cancel)
}

// WatchCall delivers the call document now and on every change; nil once it is deleted
func (r *CallRepository) WatchCall(ctx context.Context, callID string, fn func(*domain.CallRecord)) (domain.Unsubscribe, error) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	it := r.calls.Doc(callID).Snapshots(wctx)

	deliver := func(snap *firestore.DocumentSnapshot) error {
		if !snap.Exists() {
			fn(nil)
			return nil
		}
		rec, err := decodeCall(snap)
		if err != nil {
			return err
		}
		fn(rec)
		return nil
	}

	first, err := it.Next()
	if err != nil {
		cancel()
		it.Stop()
		return nil, fmt.Errorf("failed to watch call %s: %w", callID, err)
	}
	if err := deliver(first); err != nil {
		cancel()
		it.Stop()
		return nil, err
	}

	loop := &snapshotLoop{cancel: cancel}
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if !isCanceled(err) {
					logger.Warn("Call listener stopped",
						zap.String("call_id", callID),
						zap.Error(err))
				}
				return
			}
			if err := deliver(snap); err != nil {
				logger.Warn("Dropped undecodable call snapshot",
					zap.String("call_id", callID),
					zap.Error(err))
			}
		}
	}()

	return loop.unsubscribe, nil
}

// WatchIncomingCalls delivers the callee's pending and ringing calls, oldest first
func (r *CallRepository) WatchIncomingCalls(ctx context.Context, calleeID string, fn func([]*domain.CallRecord)) (domain.Unsubscribe, error) {
	q := r.calls.
		Where("calleeId", "==", calleeID).
		Where("status", "in", statusStrings(domain.IncomingStatuses)).
		OrderBy("createdAt", firestore.Asc)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	it := q.Snapshots(wctx)

	deliver := func(snap *firestore.QuerySnapshot) error {
		docs, err := snap.Documents.GetAll()
		if err != nil {
			return err
		}
		calls := make([]*domain.CallRecord, 0, len(docs))
		for _, d := range docs {
			rec, err := decodeCall(d)
			if err != nil {
				logger.Warn("Skipping undecodable call", zap.String("call_id", d.Ref.ID), zap.Error(err))
				continue
			}
			calls = append(calls, rec)
		}
		fn(calls)
		return nil
	}

	first, err := it.Next()
	if err == nil {
		err = deliver(first)
	}
	if err != nil {
		cancel()
		it.Stop()
		return nil, fmt.Errorf("failed to watch incoming calls: %w", err)
	}

	loop := &snapshotLoop{cancel: cancel}
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if !isCanceled(err) {
					logger.Warn("Incoming call listener stopped",
						zap.String("callee_id", calleeID),
						zap.Error(err))
				}
				return
			}
			if err := deliver(snap); err != nil {
				logger.Warn("Failed to read incoming calls", zap.Error(err))
			}
		}
	}()

	return loop.unsubscribe, nil
}

// AddIceCandidate appends a candidate document under the call
func (r *CallRepository) AddIceCandidate(ctx context.Context, callID, sender string, c domain.ICECandidate) error {
	doc := r.calls.Doc(callID).Collection(candidatesCollection).NewDoc()
	_, err := doc.Create(ctx, map[string]interface{}{
		"sender":    sender,
		"candidate": c,
		"createdAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func changeType(kind firestore.DocumentChangeKind) domain.ChangeType {
	switch kind {
	case firestore.DocumentAdded:
		return domain.ChangeAdded
	case firestore.DocumentModified:
		return domain.ChangeModified
	default:
		return domain.ChangeRemoved
	}
}

// WatchIceCandidates delivers every change to the call's candidates with its
// change type. Candidates present when the listener starts arrive as added.
func (r *CallRepository) WatchIceCandidates(ctx context.Context, callID string, fn func(domain.IceCandidateChange)) (domain.Unsubscribe, error) {
	q := r.calls.Doc(callID).Collection(candidatesCollection).OrderBy("createdAt", firestore.Asc)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	it := q.Snapshots(wctx)

	deliver := func(snap *firestore.QuerySnapshot) {
		for _, ch := range snap.Changes {
			var rec domain.IceCandidateRecord
			if err := ch.Doc.DataTo(&rec); err != nil {
				logger.Warn("Skipping undecodable ice candidate",
					zap.String("call_id", callID),
					zap.Error(err))
				continue
			}
			rec.ID = ch.Doc.Ref.ID
			rec.CallID = callID
			fn(domain.IceCandidateChange{Type: changeType(ch.Kind), Record: &rec})
		}
	}

	first, err := it.Next()
	if err != nil {
		cancel()
		it.Stop()
		return nil, fmt.Errorf("failed to watch ice candidates of %s: %w", callID, err)
	}
	deliver(first)

	loop := &snapshotLoop{cancel: cancel}
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if !isCanceled(err) {
					logger.Warn("Ice candidate listener stopped",
						zap.String("call_id", callID),
						zap.Error(err))
				}
				return
			}
			deliver(snap)
		}
	}()

	return loop.unsubscribe, nil
}
