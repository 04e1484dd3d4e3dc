package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/pagination"
)

// CallReader reads live call documents
type CallReader interface {
	GetCall(ctx context.Context, callID string) (*domain.CallRecord, error)
}

// Archive persists terminal calls
type Archive interface {
	Archive(ctx context.Context, call *domain.CallRecord) error
	GetByID(ctx context.Context, callID string) (*domain.CallRecord, error)
	GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error)
	CountUserCalls(ctx context.Context, userID string) (int64, error)
}

// Service archives finished calls and serves timeline entries
type Service struct {
	calls   CallReader
	archive Archive
}

// NewService creates a new history service
func NewService(calls CallReader, archive Archive) *Service {
	return &Service{calls: calls, archive: archive}
}

// Record copies a terminal call from the live store into the archive
func (s *Service) Record(ctx context.Context, callID string) (*domain.CallRecord, error) {
	rec, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	if err := s.RecordCall(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordCall archives rec, which must be terminal
func (s *Service) RecordCall(ctx context.Context, rec *domain.CallRecord) error {
	if !rec.Status.IsTerminal() {
		return apperrors.InvalidTransitionError(fmt.Errorf("%w: call %s is still %s", domain.ErrInvalidTransition, rec.ID, rec.Status))
	}
	if err := s.archive.Archive(ctx, rec); err != nil {
		return apperrors.DatabaseError(err)
	}
	logger.FromContext(logger.WithCallID(ctx, rec.ID)).Info("Call archived",
		zap.String("status", string(rec.Status)))
	return nil
}

// GetCall returns the live call, falling back to the archive once the live
// document is gone. Only participants may read it.
func (s *Service) GetCall(ctx context.Context, callID, viewerID string) (*domain.CallRecord, error) {
	rec, err := s.calls.GetCall(ctx, callID)
	if errors.Is(err, domain.ErrCallNotFound) {
		rec, err = s.archive.GetByID(ctx, callID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	if rec.CallerID != viewerID && rec.CalleeID != viewerID {
		return nil, apperrors.ForbiddenError("Not a participant of this call")
	}
	return rec, nil
}

// History returns one page of the user's timeline, newest first
func (s *Service) History(ctx context.Context, userID string, params pagination.Params) (*pagination.Page[Entry], error) {
	calls, err := s.archive.GetUserCalls(ctx, userID, params.Limit, params.Offset())
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	total, err := s.archive.CountUserCalls(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	entries := make([]Entry, 0, len(calls))
	for _, c := range calls {
		entries = append(entries, Summarize(c, userID))
	}
	return pagination.NewPage(params, total, entries), nil
}
