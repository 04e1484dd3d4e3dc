package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"secureconnect-calls/internal/domain"
)

const callHistorySchema = `
	CREATE TABLE IF NOT EXISTS call_history (
		call_id     STRING PRIMARY KEY,
		chat_id     STRING NOT NULL DEFAULT '',
		caller_id   STRING NOT NULL,
		caller_name STRING NOT NULL DEFAULT '',
		callee_id   STRING NOT NULL,
		call_type   STRING NOT NULL,
		status      STRING NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		answered_at TIMESTAMPTZ,
		ended_at    TIMESTAMPTZ,
		duration    INT8 NOT NULL DEFAULT 0,
		INDEX call_history_caller_idx (caller_id, created_at DESC),
		INDEX call_history_callee_idx (callee_id, created_at DESC)
	)
`

// CallRepository archives terminal calls for the history timeline
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// EnsureSchema creates the call_history table if it does not exist
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, callHistorySchema); err != nil {
		return fmt.Errorf("failed to create call_history table: %w", err)
	}
	return nil
}

// Archive stores a terminal call. Archiving the same call again overwrites it.
func (r *CallRepository) Archive(ctx context.Context, call *domain.CallRecord) error {
	if !call.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot archive %s call %s", domain.ErrInvalidTransition, call.Status, call.ID)
	}

	query := `
		UPSERT INTO call_history (
			call_id, chat_id, caller_id, caller_name, callee_id, call_type,
			status, created_at, answered_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.ChatID,
		call.CallerID,
		call.CallerName,
		call.CalleeID,
		string(call.CallType),
		string(call.Status),
		call.CreatedAt,
		call.AnsweredAt,
		call.EndedAt,
		int64(call.Duration()/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to archive call: %w", err)
	}

	return nil
}

const callColumns = `call_id, chat_id, caller_id, caller_name, callee_id, call_type,
	status, created_at, answered_at, ended_at`

func scanCall(row pgx.Row) (*domain.CallRecord, error) {
	call := &domain.CallRecord{}
	var callType, status string
	err := row.Scan(
		&call.ID,
		&call.ChatID,
		&call.CallerID,
		&call.CallerName,
		&call.CalleeID,
		&callType,
		&status,
		&call.CreatedAt,
		&call.AnsweredAt,
		&call.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	call.CallType = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	return call, nil
}

// GetByID retrieves an archived call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM call_history WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// GetUserCalls retrieves a page of calls the user placed or received, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID string, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT ` + callColumns + `
		FROM call_history
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallRecord
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}

	return calls, nil
}

// CountUserCalls returns how many archived calls involve the user
func (r *CallRepository) CountUserCalls(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM call_history WHERE caller_id = $1 OR callee_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count user calls: %w", err)
	}
	return total, nil
}
