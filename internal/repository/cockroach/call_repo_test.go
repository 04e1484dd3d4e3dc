package cockroach

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
)

func newTestRepo(t *testing.T) *CallRepository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewCallRepository(pool)
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo
}

func TestCallRepository_ArchiveAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	caller := uuid.NewString()
	created := time.Now().UTC().Truncate(time.Second)
	answered := created.Add(5 * time.Second)
	ended := answered.Add(125 * time.Second)

	rec := &domain.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   caller,
		CalleeID:   uuid.NewString(),
		CallType:   domain.CallTypeVideo,
		Status:     domain.CallStatusEnded,
		CreatedAt:  created,
		AnsweredAt: &answered,
		EndedAt:    &ended,
	}
	require.NoError(t, repo.Archive(ctx, rec))
	require.NoError(t, repo.Archive(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, got.Status)
	assert.Equal(t, 125*time.Second, got.Duration())

	calls, err := repo.GetUserCalls(ctx, caller, 10, 0)
	require.NoError(t, err)
	require.Len(t, calls, 1)

	total, err := repo.CountUserCalls(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestCallRepository_RejectsActiveCalls(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Archive(context.Background(), &domain.CallRecord{ID: "x", Status: domain.CallStatusRinging})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
