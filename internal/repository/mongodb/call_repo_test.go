package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"secureconnect-calls/internal/domain"
)

// newTestRepo needs a replica set for change streams; tests are skipped without MONGO_URI
func newTestRepo(t *testing.T) *CallRepository {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	db := client.Database("signaling_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	repo, err := NewCallRepository(ctx, db, "calls")
	require.NoError(t, err)
	return repo
}

func TestCallRepository_GuardedTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	callID, err := repo.CreateCall(ctx, &domain.CallRecord{CallerID: "alice", CalleeID: "bob", CallType: domain.CallTypeVoice})
	require.NoError(t, err)

	_, err = repo.CreateCall(ctx, &domain.CallRecord{CallerID: "carol", CalleeID: "bob", CallType: domain.CallTypeVoice})
	assert.ErrorIs(t, err, domain.ErrCalleeBusy)

	_, err = repo.TransitionCall(ctx, callID, domain.EventAnswered, domain.CallUpdate{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	now := time.Now().UTC()
	rec, err := repo.TransitionCall(ctx, callID, domain.EventHangup, domain.CallUpdate{EndedAt: &now})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)

	_, err = repo.TransitionCall(ctx, callID, domain.EventMissed, domain.CallUpdate{})
	assert.ErrorIs(t, err, domain.ErrTerminalState)

	// The callee is free again once the call is terminal.
	_, err = repo.CreateCall(ctx, &domain.CallRecord{CallerID: "carol", CalleeID: "bob", CallType: domain.CallTypeVoice})
	assert.NoError(t, err)
}

func TestCallRepository_WatchCall(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	callID, err := repo.CreateCall(ctx, &domain.CallRecord{CallerID: "alice", CalleeID: "bob", CallType: domain.CallTypeVideo})
	require.NoError(t, err)

	updates := make(chan *domain.CallRecord, 4)
	unsub, err := repo.WatchCall(ctx, callID, func(rec *domain.CallRecord) { updates <- rec })
	require.NoError(t, err)
	defer unsub()

	first := <-updates
	require.NotNil(t, first)
	assert.Equal(t, domain.CallStatusPending, first.Status)

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0"}
	_, err = repo.TransitionCall(ctx, callID, domain.EventOfferSent, domain.CallUpdate{Offer: &offer})
	require.NoError(t, err)

	select {
	case rec := <-updates:
		require.NotNil(t, rec)
		assert.Equal(t, domain.CallStatusRinging, rec.Status)
		assert.Equal(t, &offer, rec.Offer)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}
}
