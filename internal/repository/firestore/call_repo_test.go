package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
)

// newTestRepo connects to the Firestore emulator; tests are skipped without it
func newTestRepo(t *testing.T) *CallRepository {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), "secureconnect-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewCallRepository(client, "calls_"+uuid.NewString()[:8])
}

func TestCallRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	callID, err := repo.CreateCall(ctx, &domain.CallRecord{
		ChatID: "chat-1", CallerID: "alice", CalleeID: "bob", CallType: domain.CallTypeVideo,
	})
	require.NoError(t, err)

	rec, err := repo.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = repo.CreateCall(ctx, &domain.CallRecord{CallerID: "carol", CalleeID: "bob", CallType: domain.CallTypeVoice})
	assert.ErrorIs(t, err, domain.ErrCalleeBusy)

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0"}
	rec, err = repo.TransitionCall(ctx, callID, domain.EventOfferSent, domain.CallUpdate{Offer: &offer})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, rec.Status)

	now := time.Now().UTC()
	_, err = repo.TransitionCall(ctx, callID, domain.EventRejected, domain.CallUpdate{EndedAt: &now})
	require.NoError(t, err)

	_, err = repo.TransitionCall(ctx, callID, domain.EventAnswered, domain.CallUpdate{})
	assert.ErrorIs(t, err, domain.ErrTerminalState)

	_, err = repo.TransitionCall(ctx, "missing", domain.EventHangup, domain.CallUpdate{})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestCallRepository_WatchIceCandidates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	callID, err := repo.CreateCall(ctx, &domain.CallRecord{CallerID: "alice", CalleeID: "bob", CallType: domain.CallTypeVoice})
	require.NoError(t, err)
	require.NoError(t, repo.AddIceCandidate(ctx, callID, "alice", domain.ICECandidate{Candidate: "candidate:1"}))

	changes := make(chan domain.IceCandidateChange, 4)
	unsub, err := repo.WatchIceCandidates(ctx, callID, func(c domain.IceCandidateChange) { changes <- c })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, repo.AddIceCandidate(ctx, callID, "bob", domain.ICECandidate{Candidate: "candidate:2"}))

	var senders []string
	for len(senders) < 2 {
		select {
		case c := <-changes:
			assert.Equal(t, domain.ChangeAdded, c.Type)
			senders = append(senders, c.Record.Sender)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for candidates")
		}
	}
	assert.Equal(t, []string{"alice", "bob"}, senders)
}
