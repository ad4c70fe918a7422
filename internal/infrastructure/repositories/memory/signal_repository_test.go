package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySignalRepository_DescriptionOverwrite(t *testing.T) {
	repo := NewMemorySignalRepository()
	ctx := context.Background()

	_, found, err := repo.ReadSlot(ctx, "PC-A", domain.SlotOffer)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.PutDescription(ctx, "PC-A", domain.SlotOffer, &domain.SessionDescription{Signal: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, repo.PutDescription(ctx, "PC-A", domain.SlotOffer, &domain.SessionDescription{Signal: json.RawMessage(`{"n":2}`)}))

	v, found, err := repo.ReadSlot(ctx, "PC-A", domain.SlotOffer)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"n":2}`, string(v.Description.Signal))

	err = repo.PutDescription(ctx, "PC-A", domain.SlotSharerCandidates, &domain.SessionDescription{})
	assert.ErrorIs(t, err, domain.ErrInvalidSlot)
}

func TestMemorySignalRepository_CandidatesAppendInOrder(t *testing.T) {
	repo := NewMemorySignalRepository()
	ctx := context.Background()

	for _, k := range []string{"001", "002", "003"} {
		require.NoError(t, repo.AppendCandidate(ctx, "PC-A", domain.SlotViewerCandidates, &domain.Candidate{
			Key: k, Candidate: json.RawMessage(`{"candidate":"c` + k + `"}`),
		}))
	}
	err := repo.AppendCandidate(ctx, "PC-A", domain.SlotViewerCandidates, &domain.Candidate{Key: "002", Candidate: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrCandidateKeyExists)

	v, found, err := repo.ReadSlot(ctx, "PC-A", domain.SlotViewerCandidates)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, v.Candidates, 3)
	assert.Equal(t, "001", v.Candidates[0].Key)
	assert.Equal(t, "003", v.Candidates[2].Key)

	_, found, _ = repo.ReadSlot(ctx, "PC-A", domain.SlotSharerCandidates)
	assert.False(t, found)
}

func TestMemorySignalRepository_SubscribeNotifiesAndClosesOnCancel(t *testing.T) {
	repo := NewMemorySignalRepository()
	ctx, cancel := context.WithCancel(context.Background())

	ticks, err := repo.Subscribe(ctx, "PC-A", domain.SlotAnswer)
	require.NoError(t, err)

	require.NoError(t, repo.PutDescription(context.Background(), "PC-A", domain.SlotAnswer, &domain.SessionDescription{Signal: json.RawMessage(`{}`)}))
	// a write to another slot does not tick
	require.NoError(t, repo.PutDescription(context.Background(), "PC-A", domain.SlotOffer, &domain.SessionDescription{Signal: json.RawMessage(`{}`)}))

	select {
	case _, ok := <-ticks:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}

	select {
	case <-ticks:
		t.Fatal("unexpected second notification")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ticks:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemorySignalRepository_Clear(t *testing.T) {
	repo := NewMemorySignalRepository()
	ctx := context.Background()

	require.NoError(t, repo.PutDescription(ctx, "PC-A", domain.SlotOffer, &domain.SessionDescription{Signal: json.RawMessage(`{}`)}))
	require.NoError(t, repo.AppendCandidate(ctx, "PC-A", domain.SlotSharerCandidates, &domain.Candidate{Key: "1", Candidate: json.RawMessage(`{}`)}))
	require.NoError(t, repo.Clear(ctx, "PC-A"))

	_, found, _ := repo.ReadSlot(ctx, "PC-A", domain.SlotOffer)
	assert.False(t, found)
	// keys may be reused after a clear
	assert.NoError(t, repo.AppendCandidate(ctx, "PC-A", domain.SlotSharerCandidates, &domain.Candidate{Key: "1", Candidate: json.RawMessage(`{}`)}))
}

func TestMemoryPeerRepository_PutReplacesWholeRecord(t *testing.T) {
	repo := NewMemoryPeerRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, &domain.Peer{ID: "PC-B", DisplayName: "old", AccessCode: "ABC-234"}))
	require.NoError(t, repo.Put(ctx, &domain.Peer{ID: "PC-B", DisplayName: "new"}))
	require.NoError(t, repo.Put(ctx, &domain.Peer{ID: "PC-A", DisplayName: "a"}))

	p, err := repo.Get(ctx, "PC-B")
	require.NoError(t, err)
	assert.Equal(t, "new", p.DisplayName)
	assert.Empty(t, p.AccessCode)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.PeerID("PC-A"), list[0].ID)

	require.NoError(t, repo.Remove(ctx, "PC-B"))
	require.NoError(t, repo.Remove(ctx, "PC-B"))
	_, err = repo.Get(ctx, "PC-B")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
}
