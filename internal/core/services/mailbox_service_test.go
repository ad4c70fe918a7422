package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"peerlink/internal/core/delivery"
	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/repositories/memory"
	"peerlink/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMailbox(repo ports.SignalRepository) *mailboxService {
	logger := zap.NewNop().Sugar()
	svc := NewMailboxService(repo, delivery.NewPush(retry.DefaultConfig(), nil, logger), nil, logger).(*mailboxService)
	svc.retry.InitialDelay = time.Millisecond
	return svc
}

func TestMailbox_OfferAnswerOverwrite(t *testing.T) {
	svc := newMailbox(memory.NewMemorySignalRepository())
	ctx := context.Background()

	require.NoError(t, svc.PutOffer(ctx, "PC-S", &domain.SessionDescription{Signal: json.RawMessage(`{"type":"offer","sdp":"1"}`)}))
	require.NoError(t, svc.PutOffer(ctx, "PC-S", &domain.SessionDescription{Signal: json.RawMessage(`{"type":"offer","sdp":"2"}`)}))

	v, found, err := svc.ReadOnce(ctx, "PC-S", domain.SlotOffer)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"type":"offer","sdp":"2"}`, string(v.Description.Signal))
	assert.NotZero(t, v.Description.Timestamp)

	_, found, err = svc.ReadOnce(ctx, "PC-S", domain.SlotAnswer)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Error(t, svc.PutAnswer(ctx, "PC-S", &domain.SessionDescription{}))
	_, _, err = svc.ReadOnce(ctx, "PC-S", domain.Slot("nope"))
	assert.ErrorIs(t, err, domain.ErrInvalidSlot)
}

func TestMailbox_AppendCandidateAssignsDistinctKeys(t *testing.T) {
	svc := newMailbox(memory.NewMemorySignalRepository())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c := &domain.Candidate{Candidate: json.RawMessage(fmt.Sprintf(`{"candidate":"c%d"}`, i))}
		require.NoError(t, svc.AppendCandidate(ctx, "PC-S", domain.FromViewer, c))
		assert.NotEmpty(t, c.Key)
	}

	v, found, err := svc.ReadOnce(ctx, "PC-S", domain.SlotViewerCandidates)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, v.Candidates, 5)
	for i, c := range v.Candidates {
		assert.JSONEq(t, fmt.Sprintf(`{"candidate":"c%d"}`, i), string(c.Candidate))
	}

	_, found, _ = svc.ReadOnce(ctx, "PC-S", domain.SlotSharerCandidates)
	assert.False(t, found)
}

// lossyRepo reports a store failure after the first candidate write lands.
type lossyRepo struct {
	ports.SignalRepository
	failedOnce bool
}

func (r *lossyRepo) AppendCandidate(ctx context.Context, id domain.PeerID, slot domain.Slot, c *domain.Candidate) error {
	err := r.SignalRepository.AppendCandidate(ctx, id, slot, c)
	if err == nil && !r.failedOnce {
		r.failedOnce = true
		return domain.ErrStoreUnavailable
	}
	return err
}

func TestMailbox_AppendRetryIsIdempotent(t *testing.T) {
	repo := &lossyRepo{SignalRepository: memory.NewMemorySignalRepository()}
	svc := newMailbox(repo)
	ctx := context.Background()

	require.NoError(t, svc.AppendCandidate(ctx, "PC-S", domain.FromSharer, &domain.Candidate{Candidate: json.RawMessage(`{"candidate":"x"}`)}))

	v, _, err := svc.ReadOnce(ctx, "PC-S", domain.SlotSharerCandidates)
	require.NoError(t, err)
	assert.Len(t, v.Candidates, 1)
}

func TestMailbox_WatchAndClear(t *testing.T) {
	svc := newMailbox(memory.NewMemorySignalRepository())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := svc.Watch(ctx, "PC-S", domain.SlotAnswer)
	require.NoError(t, svc.PutAnswer(ctx, "PC-S", &domain.SessionDescription{Signal: json.RawMessage(`{"type":"answer"}`), SessionID: "s1"}))

	select {
	case u := <-updates:
		require.NoError(t, u.Err)
		assert.Equal(t, "s1", u.Value.Description.SessionID)
	case <-time.After(time.Second):
		t.Fatal("watch delivered nothing")
	}

	require.NoError(t, svc.Clear(ctx, "PC-S"))
	_, found, err := svc.ReadOnce(ctx, "PC-S", domain.SlotAnswer)
	require.NoError(t, err)
	assert.False(t, found)
}
