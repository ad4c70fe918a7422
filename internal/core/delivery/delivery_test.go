package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/infrastructure/repositories/memory"
	"peerlink/pkg/config"
	"peerlink/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop().Sugar()

func offer(n string) *domain.SessionDescription {
	return &domain.SessionDescription{Signal: json.RawMessage(`{"type":"offer","sdp":"` + n + `"}`), SessionID: n}
}

func recv(t *testing.T, ch <-chan domain.SlotUpdate, within time.Duration) (domain.SlotUpdate, bool) {
	t.Helper()
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(within):
		t.Fatalf("no update within %s", within)
		return domain.SlotUpdate{}, false
	}
}

func assertQuiet(t *testing.T, ch <-chan domain.SlotUpdate, d time.Duration) {
	t.Helper()
	select {
	case u, ok := <-ch:
		if ok {
			t.Fatalf("unexpected update: %+v", u)
		}
	case <-time.After(d):
	}
}

// flakySource fails the first n reads and subscribes.
type flakySource struct {
	*memory.MemorySignalRepository
	mu            sync.Mutex
	readFailures  int
	subscribeFail int
}

func (f *flakySource) ReadSlot(ctx context.Context, id domain.PeerID, slot domain.Slot) (domain.SlotValue, bool, error) {
	f.mu.Lock()
	if f.readFailures > 0 {
		f.readFailures--
		f.mu.Unlock()
		return domain.SlotValue{}, false, domain.ErrStoreUnavailable
	}
	f.mu.Unlock()
	return f.MemorySignalRepository.ReadSlot(ctx, id, slot)
}

func (f *flakySource) Subscribe(ctx context.Context, id domain.PeerID, slot domain.Slot) (<-chan struct{}, error) {
	f.mu.Lock()
	if f.subscribeFail > 0 {
		f.subscribeFail--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemorySignalRepository.Subscribe(ctx, id, slot)
}

func newRepo() *memory.MemorySignalRepository {
	return memory.NewMemorySignalRepository().(*memory.MemorySignalRepository)
}

func TestPolling_EmitsOnlyChanges(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPolling(5*time.Millisecond, 1000, nil, nopLogger)
	updates := p.Watch(ctx, repo, "PC-S", domain.SlotOffer)

	require.NoError(t, repo.PutDescription(ctx, "PC-S", domain.SlotOffer, offer("a")))
	u, ok := recv(t, updates, time.Second)
	require.True(t, ok)
	require.NoError(t, u.Err)
	assert.Equal(t, "a", u.Value.Description.SessionID)

	// many polls of the same value produce nothing
	assertQuiet(t, updates, 40*time.Millisecond)

	require.NoError(t, repo.PutDescription(ctx, "PC-S", domain.SlotOffer, offer("b")))
	u, ok = recv(t, updates, time.Second)
	require.True(t, ok)
	assert.Equal(t, "b", u.Value.Description.SessionID)
}

func TestPolling_TimesOutAfterMaxAttempts(t *testing.T) {
	repo := newRepo()
	p := NewPolling(2*time.Millisecond, 5, nil, nopLogger)

	start := time.Now()
	updates := p.Watch(context.Background(), repo, "PC-S", domain.SlotAnswer)

	u, ok := recv(t, updates, time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, u.Err, domain.ErrNegotiationTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 8*time.Millisecond)

	_, ok = recv(t, updates, time.Second)
	assert.False(t, ok, "channel closes after the terminal update")
}

func TestPolling_CandidateListsHaveNoMissLimit(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPolling(2*time.Millisecond, 3, nil, nopLogger)
	updates := p.Watch(ctx, repo, "PC-S", domain.SlotSharerCandidates)

	// well past 3 empty polls
	assertQuiet(t, updates, 40*time.Millisecond)

	cand := &domain.Candidate{Key: "k1", Candidate: json.RawMessage(`{"candidate":"late"}`)}
	require.NoError(t, repo.AppendCandidate(ctx, "PC-S", domain.SlotSharerCandidates, cand))

	u, ok := recv(t, updates, time.Second)
	require.True(t, ok)
	require.NoError(t, u.Err)
	require.Len(t, u.Value.Candidates, 1)
	assert.Equal(t, "k1", u.Value.Candidates[0].Key)
}

func TestPolling_ReadErrorsCountAsAttempts(t *testing.T) {
	src := &flakySource{MemorySignalRepository: newRepo(), readFailures: 100}
	p := NewPolling(time.Millisecond, 3, nil, nopLogger)

	u, ok := recv(t, p.Watch(context.Background(), src, "PC-S", domain.SlotAnswer), time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, u.Err, domain.ErrNegotiationTimeout)
}

func TestPolling_CancelClosesPromptly(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolling(time.Hour, 60, nil, nopLogger)

	updates := p.Watch(ctx, repo, "PC-S", domain.SlotAnswer)
	cancel()

	_, ok := recv(t, updates, time.Second)
	assert.False(t, ok)
}

func TestPush_DeliversValueWrittenBeforeWatch(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, repo.PutDescription(ctx, "PC-S", domain.SlotOffer, offer("early")))

	p := NewPush(retry.DefaultConfig(), nil, nopLogger)
	updates := p.Watch(ctx, repo, "PC-S", domain.SlotOffer)

	u, ok := recv(t, updates, time.Second)
	require.True(t, ok)
	assert.Equal(t, "early", u.Value.Description.SessionID)
}

func TestPush_ForwardsCandidateAppendsInOrder(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPush(retry.DefaultConfig(), nil, nopLogger)
	updates := p.Watch(ctx, repo, "PC-S", domain.SlotViewerCandidates)

	var last domain.SlotValue
	for i, key := range []string{"1", "2", "3"} {
		require.NoError(t, repo.AppendCandidate(ctx, "PC-S", domain.SlotViewerCandidates, &domain.Candidate{
			Key: key, Candidate: json.RawMessage(`{"candidate":"` + key + `"}`),
		}))
		// wait until the snapshot contains this append; coalesced ticks may skip intermediate ones
		require.Eventually(t, func() bool {
			select {
			case u := <-updates:
				last = u.Value
			default:
			}
			return len(last.Candidates) == i+1
		}, time.Second, time.Millisecond)
	}
	assert.Equal(t, "1", last.Candidates[0].Key)
	assert.Equal(t, "3", last.Candidates[2].Key)
}

func TestPush_RetriesSubscribe(t *testing.T) {
	src := &flakySource{MemorySignalRepository: newRepo(), subscribeFail: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	updates := NewPush(cfg, nil, nopLogger).Watch(ctx, src, "PC-S", domain.SlotAnswer)

	require.NoError(t, src.PutDescription(ctx, "PC-S", domain.SlotAnswer, offer("ans")))
	u, ok := recv(t, updates, time.Second)
	require.True(t, ok)
	assert.Equal(t, "ans", u.Value.Description.SessionID)
}

func TestPush_CancelClosesChannel(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	updates := NewPush(retry.DefaultConfig(), nil, nopLogger).Watch(ctx, repo, "PC-S", domain.SlotAnswer)

	cancel()
	_, ok := recv(t, updates, time.Second)
	assert.False(t, ok)
}

func TestNew_SelectsByMode(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Delivery.Mode = ModePush
	s, err := New(cfg, nil, nopLogger)
	require.NoError(t, err)
	assert.IsType(t, &Push{}, s)

	cfg.Delivery.Mode = ModePoll
	s, err = New(cfg, nil, nopLogger)
	require.NoError(t, err)
	require.IsType(t, &Polling{}, s)
	assert.Equal(t, 60, s.(*Polling).MaxAttempts)

	cfg.Delivery.Mode = "smoke"
	_, err = New(cfg, nil, nopLogger)
	assert.Error(t, err)
}
