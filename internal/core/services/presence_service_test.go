package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newPresence(t *testing.T) (*testClock, *presenceService) {
	t.Helper()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	svc := NewPresenceService(memory.NewMemoryPeerRepository(), 30*time.Second, zap.NewNop().Sugar(), WithClock(clock.Now))
	return clock, svc.(*presenceService)
}

func TestPresence_ResolveByCode_StalenessBoundary(t *testing.T) {
	clock, svc := newPresence(t)
	ctx := context.Background()
	t0 := clock.Now()

	require.NoError(t, svc.Register(ctx, "PC-1", domain.PeerMetadata{DisplayName: "office", AccessCode: "XYZ-789"}))

	clock.Set(t0.Add(29 * time.Second))
	p, found, err := svc.ResolveByCode(ctx, " xyz-789 ")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.PeerID("PC-1"), p.ID)
	assert.True(t, p.Online)

	clock.Set(t0.Add(31 * time.Second))
	_, found, err = svc.ResolveByCode(ctx, "XYZ-789")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPresence_HeartbeatRefreshesLastSeen(t *testing.T) {
	clock, svc := newPresence(t)
	ctx := context.Background()
	t0 := clock.Now()

	require.NoError(t, svc.Register(ctx, "PC-1", domain.PeerMetadata{AccessCode: "abc-234"}))
	clock.Set(t0.Add(25 * time.Second))
	require.NoError(t, svc.Heartbeat(ctx, "PC-1", domain.PeerMetadata{AccessCode: "abc-234"}))
	clock.Set(t0.Add(50 * time.Second))

	peers, err := svc.ListOnline(ctx, 0)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "ABC-234", peers[0].AccessCode)
}

func TestPresence_ListOnline_FiltersAndSorts(t *testing.T) {
	clock, svc := newPresence(t)
	ctx := context.Background()
	t0 := clock.Now()

	require.NoError(t, svc.Register(ctx, "PC-stale", domain.PeerMetadata{}))
	clock.Set(t0.Add(20 * time.Second))
	require.NoError(t, svc.Register(ctx, "PC-b", domain.PeerMetadata{}))
	require.NoError(t, svc.Register(ctx, "PC-a", domain.PeerMetadata{}))
	clock.Set(t0.Add(35 * time.Second))

	peers, err := svc.ListOnline(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, domain.PeerID("PC-a"), peers[0].ID)
	assert.Equal(t, domain.PeerID("PC-b"), peers[1].ID)

	// a wider threshold includes the stale record again
	peers, err = svc.ListOnline(ctx, time.Minute)
	require.NoError(t, err)
	assert.Len(t, peers, 3)
}

func TestPresence_ResolveByCode_EmptyAndDuplicates(t *testing.T) {
	clock, svc := newPresence(t)
	ctx := context.Background()
	t0 := clock.Now()

	_, found, err := svc.ResolveByCode(ctx, "   ")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, svc.Register(ctx, "PC-old", domain.PeerMetadata{AccessCode: "DUP-222"}))
	clock.Set(t0.Add(5 * time.Second))
	require.NoError(t, svc.Register(ctx, "PC-new", domain.PeerMetadata{AccessCode: "DUP-222"}))

	p, found, err := svc.ResolveByCode(ctx, "dup-222")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.PeerID("PC-new"), p.ID)
}

func TestPresence_UnregisterRemovesPeer(t *testing.T) {
	_, svc := newPresence(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "PC-1", domain.PeerMetadata{AccessCode: "XYZ-789"}))
	require.NoError(t, svc.Unregister(ctx, "PC-1"))

	_, found, err := svc.ResolveByCode(ctx, "XYZ-789")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPresence_RegisterRequiresID(t *testing.T) {
	_, svc := newPresence(t)
	assert.Error(t, svc.Register(context.Background(), " ", domain.PeerMetadata{}))
}

type MockPresenceService struct {
	mock.Mock
}

func (m *MockPresenceService) Register(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error {
	return m.Called(ctx, id, meta).Error(0)
}

func (m *MockPresenceService) Heartbeat(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error {
	return m.Called(ctx, id, meta).Error(0)
}

func (m *MockPresenceService) ListOnline(ctx context.Context, threshold time.Duration) ([]*domain.Peer, error) {
	args := m.Called(ctx, threshold)
	return args.Get(0).([]*domain.Peer), args.Error(1)
}

func (m *MockPresenceService) ResolveByCode(ctx context.Context, code string) (*domain.Peer, bool, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(*domain.Peer), args.Bool(1), args.Error(2)
}

func (m *MockPresenceService) Unregister(ctx context.Context, id domain.PeerID) error {
	return m.Called(ctx, id).Error(0)
}

func TestHeartbeater_RetriesTransientFailuresAndUnregisters(t *testing.T) {
	presence := new(MockPresenceService)
	meta := domain.PeerMetadata{DisplayName: "office", AccessCode: "XYZ-789"}

	var registers atomic.Int32
	presence.On("Register", mock.Anything, domain.PeerID("PC-1"), meta).
		Return(errors.Join(domain.ErrStoreUnavailable, errors.New("timeout"))).Once()
	presence.On("Register", mock.Anything, domain.PeerID("PC-1"), meta).
		Run(func(mock.Arguments) { registers.Add(1) }).Return(nil)
	presence.On("Heartbeat", mock.Anything, domain.PeerID("PC-1"), meta).Return(nil)
	presence.On("Unregister", mock.Anything, domain.PeerID("PC-1")).Return(nil).Once()

	hb := NewHeartbeater(presence, "PC-1", meta, 20*time.Millisecond, nil, zap.NewNop().Sugar())
	hb.retry.InitialDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return registers.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(70 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeater did not stop")
	}

	presence.AssertExpectations(t)
	presence.AssertCalled(t, "Heartbeat", mock.Anything, domain.PeerID("PC-1"), meta)
}

func TestHeartbeater_SurvivesPersistentFailure(t *testing.T) {
	presence := new(MockPresenceService)
	presence.On("Register", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("permission denied"))
	presence.On("Heartbeat", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("permission denied"))
	presence.On("Unregister", mock.Anything, mock.Anything).Return(errors.New("permission denied"))

	hb := NewHeartbeater(presence, "PC-1", domain.PeerMetadata{}, 10*time.Millisecond, nil, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	hb.Run(ctx)

	presence.AssertCalled(t, "Unregister", mock.Anything, domain.PeerID("PC-1"))
}
