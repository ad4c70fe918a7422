package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

type presenceService struct {
	repo      ports.PeerRepository
	staleness time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// PresenceOption configures the presence service.
type PresenceOption func(*presenceService)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) PresenceOption {
	return func(s *presenceService) { s.now = now }
}

// NewPresenceService builds the registry. staleness is the default online
// threshold used by ResolveByCode and by ListOnline when called with 0.
func NewPresenceService(repo ports.PeerRepository, staleness time.Duration, logger *zap.SugaredLogger, opts ...PresenceOption) ports.PresenceService {
	s := &presenceService{
		repo:      repo,
		staleness: staleness,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *presenceService) Register(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error {
	if err := s.upsert(ctx, id, meta); err != nil {
		return err
	}
	s.logger.Infow("peer registered",
		"peer_id", id,
		"display_name", meta.DisplayName,
		"access_code", domain.NormalizeAccessCode(meta.AccessCode),
	)
	return nil
}

func (s *presenceService) Heartbeat(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error {
	if err := s.upsert(ctx, id, meta); err != nil {
		return err
	}
	s.logger.Debugw("peer heartbeat", "peer_id", id)
	return nil
}

func (s *presenceService) upsert(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("peer id is required")
	}

	peer := &domain.Peer{
		ID:          id,
		DisplayName: meta.DisplayName,
		AccessCode:  domain.NormalizeAccessCode(meta.AccessCode),
		LastSeenAt:  s.now().UTC(),
		Online:      true,
	}
	if err := s.repo.Put(ctx, peer); err != nil {
		return fmt.Errorf("failed to store presence for %s: %w", id, err)
	}
	return nil
}

func (s *presenceService) ListOnline(ctx context.Context, threshold time.Duration) ([]*domain.Peer, error) {
	if threshold <= 0 {
		threshold = s.staleness
	}

	peers, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	now := s.now()
	online := make([]*domain.Peer, 0, len(peers))
	for _, p := range peers {
		p.Online = p.IsOnline(now, threshold)
		if p.Online {
			online = append(online, p)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].ID < online[j].ID })
	return online, nil
}

// ResolveByCode matches the normalized code against online peers. When
// several online peers carry the same code the most recently seen wins.
func (s *presenceService) ResolveByCode(ctx context.Context, code string) (*domain.Peer, bool, error) {
	code = domain.NormalizeAccessCode(code)
	if code == "" {
		return nil, false, nil
	}

	peers, err := s.ListOnline(ctx, s.staleness)
	if err != nil {
		return nil, false, err
	}

	var match *domain.Peer
	for _, p := range peers {
		if domain.NormalizeAccessCode(p.AccessCode) != code {
			continue
		}
		if match == nil || p.LastSeenAt.After(match.LastSeenAt) {
			match = p
		}
	}
	return match, match != nil, nil
}

func (s *presenceService) Unregister(ctx context.Context, id domain.PeerID) error {
	if err := s.repo.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove presence for %s: %w", id, err)
	}
	s.logger.Infow("peer unregistered", "peer_id", id)
	return nil
}
