package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/retry"
	"peerlink/pkg/utils"

	"go.uber.org/zap"
)

type mailboxService struct {
	repo     ports.SignalRepository
	delivery ports.DeliveryStrategy
	retry    retry.Config
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewMailboxService wires a mailbox store to a delivery strategy. Writes
// that fail with ErrStoreUnavailable are retried with backoff.
func NewMailboxService(
	repo ports.SignalRepository,
	delivery ports.DeliveryStrategy,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.MailboxService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	rc := retry.DefaultConfig()
	rc.RetryableErrors = []error{domain.ErrStoreUnavailable}

	return &mailboxService{
		repo:     repo,
		delivery: delivery,
		retry:    rc,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *mailboxService) PutOffer(ctx context.Context, targetID domain.PeerID, desc *domain.SessionDescription) error {
	return s.putDescription(ctx, targetID, domain.SlotOffer, desc)
}

func (s *mailboxService) PutAnswer(ctx context.Context, targetID domain.PeerID, desc *domain.SessionDescription) error {
	return s.putDescription(ctx, targetID, domain.SlotAnswer, desc)
}

func (s *mailboxService) putDescription(ctx context.Context, targetID domain.PeerID, slot domain.Slot, desc *domain.SessionDescription) error {
	if desc == nil || len(desc.Signal) == 0 {
		return fmt.Errorf("%s for %s has no signal", slot, targetID)
	}
	if desc.Timestamp == 0 {
		desc.Timestamp = domain.NowMillis(s.now())
	}

	err := retry.Retry(ctx, s.retry, func() error {
		return s.repo.PutDescription(ctx, targetID, slot, desc)
	})
	if err != nil {
		s.metrics.StoreError("put_" + string(slot))
		return fmt.Errorf("failed to write %s for %s: %w", slot, targetID, err)
	}

	s.logger.Debugw("description written",
		"target_id", targetID,
		"slot", slot,
		"session_id", desc.SessionID,
	)
	return nil
}

// AppendCandidate assigns a fresh key when the candidate has none. A retry
// that finds its own key already present means the earlier attempt landed.
func (s *mailboxService) AppendCandidate(ctx context.Context, targetID domain.PeerID, dir domain.Direction, c *domain.Candidate) error {
	if c == nil || len(c.Candidate) == 0 {
		return fmt.Errorf("empty candidate for %s", targetID)
	}
	if c.Key == "" {
		c.Key = utils.SequenceKey()
	}
	if c.Timestamp == 0 {
		c.Timestamp = domain.NowMillis(s.now())
	}

	slot := dir.Slot()
	attempt := 0
	err := retry.Retry(ctx, s.retry, func() error {
		attempt++
		err := s.repo.AppendCandidate(ctx, targetID, slot, c)
		if attempt > 1 && errors.Is(err, domain.ErrCandidateKeyExists) {
			return nil
		}
		return err
	})
	if err != nil {
		s.metrics.StoreError("append_candidate")
		return fmt.Errorf("failed to append candidate for %s: %w", targetID, err)
	}
	return nil
}

func (s *mailboxService) ReadOnce(ctx context.Context, targetID domain.PeerID, slot domain.Slot) (domain.SlotValue, bool, error) {
	if !slot.Valid() {
		return domain.SlotValue{}, false, fmt.Errorf("%w: %q", domain.ErrInvalidSlot, slot)
	}
	return s.repo.ReadSlot(ctx, targetID, slot)
}

func (s *mailboxService) Watch(ctx context.Context, targetID domain.PeerID, slot domain.Slot) <-chan domain.SlotUpdate {
	return s.delivery.Watch(ctx, s.repo, targetID, slot)
}

func (s *mailboxService) Clear(ctx context.Context, targetID domain.PeerID) error {
	if err := s.repo.Clear(ctx, targetID); err != nil {
		return fmt.Errorf("failed to clear mailbox of %s: %w", targetID, err)
	}
	s.logger.Debugw("mailbox cleared", "target_id", targetID)
	return nil
}
