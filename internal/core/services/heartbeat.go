package services

import (
	"context"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/retry"

	"go.uber.org/zap"
)

// Heartbeater keeps one peer's presence record fresh for as long as its
// context lives, then unregisters it.
type Heartbeater struct {
	presence ports.PresenceService
	id       domain.PeerID
	meta     domain.PeerMetadata
	interval time.Duration
	retry    retry.Config
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	unregisterTimeout time.Duration
}

func NewHeartbeater(
	presence ports.PresenceService,
	id domain.PeerID,
	meta domain.PeerMetadata,
	interval time.Duration,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *Heartbeater {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	rc := retry.DefaultConfig()
	rc.RetryableErrors = []error{domain.ErrStoreUnavailable}
	// never retry past the next tick
	rc.MaxDelay = interval / 2

	return &Heartbeater{
		presence:          presence,
		id:                id,
		meta:              meta,
		interval:          interval,
		retry:             rc,
		metrics:           metrics,
		logger:            logger,
		unregisterTimeout: 5 * time.Second,
	}
}

// Run registers immediately and re-registers every interval until ctx is
// done. Failures are logged and retried; Run never returns an error because
// a missed heartbeat only makes the peer look offline for a while.
func (h *Heartbeater) Run(ctx context.Context) {
	h.beat(ctx, true)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.unregister()
			return
		case <-ticker.C:
			h.beat(ctx, false)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context, first bool) {
	err := retry.Retry(ctx, h.retry, func() error {
		if first {
			return h.presence.Register(ctx, h.id, h.meta)
		}
		return h.presence.Heartbeat(ctx, h.id, h.meta)
	})
	h.metrics.HeartbeatSent(err == nil)

	if err != nil && ctx.Err() == nil {
		h.metrics.StoreError("heartbeat")
		h.logger.Warnw("heartbeat failed",
			"peer_id", h.id,
			"error", err,
		)
	}
}

func (h *Heartbeater) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), h.unregisterTimeout)
	defer cancel()

	if err := h.presence.Unregister(ctx, h.id); err != nil {
		h.logger.Warnw("unregister failed", "peer_id", h.id, "error", err)
	}
}
