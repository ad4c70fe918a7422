package delivery

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

// Polling reads the slot every Interval. On a description slot it gives up
// after MaxAttempts consecutive polls that produced nothing new and reports
// ErrNegotiationTimeout as a final update. Candidate lists are polled until
// ctx ends: candidates may trickle in long after the description.
type Polling struct {
	Interval    time.Duration
	MaxAttempts int

	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

func NewPolling(interval time.Duration, maxAttempts int, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Polling {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Polling{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		metrics:     metrics,
		logger:      logger,
	}
}

func (p *Polling) Watch(ctx context.Context, src ports.SlotSource, peerID domain.PeerID, slot domain.Slot) <-chan domain.SlotUpdate {
	out := make(chan domain.SlotUpdate)

	go func() {
		defer close(out)

		var filter changeFilter
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()

		bounded := !slot.IsCandidateList()
		misses := 0
		for {
			changed := false
			value, found, err := src.ReadSlot(ctx, peerID, slot)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				p.metrics.StoreError("poll")
				p.logger.Debugw("poll read failed",
					"peer_id", peerID,
					"slot", slot,
					"error", err,
				)
			case filter.observe(value, found):
				changed = true
				if !send(ctx, out, domain.SlotUpdate{Value: value}) {
					return
				}
			}
			p.metrics.PollCompleted(string(slot), changed)

			if changed {
				misses = 0
			} else {
				misses++
			}
			if bounded && misses >= p.MaxAttempts {
				send(ctx, out, domain.SlotUpdate{
					Value: domain.SlotValue{Slot: slot},
					Err:   fmt.Errorf("%w: no change in %s after %d polls", domain.ErrNegotiationTimeout, slot, misses),
				})
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}
