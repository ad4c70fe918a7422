package delivery

import (
	"context"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/retry"

	"go.uber.org/zap"
)

// Push forwards the store's change notifications. After every (re)subscribe
// it reads the slot once so a value written before the subscription existed
// is still delivered.
type Push struct {
	backoff retry.Config
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

func NewPush(backoff retry.Config, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Push {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Push{backoff: backoff, metrics: metrics, logger: logger}
}

func (p *Push) Watch(ctx context.Context, src ports.SlotSource, peerID domain.PeerID, slot domain.Slot) <-chan domain.SlotUpdate {
	out := make(chan domain.SlotUpdate)

	go func() {
		defer close(out)

		var filter changeFilter
		backoff := retry.NewBackoff(p.backoff)

		emit := func() bool {
			value, found, err := src.ReadSlot(ctx, peerID, slot)
			if err != nil {
				if ctx.Err() == nil {
					p.metrics.StoreError("push_read")
					p.logger.Debugw("push read failed", "peer_id", peerID, "slot", slot, "error", err)
				}
				return ctx.Err() == nil
			}
			if filter.observe(value, found) {
				return send(ctx, out, domain.SlotUpdate{Value: value})
			}
			return true
		}

		for ctx.Err() == nil {
			ticks, err := src.Subscribe(ctx, peerID, slot)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := backoff.Next()
				p.metrics.StoreError("subscribe")
				p.logger.Debugw("subscribe failed, retrying",
					"peer_id", peerID,
					"slot", slot,
					"delay", delay,
					"error", err,
				)
				if !sleep(ctx, delay) {
					return
				}
				continue
			}
			backoff.Reset()

			if !emit() {
				return
			}
			for range ticks {
				if !emit() {
					return
				}
			}
			// ticks closed: either ctx is done or the subscription dropped
			if ctx.Err() == nil {
				p.logger.Debugw("subscription lost, resubscribing", "peer_id", peerID, "slot", slot)
				if !sleep(ctx, backoff.Next()) {
					return
				}
			}
		}
	}()

	return out
}
