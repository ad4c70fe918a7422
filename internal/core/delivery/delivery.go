// Package delivery turns mailbox slots into streams of changed snapshots,
// either from store change notifications or by bounded polling.
package delivery

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
	"peerlink/pkg/retry"

	"go.uber.org/zap"
)

const (
	ModePush = "push"
	ModePoll = "poll"
)

// New selects a strategy from configuration.
func New(cfg *config.Config, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (ports.DeliveryStrategy, error) {
	switch cfg.Delivery.Mode {
	case ModePush:
		return NewPush(retry.DefaultConfig(), metrics, logger), nil
	case ModePoll:
		return NewPolling(cfg.Delivery.PollInterval, cfg.Delivery.PollMaxAttempts, metrics, logger), nil
	}
	return nil, fmt.Errorf("unknown delivery mode %q", cfg.Delivery.Mode)
}

// changeFilter remembers the fingerprint of the last emitted snapshot.
type changeFilter struct {
	last string
}

// observe returns true when value should be emitted.
func (f *changeFilter) observe(value domain.SlotValue, found bool) bool {
	if !found || value.Empty() {
		// a cleared slot re-arms the filter so a later identical write is delivered
		f.last = ""
		return false
	}
	fp := value.Fingerprint()
	if fp == f.last {
		return false
	}
	f.last = fp
	return true
}

func send(ctx context.Context, out chan<- domain.SlotUpdate, u domain.SlotUpdate) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
