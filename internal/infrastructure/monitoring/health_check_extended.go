package monitoring

import (
	"context"
	"time"

	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddPeerRepositoryCheck lists peers as a liveness probe of the store.
func (h *HealthChecker) AddPeerRepositoryCheck(repo ports.PeerRepository, timeout time.Duration) {
	h.AddCheck("peer_repository", func(ctx context.Context) error {
		_, err := repo.List(ctx)
		return err
	}, timeout)
}
