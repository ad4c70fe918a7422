package repositories

import (
	"context"

	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/repositories/memory"
	redisrepo "peerlink/internal/infrastructure/repositories/redis"
	"peerlink/internal/infrastructure/repositories/relay"
	"peerlink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	relayClient *relay.Client
	logger      *zap.SugaredLogger

	// memory repositories are shared so every consumer sees the same store
	memPeers   ports.PeerRepository
	memSignals ports.SignalRepository
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory repositories when it is unreachable. With store.backend=relay
// every store call goes through the relay client instead.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Store.Backend == "relay" {
		client, err := relay.NewClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		factory.relayClient = client
		factory.useRedis = false
		logger.Infow("using relay store", "url", cfg.Relay.URL)
		return factory, nil
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
		factory.memPeers = memory.NewMemoryPeerRepository()
		factory.memSignals = memory.NewMemorySignalRepository()
	}

	return factory, nil
}

// UsesRedis reports whether the factory ended up on Redis.
func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.UsesRedis() {
		return f.redisClient
	}
	return nil
}

// RelayClient returns the relay client, or nil unless store.backend=relay.
// Callers must Enroll it before registering presence.
func (f *RepositoryFactory) RelayClient() *relay.Client {
	return f.relayClient
}

// CreatePresenceService returns the relay client itself in relay mode and a
// presence service over the peer repository otherwise.
func (f *RepositoryFactory) CreatePresenceService(opts ...services.PresenceOption) ports.PresenceService {
	if f.relayClient != nil {
		return f.relayClient
	}
	return services.NewPresenceService(f.CreatePeerRepository(), f.cfg.Presence.StalenessThreshold, f.logger, opts...)
}

// CreatePeerRepository creates a peer repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreatePeerRepository() ports.PeerRepository {
	if f.UsesRedis() {
		return redisrepo.NewRedisPeerRepository(f.redisClient, f.cfg.Redis.PeerTTL)
	}
	return f.memPeers
}

// CreateSignalRepository creates a mailbox repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateSignalRepository() ports.SignalRepository {
	if f.relayClient != nil {
		return f.relayClient
	}
	if f.UsesRedis() {
		return redisrepo.NewRedisSignalRepository(f.redisClient, f.cfg.Redis.SignalTTL, f.logger)
	}
	return f.memSignals
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
