package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// pruneScript drops index entries whose record is still missing. KEYS[1] is
// the index, KEYS[i+1] the record of ARGV[i]. Running the EXISTS check here
// keeps a peer that re-registered since the caller's read in the index.
var pruneScript = redis.NewScript(`
local removed = 0
for i, id in ipairs(ARGV) do
	if redis.call("exists", KEYS[i + 1]) == 0 then
		removed = removed + redis.call("srem", KEYS[1], id)
	end
end
return removed
`)

type RedisPeerRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPeerRepository stores each record with ttl so peers that vanish
// without unregistering are eventually purged.
func NewRedisPeerRepository(client *redis.Client, ttl time.Duration) ports.PeerRepository {
	return &RedisPeerRepository{client: client, ttl: ttl}
}

func (r *RedisPeerRepository) Put(ctx context.Context, peer *domain.Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal peer: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, peerKey(peer.ID), data, r.ttl)
		pipe.SAdd(ctx, peersIndexKey(), string(peer.ID))
		return nil
	})
	if err != nil {
		return storeErr("put peer", err)
	}
	return nil
}

func (r *RedisPeerRepository) Get(ctx context.Context, id domain.PeerID) (*domain.Peer, error) {
	data, err := r.client.Get(ctx, peerKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, storeErr("get peer", err)
	}

	var peer domain.Peer
	if err := json.Unmarshal(data, &peer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer %s: %w", id, err)
	}
	return &peer, nil
}

func (r *RedisPeerRepository) List(ctx context.Context) ([]*domain.Peer, error) {
	ids, err := r.client.SMembers(ctx, peersIndexKey()).Result()
	if err != nil {
		return nil, storeErr("list peers", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = peerKey(domain.PeerID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("list peers", err)
	}

	peers := make([]*domain.Peer, 0, len(values))
	var expired []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var peer domain.Peer
		if err := json.Unmarshal([]byte(s), &peer); err != nil {
			continue
		}
		peers = append(peers, &peer)
	}

	if len(expired) > 0 {
		// best effort; a failure only leaves stale index entries behind
		_ = r.pruneIndex(ctx, expired)
	}
	return peers, nil
}

// pruneIndex removes ids from the index unless their record exists again.
func (r *RedisPeerRepository) pruneIndex(ctx context.Context, ids []string) error {
	keys := make([]string, 0, len(ids)+1)
	args := make([]interface{}, len(ids))
	keys = append(keys, peersIndexKey())
	for i, id := range ids {
		keys = append(keys, peerKey(domain.PeerID(id)))
		args[i] = id
	}
	return pruneScript.Run(ctx, r.client, keys, args...).Err()
}

func (r *RedisPeerRepository) Remove(ctx context.Context, id domain.PeerID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, peerKey(id))
		pipe.SRem(ctx, peersIndexKey(), string(id))
		return nil
	})
	if err != nil {
		return storeErr("remove peer", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
