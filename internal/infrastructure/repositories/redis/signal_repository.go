package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultSignalTTL = 10 * time.Minute

// RedisSignalRepository keeps mailboxes in Redis. Descriptions are plain
// string keys, candidate lists are hashes keyed by candidate key, and every
// write is followed by a PUBLISH on the slot's notify channel.
type RedisSignalRepository struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewRedisSignalRepository(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) ports.SignalRepository {
	if ttl <= 0 {
		ttl = defaultSignalTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisSignalRepository{client: client, ttl: ttl, logger: logger}
}

func (r *RedisSignalRepository) PutDescription(ctx context.Context, peerID domain.PeerID, slot domain.Slot, desc *domain.SessionDescription) error {
	if slot != domain.SlotOffer && slot != domain.SlotAnswer {
		return fmt.Errorf("%w: %s is not a description slot", domain.ErrInvalidSlot, slot)
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal description: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, slotKey(peerID, slot), data, r.ttl)
		pipe.Publish(ctx, notifyChannel(peerID, slot), string(slot))
		return nil
	})
	if err != nil {
		return storeErr("put "+string(slot), err)
	}
	return nil
}

func (r *RedisSignalRepository) AppendCandidate(ctx context.Context, peerID domain.PeerID, slot domain.Slot, c *domain.Candidate) error {
	if !slot.IsCandidateList() {
		return fmt.Errorf("%w: %s is not a candidate slot", domain.ErrInvalidSlot, slot)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	key := slotKey(peerID, slot)
	var added *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.HSetNX(ctx, key, c.Key, data)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return storeErr("append candidate", err)
	}
	if !added.Val() {
		return fmt.Errorf("%w: %s in %s", domain.ErrCandidateKeyExists, c.Key, slot)
	}

	if err := r.client.Publish(ctx, notifyChannel(peerID, slot), string(slot)).Err(); err != nil {
		// The write landed; pollers and the next notification still see it.
		r.logger.Debugw("candidate notify failed", "peer_id", peerID, "slot", slot, "error", err)
	}
	return nil
}

func (r *RedisSignalRepository) ReadSlot(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (domain.SlotValue, bool, error) {
	value := domain.SlotValue{Slot: slot}

	switch {
	case slot.IsCandidateList():
		entries, err := r.client.HGetAll(ctx, slotKey(peerID, slot)).Result()
		if err != nil {
			return value, false, storeErr("read "+string(slot), err)
		}
		if len(entries) == 0 {
			return value, false, nil
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var c domain.Candidate
			if err := json.Unmarshal([]byte(entries[k]), &c); err != nil {
				r.logger.Warnw("skipping malformed candidate", "peer_id", peerID, "slot", slot, "key", k, "error", err)
				continue
			}
			value.Candidates = append(value.Candidates, c)
		}
		return value, len(value.Candidates) > 0, nil

	case slot.Valid():
		data, err := r.client.Get(ctx, slotKey(peerID, slot)).Bytes()
		if err == redis.Nil {
			return value, false, nil
		}
		if err != nil {
			return value, false, storeErr("read "+string(slot), err)
		}
		var desc domain.SessionDescription
		if err := json.Unmarshal(data, &desc); err != nil {
			return value, false, fmt.Errorf("failed to unmarshal %s: %w", slot, err)
		}
		value.Description = &desc
		return value, true, nil
	}

	return value, false, fmt.Errorf("%w: %q", domain.ErrInvalidSlot, slot)
}

// Subscribe confirms the subscription before returning so that a caller
// reading the slot afterwards cannot miss a write made in between.
func (r *RedisSignalRepository) Subscribe(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (<-chan struct{}, error) {
	if !slot.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidSlot, slot)
	}

	pubsub := r.client.Subscribe(ctx, notifyChannel(peerID, slot))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, storeErr("subscribe "+string(slot), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, nil
}

func (r *RedisSignalRepository) Clear(ctx context.Context, peerID domain.PeerID) error {
	keys := make([]string, len(allSlots))
	for i, slot := range allSlots {
		keys[i] = slotKey(peerID, slot)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		for _, slot := range allSlots {
			pipe.Publish(ctx, notifyChannel(peerID, slot), string(slot))
		}
		return nil
	})
	if err != nil {
		return storeErr("clear mailbox", err)
	}
	return nil
}
