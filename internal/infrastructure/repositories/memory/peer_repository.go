package memory

import (
	"context"
	"sort"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type MemoryPeerRepository struct {
	peers map[domain.PeerID]domain.Peer
	mu    sync.RWMutex
}

func NewMemoryPeerRepository() ports.PeerRepository {
	return &MemoryPeerRepository{
		peers: make(map[domain.PeerID]domain.Peer),
	}
}

func (r *MemoryPeerRepository) Put(ctx context.Context, peer *domain.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[peer.ID] = *peer
	return nil
}

func (r *MemoryPeerRepository) Get(ctx context.Context, id domain.PeerID) (*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}
	return &peer, nil
}

func (r *MemoryPeerRepository) List(ctx context.Context) ([]*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*domain.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		p := p
		peers = append(peers, &p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

func (r *MemoryPeerRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
	return nil
}
