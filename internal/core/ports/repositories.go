package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// PeerRepository stores presence records. Implementations replace the whole
// record on Put.
type PeerRepository interface {
	Put(ctx context.Context, peer *domain.Peer) error
	Get(ctx context.Context, id domain.PeerID) (*domain.Peer, error)
	List(ctx context.Context) ([]*domain.Peer, error)
	Remove(ctx context.Context, id domain.PeerID) error
}

// SlotSource is the read side of a mailbox, as consumed by delivery strategies.
type SlotSource interface {
	ReadSlot(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (domain.SlotValue, bool, error)
	// Subscribe returns a channel that receives a tick after every write to
	// the slot. The channel is closed when ctx is done or the subscription
	// is lost.
	Subscribe(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (<-chan struct{}, error)
}

// SignalRepository stores signaling mailboxes.
type SignalRepository interface {
	SlotSource
	PutDescription(ctx context.Context, peerID domain.PeerID, slot domain.Slot, desc *domain.SessionDescription) error
	AppendCandidate(ctx context.Context, peerID domain.PeerID, slot domain.Slot, c *domain.Candidate) error
	Clear(ctx context.Context, peerID domain.PeerID) error
}
