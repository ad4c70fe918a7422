package ports

import (
	"context"
	"encoding/json"
	"time"

	"peerlink/internal/core/domain"
)

type PresenceService interface {
	Register(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error
	Heartbeat(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error
	ListOnline(ctx context.Context, threshold time.Duration) ([]*domain.Peer, error)
	ResolveByCode(ctx context.Context, code string) (*domain.Peer, bool, error)
	Unregister(ctx context.Context, id domain.PeerID) error
}

type MailboxService interface {
	PutOffer(ctx context.Context, targetID domain.PeerID, desc *domain.SessionDescription) error
	PutAnswer(ctx context.Context, targetID domain.PeerID, desc *domain.SessionDescription) error
	AppendCandidate(ctx context.Context, targetID domain.PeerID, dir domain.Direction, c *domain.Candidate) error
	ReadOnce(ctx context.Context, targetID domain.PeerID, slot domain.Slot) (domain.SlotValue, bool, error)
	Watch(ctx context.Context, targetID domain.PeerID, slot domain.Slot) <-chan domain.SlotUpdate
	Clear(ctx context.Context, targetID domain.PeerID) error
}

// DeliveryStrategy turns a slot into a sequence of changed snapshots. The
// returned channel is closed when ctx is done or the watch gives up; a
// terminal failure is delivered as a final update with Err set.
type DeliveryStrategy interface {
	Watch(ctx context.Context, src SlotSource, peerID domain.PeerID, slot domain.Slot) <-chan domain.SlotUpdate
}

// Transport is the media session primitive. Callbacks must be invoked from
// the transport's own goroutines, never synchronously from inside a method.
type Transport interface {
	CreateLocalDescription(ctx context.Context, role domain.Role) (json.RawMessage, error)
	SetRemoteDescription(signal json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error
	OnLocalCandidate(fn func(candidate json.RawMessage))
	OnConnectionStateChange(fn func(state domain.TransportState))
	Close() error
}
