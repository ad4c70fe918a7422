package memory

import (
	"context"
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type mailbox struct {
	descriptions map[domain.Slot]domain.SessionDescription
	candidates   map[domain.Slot][]domain.Candidate
	keys         map[string]struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		descriptions: make(map[domain.Slot]domain.SessionDescription),
		candidates:   make(map[domain.Slot][]domain.Candidate),
		keys:         make(map[string]struct{}),
	}
}

// MemorySignalRepository keeps mailboxes in process memory. It backs tests
// and single-process setups where both peers share one store.
type MemorySignalRepository struct {
	mu        sync.RWMutex
	mailboxes map[domain.PeerID]*mailbox
	notifier  *notifier
}

func NewMemorySignalRepository() ports.SignalRepository {
	return &MemorySignalRepository{
		mailboxes: make(map[domain.PeerID]*mailbox),
		notifier:  newNotifier(),
	}
}

func (r *MemorySignalRepository) box(peerID domain.PeerID) *mailbox {
	mb, ok := r.mailboxes[peerID]
	if !ok {
		mb = newMailbox()
		r.mailboxes[peerID] = mb
	}
	return mb
}

func (r *MemorySignalRepository) PutDescription(ctx context.Context, peerID domain.PeerID, slot domain.Slot, desc *domain.SessionDescription) error {
	if slot != domain.SlotOffer && slot != domain.SlotAnswer {
		return fmt.Errorf("%w: %s is not a description slot", domain.ErrInvalidSlot, slot)
	}

	r.mu.Lock()
	r.box(peerID).descriptions[slot] = cloneDescription(*desc)
	r.mu.Unlock()

	r.notifier.notify(peerID, slot)
	return nil
}

func (r *MemorySignalRepository) AppendCandidate(ctx context.Context, peerID domain.PeerID, slot domain.Slot, c *domain.Candidate) error {
	if !slot.IsCandidateList() {
		return fmt.Errorf("%w: %s is not a candidate slot", domain.ErrInvalidSlot, slot)
	}

	r.mu.Lock()
	mb := r.box(peerID)
	k := string(slot) + "/" + c.Key
	if _, exists := mb.keys[k]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", domain.ErrCandidateKeyExists, c.Key, slot)
	}
	mb.keys[k] = struct{}{}
	cp := *c
	cp.Candidate = append([]byte(nil), c.Candidate...)
	mb.candidates[slot] = append(mb.candidates[slot], cp)
	r.mu.Unlock()

	r.notifier.notify(peerID, slot)
	return nil
}

func (r *MemorySignalRepository) ReadSlot(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (domain.SlotValue, bool, error) {
	if !slot.Valid() {
		return domain.SlotValue{}, false, fmt.Errorf("%w: %q", domain.ErrInvalidSlot, slot)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	value := domain.SlotValue{Slot: slot}
	mb, ok := r.mailboxes[peerID]
	if !ok {
		return value, false, nil
	}

	if slot.IsCandidateList() {
		list := mb.candidates[slot]
		if len(list) == 0 {
			return value, false, nil
		}
		value.Candidates = make([]domain.Candidate, len(list))
		copy(value.Candidates, list)
		return value, true, nil
	}

	desc, ok := mb.descriptions[slot]
	if !ok {
		return value, false, nil
	}
	d := cloneDescription(desc)
	value.Description = &d
	return value, true, nil
}

func (r *MemorySignalRepository) Subscribe(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (<-chan struct{}, error) {
	if !slot.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidSlot, slot)
	}
	return r.notifier.subscribe(ctx, peerID, slot), nil
}

func (r *MemorySignalRepository) Clear(ctx context.Context, peerID domain.PeerID) error {
	r.mu.Lock()
	delete(r.mailboxes, peerID)
	r.mu.Unlock()

	for _, slot := range []domain.Slot{domain.SlotOffer, domain.SlotAnswer, domain.SlotSharerCandidates, domain.SlotViewerCandidates} {
		r.notifier.notify(peerID, slot)
	}
	return nil
}

func cloneDescription(d domain.SessionDescription) domain.SessionDescription {
	d.Signal = append([]byte(nil), d.Signal...)
	return d
}
