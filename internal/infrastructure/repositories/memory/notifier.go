package memory

import (
	"context"
	"sync"

	"peerlink/internal/core/domain"
)

type slotKey struct {
	peer domain.PeerID
	slot domain.Slot
}

// notifier fans slot writes out to in-process subscribers. Each subscriber
// channel holds at most one pending tick; extra ticks coalesce.
type notifier struct {
	mu   sync.Mutex
	subs map[slotKey]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[slotKey]map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(ctx context.Context, peer domain.PeerID, slot domain.Slot) <-chan struct{} {
	key := slotKey{peer, slot}
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[key] == nil {
		n.subs[key] = make(map[chan struct{}]struct{})
	}
	n.subs[key][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[key], ch)
		if len(n.subs[key]) == 0 {
			delete(n.subs, key)
		}
		close(ch)
		n.mu.Unlock()
	}()

	return ch
}

func (n *notifier) notify(peer domain.PeerID, slot domain.Slot) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[slotKey{peer, slot}] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
