package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/errors"

	"github.com/gorilla/websocket"
)

var _ ports.SignalRepository = (*Client)(nil)

type descriptionRequest struct {
	Signal    json.RawMessage `json:"signal"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type candidateRequest struct {
	Key       string          `json:"key"`
	Candidate json.RawMessage `json:"candidate"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type slotResponse struct {
	Found bool              `json:"found"`
	Value *domain.SlotValue `json:"value"`
}

// streamMessage mirrors the relay's websocket frames.
type streamMessage struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func signalPath(peerID domain.PeerID) string {
	return "/api/v1/signals/" + peerPath(peerID)
}

func (c *Client) PutDescription(ctx context.Context, peerID domain.PeerID, slot domain.Slot, desc *domain.SessionDescription) error {
	if slot != domain.SlotOffer && slot != domain.SlotAnswer {
		return fmt.Errorf("%w: %q holds no description", domain.ErrInvalidSlot, slot)
	}
	req := descriptionRequest{Signal: desc.Signal, SessionID: desc.SessionID, Timestamp: desc.Timestamp}
	return c.do(ctx, http.MethodPut, signalPath(peerID)+"/"+string(slot), req, nil)
}

func (c *Client) AppendCandidate(ctx context.Context, peerID domain.PeerID, slot domain.Slot, cand *domain.Candidate) error {
	var dir domain.Direction
	switch slot {
	case domain.SlotSharerCandidates:
		dir = domain.FromSharer
	case domain.SlotViewerCandidates:
		dir = domain.FromViewer
	default:
		return fmt.Errorf("%w: %q is not a candidate list", domain.ErrInvalidSlot, slot)
	}
	req := candidateRequest{Key: cand.Key, Candidate: cand.Candidate, SessionID: cand.SessionID, Timestamp: cand.Timestamp}
	return c.do(ctx, http.MethodPost, signalPath(peerID)+"/candidates/"+string(dir), req, nil)
}

func (c *Client) ReadSlot(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (domain.SlotValue, bool, error) {
	var resp slotResponse
	if err := c.do(ctx, http.MethodGet, signalPath(peerID)+"/"+string(slot), nil, &resp); err != nil {
		return domain.SlotValue{}, false, err
	}
	if !resp.Found || resp.Value == nil {
		return domain.SlotValue{}, false, nil
	}
	return *resp.Value, true, nil
}

func (c *Client) Clear(ctx context.Context, peerID domain.PeerID) error {
	return c.do(ctx, http.MethodDelete, signalPath(peerID), nil, nil)
}

// Subscribe opens the relay's slot stream and ticks on every update frame.
// Snapshots are read back over HTTP by the delivery strategy, so frame
// contents are not decoded beyond their type.
func (c *Client) Subscribe(ctx context.Context, peerID domain.PeerID, slot domain.Slot) (<-chan struct{}, error) {
	target := c.wsURL("/ws/signals/" + peerPath(peerID) + "/" + string(slot))

	conn, err := circuitbreaker.Execute(ctx, c.breaker, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil {
				defer resp.Body.Close()
				if resp.StatusCode < http.StatusInternalServerError {
					return nil, decodeError(resp)
				}
			}
			return nil, errors.StoreUnavailable("subscribe", err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, openAsUnavailable(err)
	}

	ticks := make(chan struct{}, 1)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	go func() {
		defer close(ticks)
		defer stop()
		defer conn.Close()

		for {
			var msg streamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Debugw("relay stream ended", "peer_id", peerID, "slot", slot, "error", err)
				}
				return
			}
			if msg.Type == "error" {
				c.logger.Warnw("relay stream failed", "peer_id", peerID, "slot", slot, "code", msg.Code, "error", msg.Error)
				return
			}
			select {
			case ticks <- struct{}{}:
			default:
			}
		}
	}()

	return ticks, nil
}

func isNotFound(err error) bool {
	return stderrors.Is(err, domain.ErrPeerNotFound)
}
