package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/utils"
)

var _ ports.PresenceService = (*Client)(nil)

type registerRequest struct {
	ID          domain.PeerID `json:"id,omitempty"`
	DisplayName string        `json:"displayName"`
	AccessCode  string        `json:"accessCode,omitempty"`
}

type registerResponse struct {
	Peer              *domain.Peer `json:"peer"`
	Token             string       `json:"token"`
	HeartbeatInterval string       `json:"heartbeatInterval"`
}

// Enrollment is what the relay hands out on first registration.
type Enrollment struct {
	PeerID            domain.PeerID
	HeartbeatInterval time.Duration
}

// Enroll registers a new peer and keeps its token for later calls.
func (c *Client) Enroll(ctx context.Context, meta domain.PeerMetadata) (Enrollment, error) {
	var resp registerResponse
	req := registerRequest{DisplayName: meta.DisplayName, AccessCode: meta.AccessCode}
	if err := c.do(ctx, http.MethodPost, "/api/v1/peers/register", req, &resp); err != nil {
		return Enrollment{}, fmt.Errorf("failed to enroll with relay: %w", err)
	}
	if resp.Peer == nil || resp.Token == "" {
		return Enrollment{}, fmt.Errorf("relay returned an incomplete enrollment")
	}

	c.mu.Lock()
	c.peerID = resp.Peer.ID
	c.token = resp.Token
	c.mu.Unlock()

	interval, _ := time.ParseDuration(resp.HeartbeatInterval)
	c.logger.Infow("enrolled with relay", "peer_id", resp.Peer.ID,
		"heartbeat_interval", interval, "token", utils.MaskSensitive(resp.Token, 8))
	return Enrollment{PeerID: resp.Peer.ID, HeartbeatInterval: interval}, nil
}

// Register re-registers the enrolled peer. The relay only accepts ids whose
// token this client holds.
func (c *Client) Register(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error {
	enrolled, _ := c.credentials()
	if enrolled == "" {
		return ErrNotEnrolled
	}
	if id != enrolled {
		return fmt.Errorf("relay client is enrolled as %s, cannot register %s", enrolled, id)
	}

	var resp registerResponse
	req := registerRequest{ID: id, DisplayName: meta.DisplayName, AccessCode: meta.AccessCode}
	if err := c.do(ctx, http.MethodPost, "/api/v1/peers/register", req, &resp); err != nil {
		return err
	}
	if resp.Token != "" {
		c.mu.Lock()
		c.token = resp.Token
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) Heartbeat(ctx context.Context, id domain.PeerID, meta domain.PeerMetadata) error {
	req := registerRequest{DisplayName: meta.DisplayName, AccessCode: meta.AccessCode}
	return c.do(ctx, http.MethodPost, "/api/v1/peers/"+peerPath(id)+"/heartbeat", req, nil)
}

func (c *Client) ListOnline(ctx context.Context, threshold time.Duration) ([]*domain.Peer, error) {
	path := "/api/v1/peers"
	if threshold > 0 {
		path += "?" + url.Values{"threshold": {threshold.String()}}.Encode()
	}
	var resp struct {
		Peers []*domain.Peer `json:"peers"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Client) ResolveByCode(ctx context.Context, code string) (*domain.Peer, bool, error) {
	code = domain.NormalizeAccessCode(code)
	var resp struct {
		Peer *domain.Peer `json:"peer"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/peers/resolve/"+url.PathEscape(code), nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return resp.Peer, resp.Peer != nil, nil
}

func (c *Client) Unregister(ctx context.Context, id domain.PeerID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/peers/"+peerPath(id), nil, nil)
}
