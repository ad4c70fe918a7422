package domain

import (
	"strings"
	"time"
)

type PeerID string

// Peer is a presence record. Online is derived at read time from LastSeenAt
// and is never trusted from the stored copy.
type Peer struct {
	ID          PeerID    `json:"id"`
	DisplayName string    `json:"displayName"`
	AccessCode  string    `json:"accessCode,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Online      bool      `json:"online"`
}

// PeerMetadata is what a peer announces about itself on register/heartbeat.
type PeerMetadata struct {
	DisplayName string `json:"displayName"`
	AccessCode  string `json:"accessCode,omitempty"`
}

// IsOnline reports whether the record was refreshed within threshold of now.
func (p *Peer) IsOnline(now time.Time, threshold time.Duration) bool {
	return now.Sub(p.LastSeenAt) < threshold
}

// NormalizeAccessCode trims and upper-cases a human-entered code.
func NormalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
