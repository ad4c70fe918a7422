package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Slot names one value in a peer's signaling mailbox.
type Slot string

const (
	SlotOffer            Slot = "offer"
	SlotAnswer           Slot = "answer"
	SlotSharerCandidates Slot = "sharerCandidates"
	SlotViewerCandidates Slot = "viewerCandidates"
)

func (s Slot) Valid() bool {
	switch s {
	case SlotOffer, SlotAnswer, SlotSharerCandidates, SlotViewerCandidates:
		return true
	}
	return false
}

// IsCandidateList reports whether the slot is an append-only candidate list.
func (s Slot) IsCandidateList() bool {
	return s == SlotSharerCandidates || s == SlotViewerCandidates
}

// Direction identifies which side produced a candidate.
type Direction string

const (
	FromSharer Direction = "sharer"
	FromViewer Direction = "viewer"
)

// Slot returns the candidate list written by this direction.
func (d Direction) Slot() Slot {
	if d == FromSharer {
		return SlotSharerCandidates
	}
	return SlotViewerCandidates
}

// Opposite returns the direction of the remote side.
func (d Direction) Opposite() Direction {
	if d == FromSharer {
		return FromViewer
	}
	return FromSharer
}

// SessionDescription is an offer or an answer. Signal is opaque to everything
// except the transport.
type SessionDescription struct {
	Signal    json.RawMessage `json:"signal"`
	SenderID  PeerID          `json:"senderId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Candidate is one connectivity hint. Key is unique within its list.
type Candidate struct {
	Key       string          `json:"key"`
	Candidate json.RawMessage `json:"candidate"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SlotValue is a snapshot of one mailbox slot.
type SlotValue struct {
	Slot        Slot                `json:"slot"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidates  []Candidate         `json:"candidates,omitempty"`
}

// Empty reports whether the slot holds nothing.
func (v SlotValue) Empty() bool {
	return v.Description == nil && len(v.Candidates) == 0
}

// Fingerprint returns a content hash used to suppress re-delivery of an
// unchanged snapshot.
func (v SlotValue) Fingerprint() string {
	if v.Empty() {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SlotUpdate is one element of a watch sequence. A non-nil Err is terminal.
type SlotUpdate struct {
	Value SlotValue
	Err   error
}

// NowMillis returns t as epoch milliseconds, the timestamp unit of the store.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
