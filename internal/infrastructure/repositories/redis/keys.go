package redis

import (
	"fmt"

	"peerlink/internal/core/domain"
)

const keyPrefix = "peerlink:"

func peerKey(id domain.PeerID) string {
	return keyPrefix + "peers:" + string(id)
}

// peersIndexKey is a set of every peer ID that has a record. Entries whose
// record expired are pruned on List.
func peersIndexKey() string {
	return keyPrefix + "peers"
}

func slotKey(id domain.PeerID, slot domain.Slot) string {
	return fmt.Sprintf("%ssignals:%s:%s", keyPrefix, id, slot)
}

func notifyChannel(id domain.PeerID, slot domain.Slot) string {
	return fmt.Sprintf("%snotify:%s:%s", keyPrefix, id, slot)
}

var allSlots = []domain.Slot{
	domain.SlotOffer,
	domain.SlotAnswer,
	domain.SlotSharerCandidates,
	domain.SlotViewerCandidates,
}
