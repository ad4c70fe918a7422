package webrtc

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// KeyframeGate drops VP8 packets until the start of a keyframe so a fresh
// viewer never receives inter frames it cannot decode. Reset closes it again.
type KeyframeGate struct {
	mu   sync.Mutex
	open bool
}

func NewKeyframeGate() *KeyframeGate {
	return &KeyframeGate{}
}

// Allow reports whether packet may be forwarded.
func (g *KeyframeGate) Allow(packet *rtp.Packet) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open {
		return true
	}
	if IsVP8KeyframeStart(packet) {
		g.open = true
		return true
	}
	return false
}

func (g *KeyframeGate) Reset() {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
}

// IsVP8KeyframeStart reports whether packet carries the first partition of
// a VP8 keyframe.
func IsVP8KeyframeStart(packet *rtp.Packet) bool {
	if packet == nil || len(packet.Payload) == 0 {
		return false
	}

	var vp8 codecs.VP8Packet
	payload, err := vp8.Unmarshal(packet.Payload)
	if err != nil || len(payload) == 0 {
		return false
	}
	if vp8.S != 1 || vp8.PID != 0 {
		return false
	}
	// P bit of the VP8 frame tag is 0 for keyframes.
	return payload[0]&0x01 == 0
}
