package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// AccessCodeAlphabet omits characters that are easy to misread (I, O, 0, 1).
const AccessCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePeerID returns a fresh peer identifier of the form PC-<12 hex>.
func GeneratePeerID() string {
	id := uuid.New()
	return "PC-" + strings.ToUpper(hex.EncodeToString(id[:6]))
}

// GenerateSessionID identifies one negotiation attempt.
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", Now().UnixNano(), hex.EncodeToString(b))
}

// GenerateAccessCode returns a human-typeable XXX-XXX code.
func GenerateAccessCode() string {
	var sb strings.Builder
	max := big.NewInt(int64(len(AccessCodeAlphabet)))
	for i := 0; i < 6; i++ {
		if i == 3 {
			sb.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
		}
		sb.WriteByte(AccessCodeAlphabet[n.Int64()])
	}
	return sb.String()
}

var sequence atomic.Uint64

// SequenceKey returns a key that sorts lexically in creation order within
// one process and is unique across processes with overwhelming probability.
func SequenceKey() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%019d-%06d-%s", Now().UnixNano(), sequence.Add(1)%1_000_000, hex.EncodeToString(b))
}
