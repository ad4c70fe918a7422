package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSignalBytes bounds one session description or candidate payload.
const MaxSignalBytes = 64 * 1024

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// AccessCodeRegex accepts normalized XXX-XXX codes.
	AccessCodeRegex = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}$`)
)

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateAccessCode expects an already normalized code.
func ValidateAccessCode(code string) error {
	if code == "" {
		return fmt.Errorf("access code is required")
	}
	if !AccessCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid access code format (expected XXX-XXX)")
	}
	return nil
}

// ValidateDisplayName validates the human-readable peer label.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(name), 1, 100, "display name")
}

// ValidateSignalPayload checks that an opaque signaling payload is a
// bounded JSON object. Its contents are not interpreted.
func ValidateSignalPayload(payload json.RawMessage, fieldName string) error {
	if len(payload) == 0 {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(payload) > MaxSignalBytes {
		return fmt.Errorf("%s is too large (max %d bytes)", fieldName, MaxSignalBytes)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("%s must be a JSON object", fieldName)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
