package domain

import "errors"

var (
	ErrPeerNotFound        = errors.New("peer not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrNegotiationTimeout  = errors.New("negotiation timeout")
	ErrTransportFailure    = errors.New("transport failure")
	ErrDuplicateSuppressed = errors.New("duplicate suppressed")
	ErrAttemptStarted      = errors.New("negotiation attempt already started")
	ErrAttemptClosed       = errors.New("negotiation attempt closed")
	ErrInvalidSlot         = errors.New("invalid mailbox slot")
	ErrCandidateKeyExists  = errors.New("candidate key already exists")
)
