// Package negotiation drives one side of an offer/answer/candidate exchange
// over a signaling mailbox.
package negotiation

import (
	"fmt"
	"time"
)

// State is the position of one negotiation attempt.
type State int

const (
	Idle State = iota
	OfferCreated
	OfferSent
	WaitingForAnswer
	AnswerApplied
	WaitingForOffer
	OfferApplied
	AnswerCreated
	AnswerSent
	Negotiating
	Connected
	Disconnected
	Closed
	Failed
)

var stateNames = [...]string{
	Idle:             "Idle",
	OfferCreated:     "OfferCreated",
	OfferSent:        "OfferSent",
	WaitingForAnswer: "WaitingForAnswer",
	AnswerApplied:    "AnswerApplied",
	WaitingForOffer:  "WaitingForOffer",
	OfferApplied:     "OfferApplied",
	AnswerCreated:    "AnswerCreated",
	AnswerSent:       "AnswerSent",
	Negotiating:      "Negotiating",
	Connected:        "Connected",
	Disconnected:     "Disconnected",
	Closed:           "Closed",
	Failed:           "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// HasRemoteDescription reports whether the remote description has been
// applied in this state. Candidates are only handed to the transport then.
func (s State) HasRemoteDescription() bool {
	switch s {
	case AnswerApplied, OfferApplied, AnswerCreated, AnswerSent, Negotiating, Connected, Disconnected:
		return true
	}
	return false
}

// transitions lists every legal successor. Closed and Failed are reachable
// from every non-terminal state and are added in init.
var transitions = map[State][]State{
	Idle:             {OfferCreated, WaitingForOffer},
	OfferCreated:     {OfferSent},
	OfferSent:        {WaitingForAnswer},
	WaitingForAnswer: {AnswerApplied},
	AnswerApplied:    {Negotiating, Connected},
	WaitingForOffer:  {OfferApplied},
	OfferApplied:     {AnswerCreated},
	AnswerCreated:    {AnswerSent},
	AnswerSent:       {Negotiating, Connected},
	Negotiating:      {Connected},
	Connected:        {Disconnected},
	Disconnected:     {},
	Closed:           {},
	Failed:           {},
}

func init() {
	for s, next := range transitions {
		if !s.Terminal() {
			transitions[s] = append(next, Closed, Failed)
		}
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// StateChange is one element of the coordinator's state stream.
type StateChange struct {
	State State
	At    time.Time
	// Err is set on the Failed transition.
	Err error
}
