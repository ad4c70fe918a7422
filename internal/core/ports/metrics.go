package ports

import "time"

// MetricsRecorder receives operational counters from the core. Labels are
// low-cardinality strings (roles, states, slots, outcomes); never peer IDs.
type MetricsRecorder interface {
	HeartbeatSent(ok bool)
	StoreError(op string)
	PollCompleted(slot string, changed bool)
	StateTransition(role, state string)
	NegotiationFinished(role, outcome string, elapsed time.Duration)
	CandidateQueued(role string)
	CandidateApplied(role string)
	CandidateDuplicate(role string)
	RTCPFeedback(kind string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) HeartbeatSent(bool)                               {}
func (NopMetrics) StoreError(string)                                {}
func (NopMetrics) PollCompleted(string, bool)                       {}
func (NopMetrics) StateTransition(string, string)                   {}
func (NopMetrics) NegotiationFinished(string, string, time.Duration) {}
func (NopMetrics) CandidateQueued(string)                           {}
func (NopMetrics) CandidateApplied(string)                          {}
func (NopMetrics) CandidateDuplicate(string)                        {}
func (NopMetrics) RTCPFeedback(string)                              {}
