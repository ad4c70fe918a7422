package negotiation

import (
	"bytes"
	"encoding/json"

	"peerlink/internal/core/domain"
)

// CandidateQueue buffers remote candidates until the remote description is
// set and remembers every payload it has accepted so repeats are dropped.
// It is not safe for concurrent use; the coordinator serializes access.
type CandidateQueue struct {
	pending []domain.Candidate
	seen    map[string]struct{}
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{seen: make(map[string]struct{})}
}

// Accept records c and reports whether it is new. Equality is structural on
// the candidate payload; key and timestamp are ignored.
func (q *CandidateQueue) Accept(c domain.Candidate) bool {
	k := canonical(c.Candidate)
	if _, dup := q.seen[k]; dup {
		return false
	}
	q.seen[k] = struct{}{}
	return true
}

// Enqueue appends an accepted candidate to the pending list.
func (q *CandidateQueue) Enqueue(c domain.Candidate) {
	q.pending = append(q.pending, c)
}

// Len returns the number of pending candidates.
func (q *CandidateQueue) Len() int {
	return len(q.pending)
}

// Flush hands every pending candidate to apply in receipt order and empties
// the queue. Errors from apply do not stop the flush.
func (q *CandidateQueue) Flush(apply func(domain.Candidate) error) []error {
	pending := q.pending
	q.pending = nil

	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// canonical re-encodes JSON so that field order and whitespace do not
// affect equality. Payloads that are not JSON compare byte-wise.
func canonical(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
