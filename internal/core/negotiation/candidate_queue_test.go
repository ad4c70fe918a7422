package negotiation

import (
	"encoding/json"
	"errors"
	"testing"

	"peerlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func cand(key, payload string) domain.Candidate {
	return domain.Candidate{Key: key, Candidate: json.RawMessage(payload)}
}

func TestCandidateQueue_FlushInReceiptOrder(t *testing.T) {
	q := NewCandidateQueue()
	for _, c := range []domain.Candidate{
		cand("3", `{"candidate":"c"}`),
		cand("1", `{"candidate":"a"}`),
		cand("2", `{"candidate":"b"}`),
	} {
		assert.True(t, q.Accept(c))
		q.Enqueue(c)
	}
	assert.Equal(t, 3, q.Len())

	var applied []string
	errs := q.Flush(func(c domain.Candidate) error {
		applied = append(applied, c.Key)
		return nil
	})

	assert.Empty(t, errs)
	assert.Equal(t, []string{"3", "1", "2"}, applied)
	assert.Equal(t, 0, q.Len())
}

func TestCandidateQueue_StructuralDuplicates(t *testing.T) {
	q := NewCandidateQueue()

	assert.True(t, q.Accept(cand("1", `{"candidate":"x","sdpMid":"0"}`)))
	assert.False(t, q.Accept(cand("2", `{ "sdpMid": "0", "candidate": "x" }`)))
	assert.True(t, q.Accept(cand("3", `{"candidate":"x","sdpMid":"1"}`)))
	assert.True(t, q.Accept(cand("4", `not-json`)))
	assert.False(t, q.Accept(cand("5", ` not-json `)))
}

func TestCandidateQueue_FlushContinuesPastErrors(t *testing.T) {
	q := NewCandidateQueue()
	q.Enqueue(cand("1", `{}`))
	q.Enqueue(cand("2", `{}`))

	calls := 0
	errs := q.Flush(func(domain.Candidate) error {
		calls++
		return errors.New("bad candidate")
	})
	assert.Equal(t, 2, calls)
	assert.Len(t, errs, 2)

	assert.Empty(t, q.Flush(func(domain.Candidate) error {
		t.Fatal("queue should be empty")
		return nil
	}))
}
