package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"peerlink/internal/infrastructure/repositories/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_RecordsNegotiationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.StateTransition("initiator", "WaitingForAnswer")
	p.StateTransition("initiator", "WaitingForAnswer")
	p.NegotiationFinished("initiator", "failed", 3*time.Second)
	p.CandidateQueued("responder")
	p.CandidateApplied("responder")
	p.CandidateDuplicate("responder")
	p.HeartbeatSent(true)
	p.HeartbeatSent(false)
	p.PollCompleted("answer", false)
	p.RTCPFeedback("pli")
	p.RecordHTTPRequest("/api/v1/peers", 201)
	p.RecordHTTPRequest("/api/v1/peers", 404)
	p.StreamOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(p.stateTransitions.WithLabelValues("initiator", "WaitingForAnswer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.negotiationsTotal.WithLabelValues("initiator", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.candidatesTotal.WithLabelValues("responder", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.heartbeatsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.pollsTotal.WithLabelValues("answer", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.httpRequestsTotal.WithLabelValues("/api/v1/peers", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.httpRequestsTotal.WithLabelValues("/api/v1/peers", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.wsStreamsActive))

	p.StreamClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(p.wsStreamsActive))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddPeerRepositoryCheck(memory.NewMemoryPeerRepository(), time.Second)
	assert.Equal(t, "healthy", h.CheckAll(context.Background()).Status)

	h.AddCheck("broken", func(context.Context) error { return errors.New("down") }, 0)
	status := h.CheckAll(context.Background())

	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["peer_repository"])
	assert.Equal(t, "down", status.Checks["broken"])
}

func TestHealthChecker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker()
	h.AddRedisCheck(client, time.Second)
	require.Equal(t, "healthy", h.CheckAll(context.Background()).Status)

	mr.Close()
	assert.Equal(t, "unhealthy", h.CheckAll(context.Background()).Status)
}
