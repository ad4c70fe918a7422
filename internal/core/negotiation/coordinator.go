package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"
	"peerlink/pkg/utils"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// stateBuffer exceeds the longest legal path so emitting never blocks.
const stateBuffer = 16

const localCandidateBuffer = 64

type Option func(*Coordinator)

// WithDeadline fails the attempt with ErrNegotiationTimeout when no
// connection is established within d. Zero disables it.
func WithDeadline(d time.Duration) Option {
	return func(c *Coordinator) { c.deadline = d }
}

func WithMetrics(m ports.MetricsRecorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Coordinator runs a single negotiation attempt for one role. Mailbox writes
// happen outside the mutex; every transport mutation and every change to
// the attempt state happens under it.
type Coordinator struct {
	role      domain.Role
	selfID    domain.PeerID
	mailbox   ports.MailboxService
	transport ports.Transport
	deadline  time.Duration
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger

	mu             sync.Mutex
	state          State
	started        bool
	targetID       domain.PeerID
	sessionID      string
	startedAt      time.Time
	remote         json.RawMessage
	queue          *CandidateQueue
	transportState domain.TransportState
	err            error

	ctx        context.Context
	cancel     context.CancelFunc
	stopDesc   context.CancelFunc
	stopParent func() bool
	timer      *time.Timer
	spanCtx    context.Context
	span       trace.Span

	states      chan StateChange
	localCands  chan json.RawMessage
	done        chan struct{}
	releaseOnce sync.Once
}

func NewCoordinator(role domain.Role, selfID domain.PeerID, mailbox ports.MailboxService, transport ports.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		role:       role,
		selfID:     selfID,
		mailbox:    mailbox,
		transport:  transport,
		metrics:    ports.NopMetrics{},
		logger:     zap.NewNop().Sugar(),
		state:      Idle,
		queue:      NewCandidateQueue(),
		states:     make(chan StateChange, stateBuffer),
		localCands: make(chan json.RawMessage, localCandidateBuffer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Role() domain.Role { return c.role }

// States streams every transition. It is closed after Closed or Failed.
func (c *Coordinator) States() <-chan StateChange { return c.states }

// Done is closed once the attempt is over and its transport released.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure reason once the attempt has failed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// StartAsInitiator publishes an offer into targetID's mailbox and waits for
// the answer. The attempt lives until ctx is done or Cancel is called.
func (c *Coordinator) StartAsInitiator(ctx context.Context, targetID domain.PeerID) error {
	if err := c.start(ctx, domain.RoleInitiator, targetID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return domain.ErrAttemptClosed
	}
	offer, err := c.transport.CreateLocalDescription(c.ctx, domain.RoleInitiator)
	if err != nil {
		return c.failUnlock(fmt.Errorf("%w: create offer: %w", domain.ErrTransportFailure, err))
	}
	c.transitionLocked(OfferCreated)
	desc := &domain.SessionDescription{Signal: offer, SenderID: c.selfID, SessionID: c.sessionID}
	c.mu.Unlock()

	if err := c.mailbox.PutOffer(c.ctx, targetID, desc); err != nil {
		if c.ctx.Err() != nil {
			return domain.ErrAttemptClosed
		}
		c.fail(fmt.Errorf("publish offer: %w", err))
		return c.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transitionLocked(OfferSent) || !c.transitionLocked(WaitingForAnswer) {
		return domain.ErrAttemptClosed
	}
	c.startWatchesLocked(domain.SlotAnswer)
	return nil
}

// StartAsResponder watches targetID's mailbox for an offer and answers the
// first one. targetID is normally the responder's own ID.
func (c *Coordinator) StartAsResponder(ctx context.Context, targetID domain.PeerID) error {
	if err := c.start(ctx, domain.RoleResponder, targetID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transitionLocked(WaitingForOffer) {
		return domain.ErrAttemptClosed
	}
	c.startWatchesLocked(domain.SlotOffer)
	return nil
}

func (c *Coordinator) start(ctx context.Context, role domain.Role, targetID domain.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state.Terminal():
		return domain.ErrAttemptClosed
	case c.started:
		return domain.ErrAttemptStarted
	case c.role != role:
		return fmt.Errorf("coordinator for %s cannot start as %s", c.role, role)
	case targetID == "":
		return fmt.Errorf("target peer ID is required")
	}

	c.started = true
	c.targetID = targetID
	c.startedAt = time.Now()
	if role == domain.RoleInitiator {
		c.sessionID = utils.GenerateSessionID()
	}

	c.spanCtx, c.span = tracing.TraceNegotiation(ctx, string(role), string(c.selfID), string(targetID), c.sessionID)
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(c.spanCtx))
	c.stopParent = context.AfterFunc(ctx, c.Cancel)
	if c.deadline > 0 {
		c.timer = time.AfterFunc(c.deadline, c.onDeadline)
	}

	c.transport.OnLocalCandidate(c.OnLocalCandidateGenerated)
	c.transport.OnConnectionStateChange(c.onTransportState)
	go c.publishLocalCandidates()

	c.logger.Infow("negotiation started",
		"role", role,
		"peer_id", c.selfID,
		"target_id", targetID,
		"session_id", c.sessionID,
	)
	return nil
}

// startWatchesLocked watches the remote description slot and the remote
// candidate list. The description watch stops once a description is applied.
func (c *Coordinator) startWatchesLocked(descSlot domain.Slot) {
	descCtx, stop := context.WithCancel(c.ctx)
	c.stopDesc = stop

	go c.watchDescription(descCtx, descSlot)
	go c.watchCandidates(c.ctx, c.role.Direction().Opposite().Slot())
}

func (c *Coordinator) watchDescription(ctx context.Context, slot domain.Slot) {
	for u := range c.mailbox.Watch(ctx, c.targetID, slot) {
		if u.Err != nil {
			c.onDescriptionWatchFailed(slot, u.Err)
			return
		}
		if u.Value.Description == nil {
			continue
		}
		if err := c.ApplyRemoteDescription(*u.Value.Description); err != nil {
			c.logger.Debugw("remote description not applied",
				"role", c.role,
				"slot", slot,
				"error", err,
			)
		}
	}
}

func (c *Coordinator) watchCandidates(ctx context.Context, slot domain.Slot) {
	seen := make(map[string]struct{})
	for u := range c.mailbox.Watch(ctx, c.targetID, slot) {
		if u.Err != nil {
			c.logger.Debugw("candidate watch ended",
				"role", c.role,
				"slot", slot,
				"error", u.Err,
			)
			return
		}
		for _, cand := range u.Value.Candidates {
			if _, ok := seen[cand.Key]; ok {
				continue
			}
			seen[cand.Key] = struct{}{}
			c.OfferRemoteCandidate(cand)
		}
	}
}

func (c *Coordinator) onDescriptionWatchFailed(slot domain.Slot, err error) {
	c.mu.Lock()
	if c.state != WaitingForAnswer && c.state != WaitingForOffer {
		c.mu.Unlock()
		return
	}
	c.failUnlock(fmt.Errorf("waiting for %s: %w", slot, err))
}

// ApplyRemoteDescription sets the remote description once. Re-delivery of
// the same description is a no-op; a different one after the first is
// suppressed. On the responder side the answer is created and published.
func (c *Coordinator) ApplyRemoteDescription(desc domain.SessionDescription) error {
	c.mu.Lock()

	switch {
	case c.state.Terminal():
		c.mu.Unlock()
		return domain.ErrAttemptClosed
	case !c.started:
		c.mu.Unlock()
		return fmt.Errorf("negotiation not started")
	}

	if c.remote != nil {
		if canonical(c.remote) != canonical(desc.Signal) {
			c.logger.Debugw("remote description ignored",
				"role", c.role,
				"session_id", c.sessionID,
				"error", domain.ErrDuplicateSuppressed,
			)
		}
		c.mu.Unlock()
		return nil
	}

	if c.role == domain.RoleInitiator && desc.SessionID != "" && desc.SessionID != c.sessionID {
		c.logger.Debugw("stale answer ignored",
			"session_id", c.sessionID,
			"answer_session_id", desc.SessionID,
		)
		c.mu.Unlock()
		return nil
	}

	waiting, applied := WaitingForAnswer, AnswerApplied
	if c.role == domain.RoleResponder {
		waiting, applied = WaitingForOffer, OfferApplied
	}
	if c.state != waiting {
		c.mu.Unlock()
		return fmt.Errorf("remote description arrived in state %s", c.state)
	}

	if err := c.transport.SetRemoteDescription(desc.Signal); err != nil {
		return c.failUnlock(fmt.Errorf("%w: set remote description: %w", domain.ErrTransportFailure, err))
	}
	c.remote = desc.Signal
	if c.stopDesc != nil {
		c.stopDesc()
	}
	if c.role == domain.RoleResponder && desc.SessionID != "" {
		c.sessionID = desc.SessionID
		tracing.AddSpanAttributes(c.spanCtx, tracing.SessionIDKey.String(c.sessionID))
	}
	c.transitionLocked(applied)
	c.flushLocked()

	if c.role == domain.RoleInitiator {
		c.applyTransportLocked()
		c.mu.Unlock()
		return nil
	}

	answer, err := c.transport.CreateLocalDescription(c.ctx, domain.RoleResponder)
	if err != nil {
		return c.failUnlock(fmt.Errorf("%w: create answer: %w", domain.ErrTransportFailure, err))
	}
	c.transitionLocked(AnswerCreated)
	out := &domain.SessionDescription{Signal: answer, SenderID: c.selfID, SessionID: c.sessionID}
	c.mu.Unlock()

	if err := c.mailbox.PutAnswer(c.ctx, c.targetID, out); err != nil {
		if c.ctx.Err() != nil {
			return domain.ErrAttemptClosed
		}
		c.fail(fmt.Errorf("publish answer: %w", err))
		return c.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transitionLocked(AnswerSent) {
		c.applyTransportLocked()
	}
	return nil
}

// OfferRemoteCandidate applies c now if the remote description is set and
// queues it otherwise. Structural duplicates are dropped.
func (c *Coordinator) OfferRemoteCandidate(cand domain.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() || !c.started {
		return
	}
	if !c.queue.Accept(cand) {
		c.metrics.CandidateDuplicate(string(c.role))
		c.logger.Debugw("duplicate candidate ignored",
			"role", c.role,
			"key", cand.Key,
		)
		return
	}
	if !c.state.HasRemoteDescription() {
		c.queue.Enqueue(cand)
		c.metrics.CandidateQueued(string(c.role))
		return
	}
	if err := c.applyCandidateLocked(cand); err != nil {
		c.logger.Warnw("failed to apply remote candidate",
			"role", c.role,
			"key", cand.Key,
			"error", err,
		)
	}
}

// OnLocalCandidateGenerated hands a local candidate to the publisher. Local
// candidates are never queued behind the remote description.
func (c *Coordinator) OnLocalCandidateGenerated(candidate json.RawMessage) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	select {
	case c.localCands <- candidate:
	case <-ctx.Done():
	}
}

func (c *Coordinator) publishLocalCandidates() {
	dir := c.role.Direction()
	for {
		select {
		case <-c.ctx.Done():
			return
		case raw := <-c.localCands:
			c.mu.Lock()
			sessionID := c.sessionID
			c.mu.Unlock()

			cand := &domain.Candidate{Candidate: raw, SessionID: sessionID}
			if err := c.mailbox.AppendCandidate(c.ctx, c.targetID, dir, cand); err != nil && c.ctx.Err() == nil {
				c.logger.Warnw("failed to publish local candidate",
					"role", c.role,
					"target_id", c.targetID,
					"error", err,
				)
			}
		}
	}
}

// Cancel closes the transport, stops every watch and moves to Closed. It is
// safe to call more than once.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.finishLocked(Closed, nil)
	c.mu.Unlock()
	c.release()
}

func (c *Coordinator) onTransportState(ts domain.TransportState) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.transportState = ts

	switch ts {
	case domain.TransportFailed:
		c.failUnlock(fmt.Errorf("%w: connection %s", domain.ErrTransportFailure, ts))
		return
	case domain.TransportClosed:
		c.finishLocked(Closed, nil)
		c.mu.Unlock()
		c.release()
		return
	}
	c.applyTransportLocked()
	c.mu.Unlock()
}

// applyTransportLocked folds the latest transport state into the attempt
// once the local side has finished its half of the exchange.
func (c *Coordinator) applyTransportLocked() {
	switch c.transportState {
	case domain.TransportConnecting:
		if c.state == AnswerApplied || c.state == AnswerSent {
			c.transitionLocked(Negotiating)
		}
	case domain.TransportConnected:
		switch c.state {
		case AnswerApplied, AnswerSent, Negotiating:
			c.transitionLocked(Connected)
			if c.timer != nil {
				c.timer.Stop()
			}
		}
	case domain.TransportDisconnected:
		if c.state == Connected {
			c.transitionLocked(Disconnected)
		}
	}
}

func (c *Coordinator) onDeadline() {
	c.mu.Lock()
	switch c.state {
	case Connected, Disconnected, Closed, Failed:
		c.mu.Unlock()
		return
	}
	c.failUnlock(fmt.Errorf("%w: not connected within %s", domain.ErrNegotiationTimeout, c.deadline))
}

func (c *Coordinator) flushLocked() {
	errs := c.queue.Flush(c.applyCandidateLocked)
	for _, err := range errs {
		c.logger.Warnw("failed to apply queued candidate",
			"role", c.role,
			"error", err,
		)
	}
}

func (c *Coordinator) applyCandidateLocked(cand domain.Candidate) error {
	if cand.SessionID != "" && c.sessionID != "" && cand.SessionID != c.sessionID {
		c.logger.Debugw("stale candidate ignored",
			"role", c.role,
			"key", cand.Key,
			"candidate_session_id", cand.SessionID,
		)
		return nil
	}
	if err := c.transport.AddRemoteCandidate(cand.Candidate); err != nil {
		return fmt.Errorf("candidate %s: %w", cand.Key, err)
	}
	c.metrics.CandidateApplied(string(c.role))
	return nil
}

func (c *Coordinator) transitionLocked(next State) bool {
	if !c.state.CanTransitionTo(next) {
		c.logger.Debugw("transition rejected",
			"role", c.role,
			"from", c.state,
			"to", next,
		)
		return false
	}
	c.state = next
	c.emitLocked(StateChange{State: next, At: time.Now()})
	return true
}

func (c *Coordinator) finishLocked(s State, err error) bool {
	if c.state.Terminal() {
		return false
	}
	c.err = err
	if !c.transitionLocked(s) {
		return false
	}
	close(c.states)
	return true
}

func (c *Coordinator) emitLocked(change StateChange) {
	if change.State == Failed {
		change.Err = c.err
	}
	select {
	case c.states <- change:
	default:
		c.logger.Warnw("state stream full, dropping transition", "state", change.State)
	}

	c.metrics.StateTransition(string(c.role), change.State.String())
	if c.spanCtx != nil {
		tracing.AddEvent(c.spanCtx, "state", tracing.StateKey.String(change.State.String()))
	}

	fields := []interface{}{
		"role", c.role,
		"target_id", c.targetID,
		"session_id", c.sessionID,
		"state", change.State,
	}
	if change.Err != nil {
		c.logger.Warnw("negotiation failed", append(fields, "error", change.Err)...)
		return
	}
	c.logger.Infow("negotiation state changed", fields...)
}

// failUnlock moves to Failed, releases the mutex and tears the attempt down.
// It returns the recorded failure.
func (c *Coordinator) failUnlock(err error) error {
	c.finishLocked(Failed, err)
	reason := c.err
	c.mu.Unlock()
	c.release()
	if reason == nil {
		return domain.ErrAttemptClosed
	}
	return reason
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.failUnlock(err)
}

// release runs once, after the attempt has reached a terminal state.
func (c *Coordinator) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		cancel, stopParent, timer := c.cancel, c.stopParent, c.timer
		state, err, startedAt := c.state, c.err, c.startedAt
		span, spanCtx := c.span, c.spanCtx
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if stopParent != nil {
			stopParent()
		}
		if timer != nil {
			timer.Stop()
		}
		if err := c.transport.Close(); err != nil {
			c.logger.Warnw("failed to close transport", "role", c.role, "error", err)
		}

		if !startedAt.IsZero() {
			c.metrics.NegotiationFinished(string(c.role), strings.ToLower(state.String()), time.Since(startedAt))
		}
		if span != nil {
			if err != nil && !errors.Is(err, context.Canceled) {
				tracing.RecordError(spanCtx, err)
			}
			span.End()
		}
		close(c.done)
	})
}
