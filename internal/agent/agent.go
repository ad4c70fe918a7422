// Package agent runs the two ends of a screen-sharing session: a sharer
// that answers one viewer at a time and a viewer that dials a sharer by
// access code.
package agent

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/negotiation"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"

	"go.uber.org/zap"
)

// TransportFactory builds a fresh transport for one attempt.
type TransportFactory func(role domain.Role) (ports.Transport, error)

// SessionObserver sees every state change of every attempt.
type SessionObserver func(role domain.Role, sessionID string, change negotiation.StateChange)

type Option func(*Agent)

// WithNegotiationDeadline bounds each attempt; zero disables the bound.
func WithNegotiationDeadline(d time.Duration) Option {
	return func(a *Agent) { a.deadline = d }
}

// WithRetryDelay sets the pause between sharer attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Agent) { a.retryDelay = d }
}

func WithMetrics(m ports.MetricsRecorder) Option {
	return func(a *Agent) {
		if m != nil {
			a.metrics = m
		}
	}
}

func WithObserver(fn SessionObserver) Option {
	return func(a *Agent) { a.observer = fn }
}

type Agent struct {
	selfID       domain.PeerID
	presence     ports.PresenceService
	mailbox      ports.MailboxService
	newTransport TransportFactory

	deadline   time.Duration
	retryDelay time.Duration
	metrics    ports.MetricsRecorder
	observer   SessionObserver
	logger     *zap.SugaredLogger
}

func New(
	selfID domain.PeerID,
	presence ports.PresenceService,
	mailbox ports.MailboxService,
	newTransport TransportFactory,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Agent {
	a := &Agent{
		selfID:       selfID,
		presence:     presence,
		mailbox:      mailbox,
		newTransport: newTransport,
		retryDelay:   time.Second,
		metrics:      ports.NopMetrics{},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Share keeps the sharer's presence fresh and answers viewers one at a time
// until ctx is done. The mailbox is cleared on start and after every attempt
// that consumed an offer, so a stale offer is never answered twice.
func (a *Agent) Share(ctx context.Context, meta domain.PeerMetadata, heartbeatInterval time.Duration) error {
	hb := services.NewHeartbeater(a.presence, a.selfID, meta, heartbeatInterval, a.metrics, a.logger)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		hb.Run(ctx)
	}()
	defer func() { <-hbDone }()

	a.clearMailbox(ctx)
	a.logger.Infow("sharing", "peer_id", a.selfID, "access_code", meta.AccessCode)

	for ctx.Err() == nil {
		consumed, err := a.serveOnce(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			a.logger.Warnw("sharing attempt ended", "error", err)
		default:
			a.logger.Infow("viewer session ended")
		}
		if consumed {
			a.clearMailbox(ctx)
		}

		select {
		case <-ctx.Done():
		case <-time.After(a.retryDelay):
		}
	}
	return nil
}

// serveOnce runs one responder attempt to completion. consumed reports
// whether an offer was taken from the mailbox.
func (a *Agent) serveOnce(ctx context.Context) (consumed bool, err error) {
	transport, err := a.newTransport(domain.RoleResponder)
	if err != nil {
		return false, fmt.Errorf("failed to create transport: %w", err)
	}

	coord := negotiation.NewCoordinator(domain.RoleResponder, a.selfID, a.mailbox, transport, a.coordinatorOptions()...)
	if err := coord.StartAsResponder(ctx, a.selfID); err != nil {
		_ = transport.Close()
		return false, err
	}

	outcome := a.follow(coord)
	return outcome.offerApplied, outcome.err
}

// View resolves code and connects to its sharer. It returns when the
// session ends: nil when it ended by ctx after connecting, the attempt's
// failure otherwise.
func (a *Agent) View(ctx context.Context, code string) error {
	code = domain.NormalizeAccessCode(code)
	peer, found, err := a.presence.ResolveByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", code, err)
	}
	if !found {
		return fmt.Errorf("%w: no online sharer with code %s", domain.ErrPeerNotFound, code)
	}
	a.logger.Infow("resolved access code", "code", code, "target_id", peer.ID, "display_name", peer.DisplayName)

	transport, err := a.newTransport(domain.RoleInitiator)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	coord := negotiation.NewCoordinator(domain.RoleInitiator, a.selfID, a.mailbox, transport, a.coordinatorOptions()...)
	if err := coord.StartAsInitiator(ctx, peer.ID); err != nil {
		_ = transport.Close()
		return err
	}

	outcome := a.follow(coord)
	if outcome.connected && ctx.Err() != nil {
		return nil
	}
	if outcome.err == nil && !outcome.connected {
		return domain.ErrAttemptClosed
	}
	return outcome.err
}

type attemptOutcome struct {
	connected    bool
	offerApplied bool
	err          error
}

// follow drains the attempt's state stream until it closes. A disconnect
// ends the attempt; the session is never resumed.
func (a *Agent) follow(coord *negotiation.Coordinator) attemptOutcome {
	var out attemptOutcome
	for change := range coord.States() {
		if a.observer != nil {
			a.observer(coord.Role(), coord.SessionID(), change)
		}
		switch change.State {
		case negotiation.OfferApplied:
			out.offerApplied = true
		case negotiation.Connected:
			out.connected = true
		case negotiation.Disconnected:
			coord.Cancel()
		}
	}
	<-coord.Done()

	out.err = coord.Err()
	return out
}

func (a *Agent) coordinatorOptions() []negotiation.Option {
	return []negotiation.Option{
		negotiation.WithDeadline(a.deadline),
		negotiation.WithMetrics(a.metrics),
		negotiation.WithLogger(a.logger),
	}
}

func (a *Agent) clearMailbox(ctx context.Context) {
	if err := a.mailbox.Clear(ctx, a.selfID); err != nil && ctx.Err() == nil {
		a.logger.Warnw("failed to clear mailbox", "peer_id", a.selfID, "error", err)
	}
}
