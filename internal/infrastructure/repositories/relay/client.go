package relay

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/config"
	"peerlink/pkg/errors"
	"peerlink/pkg/tracing"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ErrNotEnrolled is returned by calls that need a peer token before Enroll
// has succeeded.
var ErrNotEnrolled = stderrors.New("relay client has not enrolled a peer")

// Client reaches the store through a relay service. It serves both as the
// agent's presence service and as its mailbox repository.
type Client struct {
	base    *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	peerID domain.PeerID
	token  string
}

func NewClient(cfg *config.Config, logger *zap.SugaredLogger) (*Client, error) {
	if err := validation.ValidateURL(cfg.Relay.URL); err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", cfg.Relay.URL, err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.Relay.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", cfg.Relay.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay url must be http or https, got %q", base.Scheme)
	}

	bc := circuitbreaker.DefaultConfig()
	bc.FailureThreshold = cfg.Relay.BreakerMaxFail
	if cfg.Relay.BreakerReset > 0 {
		bc.Timeout = cfg.Relay.BreakerReset
	}
	// Rejections are answers; only an unreachable relay trips the breaker.
	bc.IsFailure = func(err error) bool {
		return stderrors.Is(err, domain.ErrStoreUnavailable)
	}
	breaker := circuitbreaker.New(bc)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("relay circuit breaker state changed", "from", from.String(), "to", to.String())
	})

	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Relay.RequestTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.Relay.RequestTimeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// PeerID returns the enrolled peer, or "" before Enroll.
func (c *Client) PeerID() domain.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

func (c *Client) credentials() (domain.PeerID, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID, c.token
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do sends one request through the breaker and decodes a 2xx JSON body into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "relay", strings.ToLower(method))
	defer span.End()
	span.SetAttributes(attribute.String("http.target", path))

	err := c.breaker.Execute(ctx, func() error {
		return c.roundTrip(ctx, method, path, in, out)
	})
	err = openAsUnavailable(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func openAsUnavailable(err error) error {
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if _, token := c.credentials(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.StoreUnavailable(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError maps a relay error response back onto the domain sentinel
// the relay derived it from.
func decodeError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&eb)
	msg := utils.TruncateString(eb.Message, 256)
	if msg == "" {
		msg = resp.Status
	}

	switch errors.ErrorCode(eb.Error) {
	case errors.ErrCodeNotFound:
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, msg)
	case errors.ErrCodeConflict:
		return fmt.Errorf("%w: %s", domain.ErrCandidateKeyExists, msg)
	case errors.ErrCodeServiceUnavailable:
		return fmt.Errorf("%w: relay: %s", domain.ErrStoreUnavailable, msg)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: relay returned %s", domain.ErrStoreUnavailable, resp.Status)
	}
	code := errors.ErrorCode(eb.Error)
	if code == "" {
		code = errors.ErrCodeInternal
	}
	return errors.NewAppError(code, msg, resp.StatusCode)
}

func peerPath(id domain.PeerID) string {
	return url.PathEscape(string(id))
}

// wsURL turns an API path into a websocket URL carrying the peer token.
func (c *Client) wsURL(path string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if _, token := c.credentials(); token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}
