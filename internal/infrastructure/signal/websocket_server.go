package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types sent on a slot stream.
const (
	MessageUpdate = "update"
	MessageError  = "error"
)

// StreamMessage is one frame of a slot stream. An error frame is the last
// frame before the server closes the stream.
type StreamMessage struct {
	Type  string            `json:"type"`
	Value *domain.SlotValue `json:"value,omitempty"`
	Code  errors.ErrorCode  `json:"code,omitempty"`
	Error string            `json:"error,omitempty"`
}

// StreamObserver is told when streams open and close.
type StreamObserver interface {
	StreamOpened()
	StreamClosed()
}

type nopObserver struct{}

func (nopObserver) StreamOpened() {}
func (nopObserver) StreamClosed() {}

// WebSocketServer pushes mailbox slot changes to remote agents that cannot
// subscribe to the store directly.
type WebSocketServer struct {
	mailbox  ports.MailboxService
	upgrader websocket.Upgrader
	observer StreamObserver

	active        int
	maxConcurrent int
	mu            sync.Mutex

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64

	logger *zap.SugaredLogger
}

func NewWebSocketServer(mailbox ports.MailboxService, observer StreamObserver, logger *zap.SugaredLogger) *WebSocketServer {
	if observer == nil {
		observer = nopObserver{}
	}
	return &WebSocketServer{
		mailbox:  mailbox,
		observer: observer,
		upgrader: websocket.Upgrader{
			// Agents are not browsers; ownership is checked by token, not origin.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingInterval:   20 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessageSize: 4096,
		logger:         logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
}

// SetMaxMessageSize bounds frames read from the client.
func (s *WebSocketServer) SetMaxMessageSize(n int64) {
	if n > 0 {
		s.maxMessageSize = n
	}
}

// SetMaxConcurrent caps open streams; 0 means unlimited.
func (s *WebSocketServer) SetMaxConcurrent(n int) {
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
}

// ActiveStreams returns the number of open streams.
func (s *WebSocketServer) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *WebSocketServer) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxConcurrent > 0 && s.active >= s.maxConcurrent {
		return false
	}
	s.active++
	s.observer.StreamOpened()
	return true
}

func (s *WebSocketServer) releaseSlot() {
	s.mu.Lock()
	s.active--
	s.observer.StreamClosed()
	s.mu.Unlock()
}

// ServeSlot upgrades the request and streams every change of peerID's slot
// until the client goes away or the watch ends.
func (s *WebSocketServer) ServeSlot(w http.ResponseWriter, r *http.Request, peerID domain.PeerID, slot domain.Slot) {
	if !s.acquire() {
		http.Error(w, "too many concurrent streams", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseSlot()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Infow("slot stream opened", "peer_id", peerID, "slot", slot)
	defer s.logger.Infow("slot stream closed", "peer_id", peerID, "slot", slot)

	conn.SetReadLimit(s.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	// The reader only services control frames; it cancels the stream when
	// the client disconnects or stops answering pings.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debugw("slot stream read ended", "peer_id", peerID, "error", err)
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	updates := s.mailbox.Watch(ctx, peerID, slot)
	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debugw("error sending ping", "peer_id", peerID, "error", err)
				return
			}

		case u, ok := <-updates:
			if !ok {
				return
			}
			msg := StreamMessage{Type: MessageUpdate}
			if u.Err != nil {
				appErr := errors.FromDomain(u.Err)
				msg = StreamMessage{Type: MessageError, Code: appErr.Code, Error: u.Err.Error()}
			} else {
				value := u.Value
				msg.Value = &value
			}

			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debugw("error writing slot update", "peer_id", peerID, "error", err)
				return
			}
			if msg.Type == MessageError {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(msg.Code)),
					time.Now().Add(s.writeTimeout))
				return
			}
		}
	}
}
