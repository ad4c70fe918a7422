package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TransportConfig configures every peer connection built by this package.
type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// ForceRelay restricts ICE to TURN candidates.
	ForceRelay bool
}

// ConfigFromApp converts the application config.
func ConfigFromApp(cfg *config.Config) TransportConfig {
	var tc TransportConfig
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		tc.ICEServers = append(tc.ICEServers, server)
	}
	tc.PortRange.Min = cfg.WebRTC.PortRange.Min
	tc.PortRange.Max = cfg.WebRTC.PortRange.Max
	tc.ForceRelay = cfg.WebRTC.ForceRelay
	return tc
}

// MediaSource supplies the sharer's encoded VP8 video. Capture and encoding
// happen elsewhere.
type MediaSource interface {
	// ReadRTP blocks for the next packet. io.EOF ends the stream.
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
}

// KeyframeRequester is implemented by sources that can produce a keyframe
// on demand in response to a PLI.
type KeyframeRequester interface {
	RequestKeyframe()
}

// PeerTransport adapts one pion PeerConnection to ports.Transport.
type PeerTransport struct {
	pc      *webrtc.PeerConnection
	video   *webrtc.TrackLocalStaticRTP
	gate    *KeyframeGate
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onState     func(domain.TransportState)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewSharerTransport builds the sending side: one VP8 track fed from source.
func NewSharerTransport(cfg TransportConfig, source MediaSource, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (*PeerTransport, error) {
	t, err := newPeerTransport(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"peerlink-screen",
	)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	sender, err := t.pc.AddTrack(video)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}
	t.video = video
	t.gate = NewKeyframeGate()

	requester, _ := source.(KeyframeRequester)
	go t.readSenderRTCP(sender, requester)
	if source != nil {
		go t.pump(source)
	}
	return t, nil
}

// NewViewerTransport builds the receiving side with a recv-only video
// transceiver. onTrack is called for each remote track.
func NewViewerTransport(cfg TransportConfig, onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver), metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (*PeerTransport, error) {
	t, err := newPeerTransport(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}

	if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("remote track started",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go t.readReceiverRTCP(receiver)
		if onTrack != nil {
			onTrack(track, receiver)
		}
	})
	return t, nil
}

func newPeerTransport(cfg TransportConfig, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (*PeerTransport, error) {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(peerConnectionConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &PeerTransport{
		pc:      pc,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	pc.OnICECandidate(t.handleICECandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	return t, nil
}

func peerConnectionConfig(cfg TransportConfig) webrtc.Configuration {
	pcConfig := webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if cfg.ForceRelay {
		pcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return pcConfig
}

// CreateLocalDescription creates an offer or answer for role and sets it as
// the local description. Candidates trickle through OnLocalCandidate.
func (t *PeerTransport) CreateLocalDescription(ctx context.Context, role domain.Role) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	if role == domain.RoleInitiator {
		desc, err = t.pc.CreateOffer(nil)
	} else {
		desc, err = t.pc.CreateAnswer(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s description: %w", role, err)
	}

	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(desc)
}

func (t *PeerTransport) SetRemoteDescription(signal json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(signal, &desc); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *PeerTransport) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

func (t *PeerTransport) OnLocalCandidate(fn func(json.RawMessage)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *PeerTransport) OnConnectionStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *PeerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func (t *PeerTransport) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil {
		return
	}
	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		t.logger.Warnw("failed to encode local candidate", "error", err)
		return
	}

	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (t *PeerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Infow("peer connection state changed", "connection_state", state)

	mapped, ok := mapConnectionState(state)
	if !ok {
		return
	}
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(mapped)
	}
}

func mapConnectionState(state webrtc.PeerConnectionState) (domain.TransportState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.TransportNew, true
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed, true
	}
	return "", false
}

// pump forwards source packets to the video track. Packets before the first
// keyframe are dropped.
func (t *PeerTransport) pump(source MediaSource) {
	for {
		packet, err := source.ReadRTP(t.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				t.logger.Warnw("media source stopped", "error", err)
			}
			return
		}
		if !t.gate.Allow(packet) {
			continue
		}
		if err := t.video.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Warnw("error writing RTP packet to local track", "error", err)
		}
	}
}

// readSenderRTCP drains RTCP so interceptors keep working and turns
// keyframe requests into source keyframes.
func (t *PeerTransport) readSenderRTCP(sender *webrtc.RTPSender, requester KeyframeRequester) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				t.metrics.RTCPFeedback("pli")
				t.logger.Debugw("received PLI", "media_ssrc", p.MediaSSRC)
				if requester != nil {
					requester.RequestKeyframe()
				}
			case *rtcp.FullIntraRequest:
				t.metrics.RTCPFeedback("fir")
				if requester != nil {
					requester.RequestKeyframe()
				}
			case *rtcp.TransportLayerNack:
				t.metrics.RTCPFeedback("nack")
				t.logger.Debugw("received NACK", "nacks", len(p.Nacks))
			case *rtcp.ReceiverReport:
				t.metrics.RTCPFeedback("receiver_report")
				for _, report := range p.Reports {
					t.logger.Debugw("receiver report",
						"ssrc", report.SSRC,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (t *PeerTransport) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				t.metrics.RTCPFeedback("sender_report")
				t.logger.Debugw("received sender report",
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// RequestKeyframe asks the remote sender for a keyframe on every receiving
// track.
func (t *PeerTransport) RequestKeyframe() error {
	var packets []rtcp.Packet
	for _, receiver := range t.pc.GetReceivers() {
		if track := receiver.Track(); track != nil {
			packets = append(packets, &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())})
		}
	}
	if len(packets) == 0 {
		return nil
	}
	return t.pc.WriteRTCP(packets)
}
