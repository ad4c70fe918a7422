package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/internal/agent"
	"peerlink/internal/core/delivery"
	"peerlink/internal/core/domain"
	"peerlink/internal/core/negotiation"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/repositories"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"
	"peerlink/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `usage:
  agent share [--name NAME] [--ivf FILE] [flags]
  agent view  --code XXX-XXX [--record FILE] [flags]`

func main() {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		fs.PrintDefaults()
	}

	var (
		configPath = fs.StringP("config", "c", "configs/agent.yaml", "path to the agent configuration file")
		store      = fs.StringP("store", "s", "", "store backend override: memory, redis or relay")
		relayURL   = fs.String("relay-url", "", "relay base URL override")
		logLevel   = fs.StringP("log-level", "l", "", "log level override")
		name       = fs.StringP("name", "n", "", "display name announced by share mode")
		code       = fs.String("code", "", "access code to view")
		ivfPath    = fs.String("ivf", "", "VP8 IVF file to stream in share mode")
		loopIVF    = fs.Bool("loop", true, "restart the IVF file at its end")
		recordPath = fs.String("record", "", "write the received stream to this IVF file in view mode")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	mode := fs.Arg(0)
	if mode != "share" && mode != "view" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}
	if *store != "" {
		cfg.Store.Backend = *store
		cfg.Redis.Enabled = *store == "redis" || cfg.Redis.Enabled
	}
	if *relayURL != "" {
		cfg.Relay.URL = *relayURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	zapLogger := logger.NewDevelopment(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if cfgErr != nil {
		log.Warnw("using default configuration", "path", *configPath, "error", cfgErr)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.ServiceName = "peerlink-agent"
	tcfg.JaegerURL = cfg.Tracing.JaegerEndpoint
	tcfg.SampleRate = cfg.Tracing.SamplingRate
	tp, err := tracing.Init(tcfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = tp.Shutdown(flushCtx)
	}()

	metrics := monitoring.NewPrometheusCollector(prometheus.NewRegistry())

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	if cfg.Store.Backend == "memory" {
		log.Warn("memory store only connects agents inside this process")
	}

	meta := domain.PeerMetadata{DisplayName: *name}
	if meta.DisplayName == "" {
		meta.DisplayName, _ = os.Hostname()
	}
	if mode == "share" {
		meta.AccessCode = utils.GenerateAccessCode()
	}

	selfID := domain.PeerID(utils.GeneratePeerID())
	heartbeat := cfg.Presence.HeartbeatInterval
	if client := repoFactory.RelayClient(); client != nil {
		enrollment, err := client.Enroll(ctx, meta)
		if err != nil {
			log.Fatalw("failed to enroll with relay", "error", err)
		}
		selfID = enrollment.PeerID
		if enrollment.HeartbeatInterval > 0 {
			heartbeat = enrollment.HeartbeatInterval
		}
	}

	strategy, err := delivery.New(cfg, metrics, log)
	if err != nil {
		log.Fatalw("invalid delivery configuration", "error", err)
	}
	mailbox := services.NewMailboxService(repoFactory.CreateSignalRepository(), strategy, metrics, log)
	presence := repoFactory.CreatePresenceService()

	transports, closeMedia, err := transportFactory(cfg, *ivfPath, *loopIVF, *recordPath, metrics, log)
	if err != nil {
		log.Fatalw("failed to prepare media", "error", err)
	}
	defer closeMedia()

	deadline := time.Duration(0)
	if cfg.Delivery.Mode == delivery.ModePush {
		deadline = cfg.Delivery.NegotiationTimeout
	}
	a := agent.New(selfID, presence, mailbox, transports, log,
		agent.WithNegotiationDeadline(deadline),
		agent.WithMetrics(metrics),
		agent.WithObserver(func(role domain.Role, sessionID string, change negotiation.StateChange) {
			if change.State == negotiation.Connected {
				fmt.Fprintf(os.Stderr, "connected (%s, session %s)\n", role, sessionID)
			}
		}),
	)

	switch mode {
	case "share":
		fmt.Fprintf(os.Stderr, "sharing as %q, access code %s\n", meta.DisplayName, meta.AccessCode)
		err = a.Share(ctx, meta, heartbeat)
	case "view":
		if *code == "" {
			fs.Usage()
			os.Exit(2)
		}
		err = a.View(ctx, *code)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("agent stopped", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func transportFactory(
	cfg *config.Config,
	ivfPath string,
	loop bool,
	recordPath string,
	metrics ports.MetricsRecorder,
	log *zap.SugaredLogger,
) (agent.TransportFactory, func(), error) {
	tc := webrtcinfra.ConfigFromApp(cfg)

	var source *webrtcinfra.IVFSource
	if ivfPath != "" {
		var err error
		if source, err = webrtcinfra.NewIVFSource(ivfPath, loop); err != nil {
			return nil, nil, err
		}
	}
	closeMedia := func() {
		if source != nil {
			_ = source.Close()
		}
	}

	var recorder *webrtcinfra.TrackRecorder
	if recordPath != "" {
		recorder = webrtcinfra.NewTrackRecorder(recordPath, log)
	}

	factory := func(role domain.Role) (ports.Transport, error) {
		if role == domain.RoleResponder {
			var ms webrtcinfra.MediaSource
			if source != nil {
				ms = source
			} else {
				log.Warn("no --ivf given, sharing an empty video track")
			}
			return webrtcinfra.NewSharerTransport(tc, ms, metrics, log)
		}
		if recorder != nil {
			return webrtcinfra.NewViewerTransport(tc, recorder.OnTrack, metrics, log)
		}
		return webrtcinfra.NewViewerTransport(tc, nil, metrics, log)
	}
	return factory, closeMedia, nil
}
