package webrtc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"go.uber.org/zap"
)

// TrackRecorder writes a received VP8 track to an IVF file.
type TrackRecorder struct {
	path   string
	logger *zap.SugaredLogger
}

func NewTrackRecorder(path string, logger *zap.SugaredLogger) *TrackRecorder {
	return &TrackRecorder{path: path, logger: logger}
}

// OnTrack matches the viewer transport's track callback. Non-VP8 tracks are
// drained and ignored.
func (r *TrackRecorder) OnTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	read := func() (*rtp.Packet, error) {
		p, _, err := track.ReadRTP()
		return p, err
	}
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8) {
		r.logger.Warnw("not recording non-VP8 track", "codec", track.Codec().MimeType)
		drain(read)
		return
	}

	n, err := r.record(read)
	if err != nil {
		r.logger.Warnw("recording stopped", "path", r.path, "packets", n, "error", err)
		return
	}
	r.logger.Infow("recording finished", "path", r.path, "packets", n)
}

// record copies packets from read into the file until read fails. A closed
// track ends the recording cleanly.
func (r *TrackRecorder) record(read func() (*rtp.Packet, error)) (int, error) {
	writer, err := ivfwriter.New(r.path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", r.path, err)
	}
	defer writer.Close()

	n := 0
	for {
		packet, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if err := writer.WriteRTP(packet); err != nil {
			return n, fmt.Errorf("failed to write packet: %w", err)
		}
		n++
	}
}

func drain(read func() (*rtp.Packet, error)) {
	for {
		if _, err := read(); err != nil {
			return
		}
	}
}
