package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
)

const (
	vp8ClockRate   = 90000
	vp8PayloadType = 96
	rtpMTU         = 1200
)

// IVFSource replays a VP8 IVF file as an RTP stream at the file's frame
// rate. It stands in for live screen capture.
type IVFSource struct {
	path string
	loop bool

	mu         sync.Mutex
	file       *os.File
	reader     *ivfreader.IVFReader
	packetizer rtp.Packetizer
	frameTime  time.Duration
	samples    uint32
	pending    []*rtp.Packet
	next       time.Time
}

// NewIVFSource opens path. With loop set the file restarts at EOF.
func NewIVFSource(path string, loop bool) (*IVFSource, error) {
	s := &IVFSource{
		path: path,
		loop: loop,
		packetizer: rtp.NewPacketizer(rtpMTU, vp8PayloadType, rand.Uint32(),
			&codecs.VP8Payloader{EnablePictureID: true}, rtp.NewRandomSequencer(), vp8ClockRate),
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IVFSource) open() error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open ivf file: %w", err)
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		_ = file.Close()
		return fmt.Errorf("unsupported ivf codec %q, want VP80", header.FourCC)
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		_ = file.Close()
		return fmt.Errorf("ivf file has no timebase")
	}

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.reader = reader
	s.frameTime = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	s.samples = uint32(uint64(vp8ClockRate) * uint64(header.TimebaseNumerator) / uint64(header.TimebaseDenominator))
	return nil
}

// ReadRTP returns the next packet, sleeping between frames to hold the
// file's frame rate.
func (s *IVFSource) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		if err := s.waitForFrame(ctx); err != nil {
			return nil, err
		}
		frame, _, err := s.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !s.loop {
				return nil, io.EOF
			}
			if err := s.open(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read ivf frame: %w", err)
		}
		s.pending = s.packetizer.Packetize(frame, s.samples)
	}

	packet := s.pending[0]
	s.pending = s.pending[1:]
	return packet, nil
}

func (s *IVFSource) waitForFrame(ctx context.Context) error {
	now := time.Now()
	if s.next.IsZero() || s.next.Before(now) {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	s.next = s.next.Add(s.frameTime)
	return nil
}

func (s *IVFSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
