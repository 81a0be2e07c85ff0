// Package pipeline drives one publish session's video from tag bodies to the
// frame hand-off: it demuxes each tag, keeps a decoder matching the latest
// configuration record, and routes decoded frames to the shared frame region
// or the surface ring.
package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/rtmpcam/internal/decode"
	"github.com/zsiec/rtmpcam/internal/demux"
	"github.com/zsiec/rtmpcam/internal/media"
	"github.com/zsiec/rtmpcam/internal/metrics"
	"github.com/zsiec/rtmpcam/internal/stream"
	"github.com/zsiec/rtmpcam/internal/surface"
)

// FramePublisher receives CPU-visible frames. *shm.Publisher implements it.
type FramePublisher interface {
	Publish(f *media.VideoFrame) error
}

// SurfaceRing receives surface frames. *surface.Ring implements it.
type SurfaceRing interface {
	Push(s surface.Surface, timestamp uint32) error
}

// Config wires a VideoSink to its collaborators. Frames and Surfaces may
// both be set; each decoded frame goes to the one matching its kind.
type Config struct {
	StreamKey string
	Factory   decode.Factory
	Frames    FramePublisher
	Surfaces  SurfaceRing
	Stats     *stream.Stats
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// VideoSink consumes the video tags of one publish session. It is not safe
// for concurrent use; the owning connection calls it sequentially.
type VideoSink struct {
	log     *slog.Logger
	cfg     Config
	demuxer *demux.Demuxer
	decoder decode.Decoder

	badData int64
}

// NewVideoSink creates a sink for one stream.
func NewVideoSink(cfg Config) *VideoSink {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream_key", cfg.StreamKey)

	s := &VideoSink{
		log:     log.With("component", "video-sink"),
		cfg:     cfg,
		demuxer: demux.NewDemuxer(log),
	}
	if cfg.Stats != nil {
		s.demuxer.SetStats(cfg.Stats)
	}
	s.demuxer.OnCaption(s.onCaption)
	return s
}

// HandleVideo processes one video tag body. Nothing here fails the
// connection: malformed tags, decode failures and hand-off failures are
// logged and counted.
func (s *VideoSink) HandleVideo(body []byte, timestamp uint32) {
	tag, err := s.demuxer.Parse(body, timestamp)
	if err != nil {
		s.cfg.Metrics.RecordSkippedTag(skipReason(err))
		return
	}
	s.cfg.Metrics.RecordVideoTag(tag.Kind.String())

	switch tag.Kind {
	case demux.TagSequenceHeader:
		s.configure(tag.Config)
	case demux.TagNALU:
		s.decode(tag.Packet)
	case demux.TagEndOfSequence:
		s.log.Info("publisher signalled end of sequence", "ts", timestamp)
	}
}

func skipReason(err error) string {
	var me *demux.MalformedError
	switch {
	case errors.As(err, &me):
		return "malformed"
	case errors.Is(err, demux.ErrUnsupportedCodec):
		return "codec"
	default:
		return "unsupported"
	}
}

// configure replaces the decoder wholesale with one for cfg.
func (s *VideoSink) configure(cfg media.DecoderConfig) {
	s.closeDecoder()
	s.badData = 0

	dec, err := s.cfg.Factory.Create(cfg)
	if err != nil {
		s.log.Warn("decoder initialisation failed", "error", err,
			"sps", len(cfg.SPS), "pps", len(cfg.PPS), "nalu_length_size", cfg.NALULengthSize)
		s.cfg.Metrics.RecordDecodeError("init")
		return
	}
	s.decoder = dec
	if s.cfg.Stats != nil {
		s.cfg.Stats.RecordDecoderRestart()
	}
	s.log.Info("decoder initialised", "nalu_length_size", cfg.NALULengthSize)
}

func (s *VideoSink) decode(pkt media.Packet) {
	if s.decoder == nil {
		s.log.Debug("access unit before decoder configuration", "ts", pkt.Timestamp)
		s.cfg.Metrics.RecordDecodeError("no_config")
		return
	}

	frame, err := s.decoder.Decode(pkt)
	if err != nil {
		if errors.Is(err, decode.ErrBadData) {
			s.badData++
			s.log.Debug("decoder rejected access unit", "error", err, "ts", pkt.Timestamp, "keyframe", pkt.IsKeyframe)
			s.cfg.Metrics.RecordDecodeError("bad_data")
		} else {
			s.log.Warn("decode failed", "error", err, "ts", pkt.Timestamp, "size", len(pkt.Payload))
			s.cfg.Metrics.RecordDecodeError("error")
		}
		if s.cfg.Stats != nil {
			s.cfg.Stats.RecordDecodeError(errors.Is(err, decode.ErrBadData))
		}
		return
	}
	if frame == nil {
		return
	}

	s.cfg.Metrics.RecordDecoded()
	if s.cfg.Stats != nil {
		s.cfg.Stats.RecordDecoded()
	}
	s.deliver(frame)
}

// deliver hands frame to its output. A surface frame's token is released
// on every path once the ring holds its own reference.
func (s *VideoSink) deliver(frame *media.VideoFrame) {
	start := time.Now()
	output := "shm"
	var err error

	if frame.Surface != nil {
		output = "surface"
		defer frame.Surface.Release()
		if s.cfg.Surfaces == nil {
			err = errors.New("pipeline: no surface ring configured")
		} else {
			err = s.cfg.Surfaces.Push(frame.Surface.Surface(), frame.Timestamp)
		}
	} else {
		if s.cfg.Frames == nil {
			err = errors.New("pipeline: no frame region configured")
		} else {
			err = s.cfg.Frames.Publish(frame)
		}
	}

	if err != nil {
		s.log.Debug("frame not handed off", "output", output, "error", err,
			"width", frame.Width, "height", frame.Height)
		s.cfg.Metrics.RecordDropped(output)
		if s.cfg.Stats != nil {
			s.cfg.Stats.RecordDropped()
		}
		return
	}
	s.cfg.Metrics.RecordPublished(output, time.Since(start).Seconds())
	if s.cfg.Stats != nil {
		s.cfg.Stats.RecordPublished()
	}
}

func (s *VideoSink) onCaption(cf *ccx.CaptionFrame) {
	s.cfg.Metrics.RecordCaption()
	s.log.Debug("caption", "channel", cf.Channel, "text", cf.Text)
}

func (s *VideoSink) closeDecoder() {
	if s.decoder == nil {
		return
	}
	if err := s.decoder.Close(); err != nil {
		s.log.Warn("decoder close failed", "error", err)
	}
	s.decoder = nil
}

// Close releases the decoder. The sink must not be used afterwards.
func (s *VideoSink) Close() {
	s.closeDecoder()
	if s.badData > 0 {
		s.log.Debug("access units rejected before first decodable picture", "count", s.badData)
	}
}
