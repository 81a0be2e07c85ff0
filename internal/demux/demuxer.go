package demux

import (
	"errors"
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/rtmpcam/internal/media"
)

// StatsRecorder is the interface accepted by Demuxer for recording stream
// telemetry. stream.Stats implements it.
type StatsRecorder interface {
	RecordVideoFrame(bytes int64, isKeyframe bool, pts int64)
	RecordSkippedTag(reason string)
	RecordCaption(channel int)
	RecordResolution(width, height int)
	RecordTimecode(tc string)
	RecordVideoCodec(codec string)
}

// Demuxer parses the video tags of one RTMP publish session. It remembers
// the active decoder configuration so it can inspect the NAL units of
// subsequent access units. A Demuxer is not safe for concurrent use.
type Demuxer struct {
	log       *slog.Logger
	stats     StatsRecorder
	onCaption func(*ccx.CaptionFrame)

	config     *media.DecoderConfig
	spsInfo    SPSInfo
	captions   *captionDecoder
	videoCount int64
}

// NewDemuxer creates a Demuxer. If log is nil, slog.Default() is used.
func NewDemuxer(log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:      log.With("component", "demux"),
		captions: newCaptionDecoder(),
	}
}

// SetStats attaches a telemetry recorder.
func (d *Demuxer) SetStats(s StatsRecorder) { d.stats = s }

// OnCaption registers fn to receive decoded CEA-608/708 caption text.
func (d *Demuxer) OnCaption(fn func(*ccx.CaptionFrame)) { d.onCaption = fn }

// Config returns the active decoder configuration, if any.
func (d *Demuxer) Config() (media.DecoderConfig, bool) {
	if d.config == nil {
		return media.DecoderConfig{}, false
	}
	return *d.config, true
}

// SPS returns the parameters probed from the most recent SPS.
func (d *Demuxer) SPS() SPSInfo { return d.spsInfo }

// Parse parses one video tag body. Sequence headers come back with a
// configuration the caller may retain; NALU packets alias body. Errors
// describe skipped tags and are already logged.
func (d *Demuxer) Parse(body []byte, timestamp uint32) (VideoTag, error) {
	tag, err := ParseVideoTag(body, timestamp)
	if err != nil {
		d.logSkipped(err, len(body))
		return tag, err
	}

	switch tag.Kind {
	case TagSequenceHeader:
		tag.Config = tag.Config.Clone()
		d.applyConfig(tag)
	case TagNALU:
		d.inspect(tag.Packet)
	case TagEndOfSequence:
		d.log.Info("end of sequence", "ts", timestamp)
	}
	return tag, nil
}

func (d *Demuxer) logSkipped(err error, size int) {
	var me *MalformedError
	switch {
	case errors.As(err, &me):
		d.log.Warn("malformed video tag, dropping",
			"field", me.Field, "offset", me.Offset, "need", me.Need, "have", me.Have, "size", size)
		d.record(func(s StatsRecorder) { s.RecordSkippedTag("malformed") })
	case errors.Is(err, ErrUnsupportedCodec):
		d.log.Debug("skipping video tag", "error", err)
		d.record(func(s StatsRecorder) { s.RecordSkippedTag("codec") })
	default:
		d.log.Warn("skipping video tag", "error", err, "size", size)
		d.record(func(s StatsRecorder) { s.RecordSkippedTag("unsupported") })
	}
}

func (d *Demuxer) record(fn func(StatsRecorder)) {
	if d.stats != nil {
		fn(d.stats)
	}
}

func (d *Demuxer) applyConfig(tag VideoTag) {
	cfg := tag.Config
	d.config = &cfg
	d.log.Info("AVC decoder configuration",
		"profile", tag.Profile, "level", tag.Level,
		"nalu_length_size", cfg.NALULengthSize,
		"sps", len(cfg.SPS), "pps", len(cfg.PPS))

	if len(cfg.SPS) > 0 {
		d.probeSPS(cfg.SPS[0])
	}
}

func (d *Demuxer) probeSPS(sps []byte) {
	info, err := ParseSPS(sps)
	if err != nil {
		d.log.Warn("SPS probe failed", "error", err, "size", len(sps))
		return
	}
	if info.Width != d.spsInfo.Width || info.Height != d.spsInfo.Height {
		d.log.Info("video resolution", "width", info.Width, "height", info.Height, "codec", info.CodecString())
	}
	d.spsInfo = info
	d.record(func(s StatsRecorder) {
		s.RecordResolution(info.Width, info.Height)
		s.RecordVideoCodec(info.CodecString())
	})
}

// inspect walks the NAL units of an access unit for in-band SPS updates,
// timecodes and captions. The payload itself is forwarded unmodified.
func (d *Demuxer) inspect(pkt media.Packet) {
	d.videoCount++
	pts := int64(pkt.PTS())
	d.record(func(s StatsRecorder) { s.RecordVideoFrame(int64(len(pkt.Payload)), pkt.IsKeyframe, pts) })

	if d.config == nil {
		return
	}
	units, err := SplitAVCC(pkt.Payload, d.config.NALULengthSize)
	if err != nil {
		var me *MalformedError
		if errors.As(err, &me) {
			d.log.Warn("malformed AVCC payload",
				"field", me.Field, "offset", me.Offset, "need", me.Need, "have", me.Have, "ts", pkt.Timestamp)
		}
	}

	for _, u := range units {
		switch NALType(u) {
		case NALTypeSPS:
			d.probeSPS(u)
		case NALTypeSEI:
			if d.spsInfo.PicStructPresent {
				if tc, ok := ParsePicTimingSEI(u, d.spsInfo); ok {
					d.record(func(s StatsRecorder) { s.RecordTimecode(tc.String()) })
				}
			}
			for _, cf := range d.captions.decode(u, pts, d.videoCount) {
				d.record(func(s StatsRecorder) { s.RecordCaption(cf.Channel) })
				if d.onCaption != nil {
					d.onCaption(cf)
				}
			}
		}
	}
}
