package decode

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/rtmpcam/internal/demux"
	"github.com/zsiec/rtmpcam/internal/media"
	"github.com/zsiec/rtmpcam/internal/surface"
)

// maxDimension bounds the coded size the probe accepts from an SPS.
const maxDimension = 4096

// ProbeConfig configures the probe decoder.
type ProbeConfig struct {
	// Surfaces switches the decoder to surface output: every frame is an
	// NV12 surface allocated from this registry instead of CPU planes.
	Surfaces *surface.Registry

	// StrideAlign rounds the luma/chroma stride of plane output up to a
	// multiple of this value, the way hardware decoders pad rows. Zero or
	// one means tightly packed rows.
	StrideAlign int

	Log *slog.Logger
}

// ProbeFactory creates probe decoders. The probe validates the AVCC
// framing, tracks the coded size from in-band SPS updates and emits a
// synthetic NV12 picture per access unit. It lets the whole ingest and
// hand-off path run on hosts without a video decoder.
type ProbeFactory struct {
	cfg ProbeConfig
	log *slog.Logger
}

// NewProbeFactory returns a Factory producing probe decoders.
func NewProbeFactory(cfg ProbeConfig) *ProbeFactory {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &ProbeFactory{cfg: cfg, log: log.With("component", "probe-decoder")}
}

// Create implements Factory.
func (f *ProbeFactory) Create(cfg media.DecoderConfig) (Decoder, error) {
	if len(cfg.SPS) == 0 || len(cfg.PPS) == 0 {
		return nil, fmt.Errorf("%w: %d SPS, %d PPS", ErrNoConfig, len(cfg.SPS), len(cfg.PPS))
	}
	if cfg.NALULengthSize < 1 || cfg.NALULengthSize > 4 {
		return nil, fmt.Errorf("decode: invalid NAL length size %d", cfg.NALULengthSize)
	}
	info, err := demux.ParseSPS(cfg.SPS[0])
	if err != nil {
		return nil, fmt.Errorf("decode: parse SPS: %w", err)
	}
	if !validSize(info) {
		return nil, fmt.Errorf("decode: SPS reports unsupported size %dx%d", info.Width, info.Height)
	}

	f.log.Debug("decoder created", "width", info.Width, "height", info.Height, "codec", info.CodecString())
	return &probeDecoder{
		factory:    f,
		lengthSize: cfg.NALULengthSize,
		width:      info.Width,
		height:     info.Height,
	}, nil
}

type probeDecoder struct {
	factory    *ProbeFactory
	lengthSize int
	width      int
	height     int
	seenIDR    bool
	closed     bool

	// Plane output reuses one buffer; a frame is valid until the next
	// Decode call.
	buf []byte
}

func (d *probeDecoder) Decode(pkt media.Packet) (*media.VideoFrame, error) {
	if d.closed {
		return nil, fmt.Errorf("decode: decoder closed")
	}
	units, err := demux.SplitAVCC(pkt.Payload, d.lengthSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadData, err)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: empty access unit", ErrBadData)
	}

	for _, u := range units {
		if demux.NALType(u) != demux.NALTypeSPS {
			continue
		}
		if info, err := demux.ParseSPS(u); err == nil && validSize(info) {
			d.width, d.height = info.Width, info.Height
		}
	}

	if !d.seenIDR {
		if !demux.ContainsIDR(units) {
			return nil, fmt.Errorf("%w: waiting for IDR", ErrBadData)
		}
		d.seenIDR = true
	}

	shade := byte(pkt.PTS() / 40)
	if reg := d.factory.cfg.Surfaces; reg != nil {
		return d.surfaceFrame(reg, pkt, shade)
	}
	return d.planeFrame(pkt, shade), nil
}

func (d *probeDecoder) planeFrame(pkt media.Packet, shade byte) *media.VideoFrame {
	stride := alignUp(d.width, d.factory.cfg.StrideAlign)
	uvRows := (d.height + 1) / 2
	ySize := stride * d.height
	need := ySize + stride*uvRows
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	d.buf = d.buf[:need]
	fillNV12(d.buf[:ySize], d.buf[ySize:], shade)

	return &media.VideoFrame{
		Width:  d.width,
		Height: d.height,
		Format: media.PixelFormatNV12,
		Planes: []media.Plane{
			{Data: d.buf[:ySize], Stride: stride, Rows: d.height},
			{Data: d.buf[ySize:], Stride: stride, Rows: uvRows},
		},
		Timestamp: pkt.PTS(),
	}
}

func (d *probeDecoder) surfaceFrame(reg *surface.Registry, pkt media.Packet, shade byte) (*media.VideoFrame, error) {
	buf, tok, err := reg.Allocate(d.width, d.height)
	if err != nil {
		return nil, fmt.Errorf("decode: allocate surface: %w", err)
	}
	ySize := buf.Stride * buf.Height
	fillNV12(buf.Data[:ySize], buf.Data[ySize:], shade)
	return &media.VideoFrame{
		Width:     d.width,
		Height:    d.height,
		Format:    media.PixelFormatNV12,
		Timestamp: pkt.PTS(),
		Surface:   tok,
	}, nil
}

func (d *probeDecoder) Close() error {
	d.closed = true
	d.buf = nil
	return nil
}

// fillNV12 paints a flat luma level and neutral chroma.
func fillNV12(y, uv []byte, shade byte) {
	for i := range y {
		y[i] = shade
	}
	for i := range uv {
		uv[i] = 0x80
	}
}

func validSize(info demux.SPSInfo) bool {
	return info.Width > 0 && info.Height > 0 && info.Width <= maxDimension && info.Height <= maxDimension
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}
