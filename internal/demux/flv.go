package demux

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/rtmpcam/internal/media"
)

// CodecIDAVC is the FLV video codec id for H.264.
const CodecIDAVC = 7

// AVC packet types (byte 1 of an AVC video tag).
const (
	AVCPacketSequenceHeader = 0
	AVCPacketNALU           = 1
	AVCPacketEndOfSequence  = 2
)

// FLV frame types (high nibble of byte 0).
const (
	FrameTypeKey        = 1
	FrameTypeInter      = 2
	FrameTypeDisposable = 3
)

// avcPrefixLen covers the tag-type byte, the packet-type byte and the
// 24-bit composition time offset.
const avcPrefixLen = 5

// configRecordMinLen is version, profile, compatibility, level, the
// length-size byte and the SPS count byte.
const configRecordMinLen = 6

// TagKind classifies a parsed video tag.
type TagKind int

const (
	TagUnsupported TagKind = iota
	TagSequenceHeader
	TagNALU
	TagEndOfSequence
)

func (k TagKind) String() string {
	switch k {
	case TagSequenceHeader:
		return "sequence_header"
	case TagNALU:
		return "nalu"
	case TagEndOfSequence:
		return "end_of_sequence"
	default:
		return "unsupported"
	}
}

// VideoTag is the result of parsing one video tag body. Config is set for
// TagSequenceHeader and Packet for TagNALU.
type VideoTag struct {
	Kind    TagKind
	Config  media.DecoderConfig
	Packet  media.Packet
	Profile byte
	Level   byte
}

// ParseVideoTag parses an FLV video tag body received with the given
// message timestamp. A non-nil error always comes with Kind ==
// TagUnsupported and explains why the tag was skipped; it is never fatal to
// the stream. Returned slices alias body.
func ParseVideoTag(body []byte, timestamp uint32) (VideoTag, error) {
	if len(body) < 2 {
		return VideoTag{}, truncated("video tag header", 0, 2, len(body))
	}
	if codec := body[0] & 0x0F; codec != CodecIDAVC {
		return VideoTag{}, fmt.Errorf("%w: codec id %d", ErrUnsupportedCodec, codec)
	}

	switch pt := body[1]; pt {
	case AVCPacketSequenceHeader:
		return parseSequenceHeader(body)
	case AVCPacketNALU:
		return parseNALU(body, timestamp)
	case AVCPacketEndOfSequence:
		return VideoTag{Kind: TagEndOfSequence}, nil
	default:
		return VideoTag{}, fmt.Errorf("%w: %d", ErrUnsupportedPacketType, pt)
	}
}

func parseSequenceHeader(body []byte) (VideoTag, error) {
	if len(body) < avcPrefixLen+configRecordMinLen {
		return VideoTag{}, truncated("configuration record", avcPrefixLen, configRecordMinLen, len(body)-min(len(body), avcPrefixLen))
	}
	rec := body[avcPrefixLen:]
	if rec[0] != 1 {
		return VideoTag{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec[0])
	}

	cfg := media.DecoderConfig{NALULengthSize: int(rec[4]&0x03) + 1}
	pos := configRecordMinLen

	var err error
	cfg.SPS, pos, err = readParameterSets(rec, pos, int(rec[5]&0x1F), "SPS")
	if err != nil {
		return VideoTag{}, err
	}
	if pos >= len(rec) {
		return VideoTag{}, truncated("PPS count", avcPrefixLen+pos, 1, 0)
	}
	numPPS := int(rec[pos])
	pos++
	cfg.PPS, _, err = readParameterSets(rec, pos, numPPS, "PPS")
	if err != nil {
		return VideoTag{}, err
	}

	return VideoTag{
		Kind:    TagSequenceHeader,
		Config:  cfg,
		Profile: rec[1],
		Level:   rec[3],
	}, nil
}

// readParameterSets reads count entries of [u16 length][bytes] starting at
// pos and returns them with the position after the last one.
func readParameterSets(rec []byte, pos, count int, name string) ([][]byte, int, error) {
	sets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(rec)-pos < 2 {
			return nil, pos, truncated(name+" length", avcPrefixLen+pos, 2, len(rec)-pos)
		}
		n := int(binary.BigEndian.Uint16(rec[pos:]))
		pos += 2
		if len(rec)-pos < n {
			return nil, pos, truncated(name+" data", avcPrefixLen+pos, n, len(rec)-pos)
		}
		sets = append(sets, rec[pos:pos+n:pos+n])
		pos += n
	}
	return sets, pos, nil
}

func parseNALU(body []byte, timestamp uint32) (VideoTag, error) {
	if len(body) <= avcPrefixLen {
		return VideoTag{}, truncated("NALU payload", avcPrefixLen, 1, len(body)-min(len(body), avcPrefixLen))
	}
	return VideoTag{
		Kind: TagNALU,
		Packet: media.Packet{
			Payload:         body[avcPrefixLen:],
			Timestamp:       timestamp,
			CompositionTime: compositionTime(body[2:5]),
			IsKeyframe:      body[0]>>4 == FrameTypeKey,
		},
	}, nil
}

// compositionTime sign-extends the 24-bit big-endian composition offset.
func compositionTime(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	return v << 8 >> 8
}

// BuildConfigRecord serializes cfg as an AVCDecoderConfigurationRecord.
// Profile, compatibility and level are taken from the first SPS when one is
// present. Sets longer than 65535 bytes or counts beyond the record's field
// widths are rejected.
func BuildConfigRecord(cfg media.DecoderConfig) ([]byte, error) {
	if cfg.NALULengthSize < 1 || cfg.NALULengthSize > 4 {
		return nil, fmt.Errorf("demux: NALU length size %d out of range", cfg.NALULengthSize)
	}
	if len(cfg.SPS) > 0x1F {
		return nil, fmt.Errorf("demux: %d SPS entries exceed 31", len(cfg.SPS))
	}
	if len(cfg.PPS) > 0xFF {
		return nil, fmt.Errorf("demux: %d PPS entries exceed 255", len(cfg.PPS))
	}

	var profile, compat, level byte
	if len(cfg.SPS) > 0 && len(cfg.SPS[0]) >= 4 {
		profile, compat, level = cfg.SPS[0][1], cfg.SPS[0][2], cfg.SPS[0][3]
	}

	size := configRecordMinLen + 1
	for _, s := range cfg.SPS {
		size += 2 + len(s)
	}
	for _, p := range cfg.PPS {
		size += 2 + len(p)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, 1, profile, compat, level,
		0xFC|byte(cfg.NALULengthSize-1),
		0xE0|byte(len(cfg.SPS)))
	var err error
	if buf, err = appendParameterSets(buf, cfg.SPS, "SPS"); err != nil {
		return nil, err
	}
	buf = append(buf, byte(len(cfg.PPS)))
	if buf, err = appendParameterSets(buf, cfg.PPS, "PPS"); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendParameterSets(buf []byte, sets [][]byte, name string) ([]byte, error) {
	for i, s := range sets {
		if len(s) > 0xFFFF {
			return nil, fmt.Errorf("demux: %s %d is %d bytes", name, i, len(s))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	return buf, nil
}
