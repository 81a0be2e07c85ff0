// Package demux turns RTMP video message bodies (FLV video tags) into
// H.264 decoder configurations and AVCC-framed access units.
//
// [ParseVideoTag] is the pure, allocation-light parser; [Demuxer] wraps it
// with logging, SPS probing, SEI inspection (CEA-608/708 captions and
// pic_timing timecodes) and telemetry. Every parse step is bounds-checked:
// malformed input yields an error describing the offending field, never a
// read past the end of the buffer.
package demux
