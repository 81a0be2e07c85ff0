package demux

import (
	"errors"
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeEndOfSeq   = 10
	NALTypeFillerData = 12
)

// NALType returns the nal_unit_type of a NAL unit that starts with its
// header byte. An empty unit reports type 0 (unspecified).
func NALType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// SPSInfo holds the parameters ParseSPS extracts from a sequence parameter
// set: coded picture size after cropping, profile/level identifiers, and
// the HRD field widths needed to walk a pic_timing SEI.
type SPSInfo struct {
	Width              int
	Height             int
	ProfileIDC         byte
	ConstraintFlags    byte
	LevelIDC           byte
	PicStructPresent   bool
	HRDPresent         bool
	CpbRemovalDelayLen int
	DpbOutputDelayLen  int
	TimeOffsetLen      int
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// Timecode is a SMPTE 12M timecode carried in a pic_timing SEI.
type Timecode struct {
	Hours   int
	Minutes int
	Seconds int
	Frames  int
}

// String formats the timecode as HH:MM:SS:FF.
func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", tc.Hours, tc.Minutes, tc.Seconds, tc.Frames)
}

var errShortBitstream = errors.New("demux: bitstream too short")

// bitReader reads MSB-first bit fields. The first out-of-range read latches
// err; every later read returns zero, so callers check err once per section.
type bitReader struct {
	data []byte
	pos  int
	bit  int
	err  error
}

func (br *bitReader) u(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		if br.err != nil {
			return 0
		}
		if br.pos >= len(br.data) {
			br.err = errShortBitstream
			return 0
		}
		v = v<<1 | uint(br.data[br.pos]>>(7-br.bit)&1)
		if br.bit++; br.bit == 8 {
			br.bit = 0
			br.pos++
		}
	}
	return v
}

func (br *bitReader) flag() bool { return br.u(1) == 1 }

// ue reads an Exp-Golomb coded unsigned value.
func (br *bitReader) ue() uint {
	zeros := 0
	for br.u(1) == 0 {
		if br.err != nil {
			return 0
		}
		if zeros++; zeros > 31 {
			br.err = errShortBitstream
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	return (1 << zeros) - 1 + br.u(zeros)
}

// se reads an Exp-Golomb coded signed value.
func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && br.err == nil; j++ {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// highProfile reports whether profile_idc carries the chroma format and
// scaling matrix fields.
func highProfile(p uint) bool {
	switch p {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an H.264 SPS NAL unit (header byte included, no start
// code or length prefix). Resolution errors are returned; a truncated VUI
// only leaves the timing fields unset.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, fmt.Errorf("%w: SPS of %d bytes", errShortBitstream, len(nalu))
	}
	br := &bitReader{data: removeEmulationPrevention(nalu[1:])}

	profile := br.u(8)
	constraints := br.u(8)
	level := br.u(8)
	br.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfile(profile) {
		chromaFormat = br.ue()
		if chromaFormat == 3 {
			separatePlanes = br.flag()
		}
		br.ue() // bit_depth_luma_minus8
		br.ue() // bit_depth_chroma_minus8
		br.u(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					br.skipScalingList(size)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.u(1)
		br.se()
		br.se()
		n := br.ue()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}
	br.ue() // max_num_ref_frames
	br.u(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.u(1) // mb_adaptive_frame_field_flag
	}
	br.u(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, fmt.Errorf("demux: parse SPS: %w", br.err)
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes, chromaFormat == 0, chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	fieldMul := 2 - frameMbsOnly

	info := SPSInfo{
		Width:           int(widthMbs*16 - subW*(cropL+cropR)),
		Height:          int(heightMapUnits*16*fieldMul - subH*fieldMul*(cropT+cropB)),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
	}

	if br.flag() {
		parseVUI(br, &info)
	}
	return info, nil
}

// parseVUI walks vui_parameters far enough to learn the HRD delay field
// widths and pic_struct_present_flag.
func parseVUI(br *bitReader, info *SPSInfo) {
	if br.flag() { // aspect_ratio_info_present_flag
		if br.u(8) == 255 {
			br.u(32) // sar_width + sar_height
		}
	}
	if br.flag() { // overscan_info_present_flag
		br.u(1)
	}
	if br.flag() { // video_signal_type_present_flag
		br.u(4)
		if br.flag() {
			br.u(24)
		}
	}
	if br.flag() { // chroma_loc_info_present_flag
		br.ue()
		br.ue()
	}
	if br.flag() { // timing_info_present_flag
		br.u(32)
		br.u(32)
		br.u(1)
	}

	var hrd struct{ cpb, dpb, offset int }
	parsed := false
	parseHRD := func() {
		cpbCnt := br.ue()
		br.u(8)
		for i := uint(0); i <= cpbCnt && br.err == nil; i++ {
			br.ue()
			br.ue()
			br.u(1)
		}
		br.u(5) // initial_cpb_removal_delay_length_minus1
		hrd.cpb = int(br.u(5)) + 1
		hrd.dpb = int(br.u(5)) + 1
		hrd.offset = int(br.u(5))
		parsed = true
	}

	nal := br.flag()
	if nal {
		parseHRD()
	}
	vcl := br.flag()
	if vcl && !parsed {
		parseHRD()
	}
	if nal || vcl {
		br.u(1) // low_delay_hrd_flag
	}
	picStruct := br.flag()

	if br.err != nil {
		return
	}
	if parsed {
		info.HRDPresent = true
		info.CpbRemovalDelayLen = hrd.cpb
		info.DpbOutputDelayLen = hrd.dpb
		info.TimeOffsetLen = hrd.offset
	}
	info.PicStructPresent = picStruct
}

// removeEmulationPrevention strips emulation_prevention_three_byte from a
// NAL payload, producing the RBSP.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}

// ParsePicTimingSEI extracts a timecode from the pic_timing message of an
// SEI NAL unit. It needs the HRD field widths from the active SPS and
// reports false when the SEI carries no clock timestamp.
func ParsePicTimingSEI(sei []byte, sps SPSInfo) (Timecode, bool) {
	if len(sei) < 2 || !sps.PicStructPresent || !sps.HRDPresent {
		return Timecode{}, false
	}

	rbsp := removeEmulationPrevention(sei[1:])
	for i := 0; i < len(rbsp) && rbsp[i] != 0x80; {
		payloadType, n := seiVarint(rbsp[i:])
		if n == 0 {
			break
		}
		i += n
		payloadSize, n := seiVarint(rbsp[i:])
		if n == 0 {
			break
		}
		i += n
		if i+payloadSize > len(rbsp) {
			break
		}
		if payloadType == 1 {
			if tc, ok := parsePicTiming(rbsp[i:i+payloadSize], sps); ok {
				return tc, true
			}
		}
		i += payloadSize
	}
	return Timecode{}, false
}

// seiVarint reads an SEI payload type or size: a run of 0xFF bytes each
// worth 255 followed by a final byte. It returns the value and the number
// of bytes consumed, or 0 consumed when the buffer ends first.
func seiVarint(b []byte) (int, int) {
	v := 0
	for i, c := range b {
		if c != 0xFF {
			return v + int(c), i + 1
		}
		v += 255
	}
	return 0, 0
}

func parsePicTiming(payload []byte, sps SPSInfo) (Timecode, bool) {
	br := &bitReader{data: payload}
	br.u(sps.CpbRemovalDelayLen)
	br.u(sps.DpbOutputDelayLen)

	clockTS := 1
	switch br.u(4) { // pic_struct
	case 3, 4:
		clockTS = 2
	case 5, 6, 7, 8:
		clockTS = 3
	}
	if br.err != nil {
		return Timecode{}, false
	}

	for c := 0; c < clockTS; c++ {
		if !br.flag() {
			if br.err != nil {
				return Timecode{}, false
			}
			continue
		}
		br.u(2) // ct_type
		br.u(1) // nuit_field_based_flag
		br.u(5) // counting_type
		full := br.flag()
		br.u(1) // discontinuity_flag
		br.u(1) // cnt_dropped_flag
		tc := Timecode{Frames: int(br.u(8))}
		if full {
			tc.Seconds = int(br.u(6))
			tc.Minutes = int(br.u(6))
			tc.Hours = int(br.u(5))
		} else if br.flag() {
			tc.Seconds = int(br.u(6))
			if br.flag() {
				tc.Minutes = int(br.u(6))
				if br.flag() {
					tc.Hours = int(br.u(5))
				}
			}
		}
		return tc, true
	}
	return Timecode{}, false
}
