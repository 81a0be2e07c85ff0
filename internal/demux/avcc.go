package demux

import "fmt"

// SplitAVCC splits an AVCC payload into its NAL units. lengthSize is the
// prefix width announced by the configuration record (1 to 4 bytes). The
// returned units alias payload. A prefix or unit that runs past the end of
// the payload is reported as a MalformedError together with the units read
// before it.
func SplitAVCC(payload []byte, lengthSize int) ([][]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("demux: NALU length size %d out of range", lengthSize)
	}
	var units [][]byte
	pos := 0
	for pos < len(payload) {
		if len(payload)-pos < lengthSize {
			return units, truncated("NALU length", pos, lengthSize, len(payload)-pos)
		}
		n := 0
		for _, b := range payload[pos : pos+lengthSize] {
			n = n<<8 | int(b)
		}
		pos += lengthSize
		if len(payload)-pos < n {
			return units, truncated("NALU", pos, n, len(payload)-pos)
		}
		if n > 0 {
			units = append(units, payload[pos:pos+n:pos+n])
		}
		pos += n
	}
	return units, nil
}

// AppendAVCC appends nalu to dst with a lengthSize-byte big-endian prefix.
func AppendAVCC(dst []byte, nalu []byte, lengthSize int) []byte {
	n := len(nalu)
	for i := lengthSize - 1; i >= 0; i-- {
		dst = append(dst, byte(n>>(8*i)))
	}
	return append(dst, nalu...)
}

// ContainsIDR reports whether any unit is an IDR slice.
func ContainsIDR(units [][]byte) bool {
	for _, u := range units {
		if NALType(u) == NALTypeIDR {
			return true
		}
	}
	return false
}
