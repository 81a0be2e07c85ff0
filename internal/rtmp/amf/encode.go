package amf

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Append encodes each value and appends it to buf. Supported Go types are
// the ones Decode produces plus the common integer types.
func Append(buf []byte, vals ...any) ([]byte, error) {
	var err error
	for _, v := range vals {
		if buf, err = appendValue(buf, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Encode encodes vals into a new buffer.
func Encode(vals ...any) ([]byte, error) {
	return Append(nil, vals...)
}

func appendNumber(buf []byte, f float64) []byte {
	buf = append(buf, MarkerNumber)
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, MarkerNull), nil
	case Undefined:
		return append(buf, MarkerUndefined), nil
	case float64:
		return appendNumber(buf, x), nil
	case float32:
		return appendNumber(buf, float64(x)), nil
	case int:
		return appendNumber(buf, float64(x)), nil
	case int32:
		return appendNumber(buf, float64(x)), nil
	case int64:
		return appendNumber(buf, float64(x)), nil
	case uint32:
		return appendNumber(buf, float64(x)), nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(buf, MarkerBoolean, b), nil
	case string:
		if len(x) > math.MaxUint16 {
			buf = append(buf, MarkerLongString)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
			return append(buf, x...), nil
		}
		buf = append(buf, MarkerString)
		return appendKey(buf, x), nil
	case Object:
		return appendProperties(append(buf, MarkerObject), x)
	case ECMAArray:
		buf = append(buf, MarkerECMAArray)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		return appendProperties(buf, Object(x))
	case []any:
		buf = append(buf, MarkerStrictArray)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		return Append(buf, x...)
	case time.Time:
		buf = appendNumber(buf, float64(x.UnixMilli()))
		buf[len(buf)-9] = MarkerDate
		return append(buf, 0, 0), nil
	default:
		return nil, fmt.Errorf("amf: cannot encode %T", v)
	}
}

func appendKey(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendProperties(buf []byte, o Object) ([]byte, error) {
	var err error
	for _, p := range o {
		if len(p.Key) > math.MaxUint16 {
			return nil, fmt.Errorf("amf: property key of %d bytes", len(p.Key))
		}
		buf = appendKey(buf, p.Key)
		if buf, err = appendValue(buf, p.Value); err != nil {
			return nil, err
		}
	}
	return append(buf, 0, 0, MarkerObjectEnd), nil
}
