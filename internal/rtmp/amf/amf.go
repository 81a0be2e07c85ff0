// Package amf implements the subset of AMF0 used by RTMP command and data
// messages.
//
// Decoded values map to Go types as follows: number → float64, boolean →
// bool, string and long string → string, null → nil, undefined →
// Undefined, object and typed object → Object, ECMA array → ECMAArray,
// strict array → []any, date → time.Time.
package amf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// AMF0 type markers.
const (
	MarkerNumber      = 0x00
	MarkerBoolean     = 0x01
	MarkerString      = 0x02
	MarkerObject      = 0x03
	MarkerNull        = 0x05
	MarkerUndefined   = 0x06
	MarkerReference   = 0x07
	MarkerECMAArray   = 0x08
	MarkerObjectEnd   = 0x09
	MarkerStrictArray = 0x0A
	MarkerDate        = 0x0B
	MarkerLongString  = 0x0C
	MarkerTypedObject = 0x10
	MarkerAVMPlus     = 0x11
)

const maxDepth = 32

var (
	ErrTruncated         = errors.New("amf: truncated value")
	ErrUnsupportedMarker = errors.New("amf: unsupported type marker")
	ErrTooDeep           = errors.New("amf: nesting too deep")
)

// Undefined is the AMF0 undefined value.
type Undefined struct{}

// Property is one key/value pair of an object.
type Property struct {
	Key   string
	Value any
}

// Object is an anonymous AMF0 object. Property order is preserved.
type Object []Property

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// String returns the string stored under key, or "" if absent or not a
// string.
func (o Object) String(key string) string {
	v, _ := o.Get(key)
	s, _ := v.(string)
	return s
}

// Number returns the number stored under key.
func (o Object) Number(key string) (float64, bool) {
	v, _ := o.Get(key)
	f, ok := v.(float64)
	return f, ok
}

// ECMAArray is an associative array. It encodes with its own marker but
// otherwise behaves like an Object.
type ECMAArray Object

// Properties returns v as an Object when it is an Object or an ECMAArray.
func Properties(v any) (Object, bool) {
	switch o := v.(type) {
	case Object:
		return o, true
	case ECMAArray:
		return Object(o), true
	}
	return nil, false
}

// Decode decodes every value in b.
func Decode(b []byte) ([]any, error) {
	d := &decoder{b: b}
	var vals []any
	for d.pos < len(d.b) {
		v, err := d.value(0)
		if err != nil {
			return vals, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) need(n int) error {
	if len(d.b)-d.pos < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.pos, len(d.b)-d.pos)
	}
	return nil
}

func (d *decoder) u8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	d.pos++
	return d.b[d.pos-1], nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	d.pos += 2
	return binary.BigEndian.Uint16(d.b[d.pos-2:]), nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	d.pos += 4
	return binary.BigEndian.Uint32(d.b[d.pos-4:]), nil
}

func (d *decoder) f64() (float64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	d.pos += 8
	return math.Float64frombits(binary.BigEndian.Uint64(d.b[d.pos-8:])), nil
}

func (d *decoder) str(n int) (string, error) {
	if err := d.need(n); err != nil {
		return "", err
	}
	d.pos += n
	return string(d.b[d.pos-n : d.pos]), nil
}

func (d *decoder) shortString() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	return d.str(int(n))
}

func (d *decoder) value(depth int) (any, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	marker, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch marker {
	case MarkerNumber:
		return d.f64()
	case MarkerBoolean:
		b, err := d.u8()
		return b != 0, err
	case MarkerString:
		return d.shortString()
	case MarkerLongString:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.str(int(n))
	case MarkerNull:
		return nil, nil
	case MarkerUndefined:
		return Undefined{}, nil
	case MarkerObject:
		return d.properties(depth)
	case MarkerTypedObject:
		if _, err := d.shortString(); err != nil {
			return nil, err
		}
		return d.properties(depth)
	case MarkerECMAArray:
		// The count is advisory; the array ends with an object-end marker.
		if _, err := d.u32(); err != nil {
			return nil, err
		}
		o, err := d.properties(depth)
		return ECMAArray(o), err
	case MarkerStrictArray:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		// Every element takes at least one byte.
		if err := d.need(int(n)); err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case MarkerDate:
		ms, err := d.f64()
		if err != nil {
			return nil, err
		}
		if _, err := d.u16(); err != nil { // time zone, reserved
			return nil, err
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x at offset %d", ErrUnsupportedMarker, marker, d.pos-1)
	}
}

func (d *decoder) properties(depth int) (Object, error) {
	o := Object{}
	for {
		key, err := d.shortString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			if err := d.need(1); err != nil {
				return nil, err
			}
			if d.b[d.pos] == MarkerObjectEnd {
				d.pos++
				return o, nil
			}
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		o = append(o, Property{Key: key, Value: v})
	}
}
