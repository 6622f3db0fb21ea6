// Package pbwire holds small helpers over protowire for hand-laid-out
// protobuf messages. Checkpoints and collective frames are encoded with it so
// that they stay readable by any protobuf decoder without generated code.
package pbwire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppendVarint appends a varint field. Zero values are still written so that
// presence can be told apart from absence where it matters.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt appends a signed integer with zigzag encoding.
func AppendInt(b []byte, num protowire.Number, v int64) []byte {
	return AppendVarint(b, num, protowire.EncodeZigZag(v))
}

// AppendDouble appends a double field.
func AppendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// AppendString appends a string field, skipping empty strings.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited field.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendPackedDoubles appends a packed repeated double field.
func AppendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	body := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		body = protowire.AppendFixed64(body, math.Float64bits(v))
	}
	return AppendBytes(b, num, body)
}

// AppendPackedInts appends a packed repeated zigzag integer field.
func AppendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var body []byte
	for _, v := range vs {
		body = protowire.AppendVarint(body, protowire.EncodeZigZag(int64(v)))
	}
	return AppendBytes(b, num, body)
}

// Field is one decoded field. Exactly one of the value members is meaningful,
// depending on Type.
type Field struct {
	Num     protowire.Number
	Type    protowire.Type
	Varint  uint64
	Fixed64 uint64
	Fixed32 uint32
	Bytes   []byte
}

// Int decodes a zigzag varint.
func (f Field) Int() int64 {
	return protowire.DecodeZigZag(f.Varint)
}

// Double decodes a fixed64 as float64.
func (f Field) Double() float64 {
	return math.Float64frombits(f.Fixed64)
}

// Range calls fn for every field in b, in wire order.
func Range(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.Fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			f.Fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("bad value for field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Doubles decodes a packed or a single unpacked double field.
func Doubles(f Field) ([]float64, error) {
	switch f.Type {
	case protowire.Fixed64Type:
		return []float64{f.Double()}, nil
	case protowire.BytesType:
		if len(f.Bytes)%8 != 0 {
			return nil, fmt.Errorf("packed doubles for field %d have %d bytes", f.Num, len(f.Bytes))
		}
		out := make([]float64, 0, len(f.Bytes)/8)
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, math.Float64frombits(v))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %d has wire type %d, expected doubles", f.Num, f.Type)
	}
}

// Ints decodes a packed or a single unpacked zigzag integer field.
func Ints(f Field) ([]int, error) {
	switch f.Type {
	case protowire.VarintType:
		return []int{int(f.Int())}, nil
	case protowire.BytesType:
		var out []int
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, int(protowire.DecodeZigZag(v)))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %d has wire type %d, expected integers", f.Num, f.Type)
	}
}
