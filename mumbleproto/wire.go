package mumbleproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every control message in this package.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// field append helpers; absent (nil) fields are simply not emitted.

func appendUint32(b []byte, num protowire.Number, v *uint32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}

func appendUint64(b []byte, num protowire.Number, v *uint64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, *v)
}

func appendInt32(b []byte, num protowire.Number, v *int32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	// proto int32 is sign-extended to 64 bits on the wire
	return protowire.AppendVarint(b, uint64(int64(*v)))
}

func appendBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	var bit uint64
	if *v {
		bit = 1
	}
	return protowire.AppendVarint(b, bit)
}

func appendString(b []byte, num protowire.Number, v *string) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, *v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint32List(b []byte, num protowire.Number, vs []uint32) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

// walkFields iterates the wire fields of data, invoking fn for each.
// fn returns the number of payload bytes it consumed, or a negative
// protowire error count. Unknown fields are skipped, matching protobuf
// semantics so newer servers stay compatible.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, payload []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("mumbleproto: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		consumed := fn(num, typ, data)
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, data)
		}
		if consumed < 0 {
			return fmt.Errorf("mumbleproto: bad field %d: %w", num, protowire.ParseError(consumed))
		}
		data = data[consumed:]
	}
	return nil
}

func readUint32(payload []byte, dst **uint32) int {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return n
	}
	u := uint32(v)
	*dst = &u
	return n
}

func readUint64(payload []byte, dst **uint64) int {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return n
	}
	u := v
	*dst = &u
	return n
}

func readInt32(payload []byte, dst **int32) int {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return n
	}
	i := int32(int64(v))
	*dst = &i
	return n
}

func readBool(payload []byte, dst **bool) int {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return n
	}
	b := v != 0
	*dst = &b
	return n
}

func readString(payload []byte, dst **string) int {
	v, n := protowire.ConsumeString(payload)
	if n < 0 {
		return n
	}
	s := v
	*dst = &s
	return n
}

func readBytes(payload []byte, dst *[]byte) int {
	v, n := protowire.ConsumeBytes(payload)
	if n < 0 {
		return n
	}
	*dst = append([]byte(nil), v...)
	return n
}

func readUint32List(payload []byte, typ protowire.Type, dst *[]uint32) int {
	if typ == protowire.BytesType {
		// packed form
		packed, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m
			}
			*dst = append(*dst, uint32(v))
			packed = packed[m:]
		}
		return n
	}
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return n
	}
	*dst = append(*dst, uint32(v))
	return n
}

// pointer constructors used when building outbound messages.

// Uint32 returns a pointer to v.
func Uint32(v uint32) *uint32 { return &v }

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 { return &v }

// Int32 returns a pointer to v.
func Int32(v int32) *int32 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
