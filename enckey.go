package kvtab

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Order-preserving key encoding.
//
// Every encoding below sorts byte-wise in the same order as the values it
// encodes, and no encoding of a value is a prefix of the encoding of another
// value of the same type, so tuples can be formed by plain concatenation.
//
// Unsigned integers are fixed-width big-endian. Signed integers are
// big-endian with the sign bit flipped. Strings and byte slices have every
// 0x00 escaped as 0x00 0xFF and are terminated by 0x00 0x01.

const (
	strEscape     = 0x00
	strEscapedNul = 0xFF
	strTerminator = 0x01
)

func AppendUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func AppendUint16(buf []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, v)
}

func AppendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func AppendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func AppendInt8(buf []byte, v int8) []byte {
	return append(buf, uint8(v)^0x80)
}

func AppendInt16(buf []byte, v int16) []byte {
	return binary.BigEndian.AppendUint16(buf, uint16(v)^(1<<15))
}

func AppendInt32(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v)^(1<<31))
}

func AppendInt64(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
}

func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func AppendBytes(buf []byte, v []byte) []byte {
	buf = ensureCapacity(buf, len(buf)+len(v)+2)
	for _, b := range v {
		if b == strEscape {
			buf = append(buf, strEscape, strEscapedNul)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, strEscape, strTerminator)
}

func AppendString(buf []byte, v string) []byte {
	buf = ensureCapacity(buf, len(buf)+len(v)+2)
	for i := 0; i < len(v); i++ {
		if b := v[i]; b == strEscape {
			buf = append(buf, strEscape, strEscapedNul)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, strEscape, strTerminator)
}

// AppendTime encodes t as sign-flipped Unix seconds followed by the
// nanosecond fraction. The location is not preserved.
func AppendTime(buf []byte, t time.Time) []byte {
	buf = AppendInt64(buf, t.Unix())
	return AppendUint32(buf, uint32(t.Nanosecond()))
}

func fixedWidth(b []byte, n int, what string) ([]byte, []byte, error) {
	if len(b) < n {
		return nil, nil, dataErrf(b, len(b), nil, "truncated %s: %d bytes remaining, %d wanted", what, len(b), n)
	}
	return b[:n], b[n:], nil
}

func DecodeUint8(b []byte) (uint8, []byte, error) {
	v, rest, err := fixedWidth(b, 1, "uint8")
	if err != nil {
		return 0, nil, err
	}
	return v[0], rest, nil
}

func DecodeUint16(b []byte) (uint16, []byte, error) {
	v, rest, err := fixedWidth(b, 2, "uint16")
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint16(v), rest, nil
}

func DecodeUint32(b []byte) (uint32, []byte, error) {
	v, rest, err := fixedWidth(b, 4, "uint32")
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(v), rest, nil
}

func DecodeUint64(b []byte) (uint64, []byte, error) {
	v, rest, err := fixedWidth(b, 8, "uint64")
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint64(v), rest, nil
}

func DecodeInt8(b []byte) (int8, []byte, error) {
	v, rest, err := DecodeUint8(b)
	return int8(v ^ 0x80), rest, err
}

func DecodeInt16(b []byte) (int16, []byte, error) {
	v, rest, err := DecodeUint16(b)
	return int16(v ^ (1 << 15)), rest, err
}

func DecodeInt32(b []byte) (int32, []byte, error) {
	v, rest, err := DecodeUint32(b)
	return int32(v ^ (1 << 31)), rest, err
}

func DecodeInt64(b []byte) (int64, []byte, error) {
	v, rest, err := DecodeUint64(b)
	return int64(v ^ (1 << 63)), rest, err
}

func DecodeBool(b []byte) (bool, []byte, error) {
	v, rest, err := DecodeUint8(b)
	if err != nil {
		return false, nil, err
	}
	switch v {
	case 0:
		return false, rest, nil
	case 1:
		return true, rest, nil
	default:
		return false, nil, dataErrf(b, 0, nil, "invalid bool byte %02x", v)
	}
}

// DecodeBytes decodes a terminated byte string. The result is a fresh slice.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	i := bytes.IndexByte(b, strEscape)
	if i >= 0 && i+1 < len(b) && b[i+1] == strTerminator {
		// common case: no embedded zeros
		return bytes.Clone(b[:i]), b[i+2:], nil
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != strEscape {
			out = append(out, c)
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, dataErrf(b, i, nil, "unterminated byte string")
		}
		switch b[i+1] {
		case strTerminator:
			return out, b[i+2:], nil
		case strEscapedNul:
			out = append(out, 0)
			i++
		default:
			return nil, nil, dataErrf(b, i, nil, "invalid escape sequence 00 %02x", b[i+1])
		}
	}
	return nil, nil, dataErrf(b, len(b), nil, "unterminated byte string")
}

func DecodeString(b []byte) (string, []byte, error) {
	v, rest, err := DecodeBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(v), rest, nil
}

func DecodeTime(b []byte) (time.Time, []byte, error) {
	sec, rest, err := DecodeInt64(b)
	if err != nil {
		return time.Time{}, nil, err
	}
	nsec, rest, err := DecodeUint32(rest)
	if err != nil {
		return time.Time{}, nil, err
	}
	if nsec >= 1e9 {
		return time.Time{}, nil, dataErrf(b, 8, nil, "invalid nanoseconds %d", nsec)
	}
	return time.Unix(sec, int64(nsec)).UTC(), rest, nil
}
