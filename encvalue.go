package kvtab

import (
	"reflect"
)

// Record values are stored as
//
//	uvarint(flags) [uvarint(rawSize)] payload
//
// where flags carry the format version, the serializer and the compression
// codec; rawSize is present only for compressed payloads.

const (
	valueFormatVer1      = 1
	valueFormatVerLatest = valueFormatVer1
)

type valueFlags uint64

const (
	vfVerMask         valueFlags = 0x0F
	vfCompressionMask valueFlags = 0x30
	vfSerializerMask  valueFlags = 0xC0

	vfCompressionShift = 4
	vfSerializerShift  = 6

	vfSupportedMask = vfVerMask | vfCompressionMask | vfSerializerMask
)

func makeValueFlags(ser Serializer, comp Compression) valueFlags {
	return valueFlags(valueFormatVerLatest) |
		valueFlags(comp)<<vfCompressionShift |
		valueFlags(ser)<<vfSerializerShift
}

func (vf valueFlags) ver() int {
	return int(vf & vfVerMask)
}

func (vf valueFlags) compression() Compression {
	return Compression((vf & vfCompressionMask) >> vfCompressionShift)
}

func (vf valueFlags) serializer() Serializer {
	return Serializer((vf & vfSerializerMask) >> vfSerializerShift)
}

type valueCodec struct {
	serializer  Serializer
	compression Compression
	threshold   int
}

func (vc valueCodec) encode(rowVal reflect.Value) ([]byte, error) {
	payload, err := vc.serializer.EncodeValue(nil, rowVal)
	if err != nil {
		return nil, err
	}
	if vc.compression != CompressNone && len(payload) >= vc.threshold {
		buf := appendUvarint(nil, uint64(makeValueFlags(vc.serializer, vc.compression)))
		buf = appendUvarint(buf, uint64(len(payload)))
		out, ok, err := vc.compression.compress(buf, payload)
		if err != nil {
			return nil, err
		}
		if ok {
			return out, nil
		}
	}
	buf := appendUvarint(make([]byte, 0, len(payload)+2), uint64(makeValueFlags(vc.serializer, CompressNone)))
	return appendRaw(buf, payload), nil
}

// decodeValuePayload validates the value header and returns the
// uncompressed payload and the serializer that produced it.
func decodeValuePayload(data []byte) ([]byte, Serializer, error) {
	d := makeByteDecoder(data)
	v, err := d.Uvarint()
	if err != nil {
		return nil, 0, err
	}
	vf := valueFlags(v)
	if vf&^vfSupportedMask != 0 || vf.ver() != valueFormatVer1 {
		return nil, 0, dataErrf(data, 0, nil, "invalid value: unsupported flags %x", v)
	}
	ser := vf.serializer()
	if ser > maxSerializer {
		return nil, 0, dataErrf(data, 0, nil, "invalid value: unknown serializer %d", int(ser))
	}
	comp := vf.compression()
	if comp == CompressNone {
		return d.Rest(), ser, nil
	}
	if comp > maxCompression {
		return nil, 0, dataErrf(data, 0, nil, "invalid value: unknown compression %d", int(comp))
	}
	rawSize, err := d.Uvarinti()
	if err != nil {
		return nil, 0, err
	}
	off := d.Off()
	payload, err := comp.decompress(d.Rest(), rawSize)
	if err != nil {
		return nil, 0, dataErrf(data, off, err, "invalid value: %v payload", comp)
	}
	return payload, ser, nil
}

func decodeValue(data []byte, rowPtrVal reflect.Value) error {
	payload, ser, err := decodeValuePayload(data)
	if err != nil {
		return err
	}
	return ser.DecodeValue(payload, rowPtrVal)
}
