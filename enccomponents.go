package kvtab

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

var timeType = reflect.TypeOf((*time.Time)(nil)).Elem()

// ComponentKind identifies how a single key component is encoded.
type ComponentKind int

const (
	KindUint ComponentKind = iota
	KindInt
	KindBool
	KindString
	KindBytes
	KindFixedBytes
	KindTime
)

func (k ComponentKind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindFixedBytes:
		return "fixed"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind%d", int(k))
	}
}

// KeyComponent describes one component of an encoded key tuple.
type KeyComponent struct {
	// Path is the dotted field path within the key type, empty for scalar keys.
	Path string
	Type reflect.Type
	Kind ComponentKind
	// Width is the encoded width in bytes, or 0 for variable-width components.
	Width int
}

var keyEncodings sync.Map

type keyEncodingResult struct {
	enc *keyEncoding
	err error
}

type keyEncoding struct {
	typ        reflect.Type
	components []*keyComponent
	width      int // total width when every component is fixed, else 0
}

type keyComponent struct {
	KeyComponent
	index  []int
	encode func(buf []byte, v reflect.Value) []byte
	decode func(b []byte, v reflect.Value) ([]byte, error)
	format func(v reflect.Value) string
}

func keyEncodingOf(typ reflect.Type) (*keyEncoding, error) {
	if r, ok := keyEncodings.Load(typ); ok {
		r := r.(*keyEncodingResult)
		return r.enc, r.err
	}
	enc := &keyEncoding{typ: typ}
	err := enumerateKeyComponents(typ, nil, nil, func(kc *keyComponent) {
		enc.components = append(enc.components, kc)
	})
	if err == nil && len(enc.components) == 0 {
		err = fmt.Errorf("%v has no key components", typ)
	}
	if err != nil {
		err = schemaErrf("unsupported key type %v: %v", typ, err)
		enc = nil
	} else {
		for _, kc := range enc.components {
			if kc.Width == 0 {
				enc.width = 0
				break
			}
			enc.width += kc.Width
		}
	}
	r, _ := keyEncodings.LoadOrStore(typ, &keyEncodingResult{enc, err})
	return r.(*keyEncodingResult).enc, r.(*keyEncodingResult).err
}

func enumerateKeyComponents(typ reflect.Type, index []int, path []string, f func(kc *keyComponent)) error {
	kc := &keyComponent{
		KeyComponent: KeyComponent{
			Path: strings.Join(path, "."),
			Type: typ,
		},
		index: append([]int(nil), index...),
	}
	if typ == timeType {
		kc.Kind, kc.Width = KindTime, 12
		kc.encode = func(buf []byte, v reflect.Value) []byte {
			return AppendTime(buf, v.Interface().(time.Time))
		}
		kc.decode = func(b []byte, v reflect.Value) ([]byte, error) {
			t, rest, err := DecodeTime(b)
			if err == nil {
				v.Set(reflect.ValueOf(t))
			}
			return rest, err
		}
		kc.format = func(v reflect.Value) string {
			return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano)
		}
		f(kc)
		return nil
	}

	switch typ.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		kc.Kind, kc.Width = KindUint, int(typ.Size())
		kc.encode, kc.decode = uintCodec(kc.Width)
		kc.format = func(v reflect.Value) string { return fmt.Sprint(v.Uint()) }
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		kc.Kind, kc.Width = KindInt, int(typ.Size())
		kc.encode, kc.decode = intCodec(kc.Width)
		kc.format = func(v reflect.Value) string { return fmt.Sprint(v.Int()) }
	case reflect.Bool:
		kc.Kind, kc.Width = KindBool, 1
		kc.encode = func(buf []byte, v reflect.Value) []byte {
			return AppendBool(buf, v.Bool())
		}
		kc.decode = func(b []byte, v reflect.Value) ([]byte, error) {
			x, rest, err := DecodeBool(b)
			v.SetBool(x)
			return rest, err
		}
		kc.format = func(v reflect.Value) string { return fmt.Sprint(v.Bool()) }
	case reflect.String:
		kc.Kind = KindString
		kc.encode = func(buf []byte, v reflect.Value) []byte {
			return AppendString(buf, v.String())
		}
		kc.decode = func(b []byte, v reflect.Value) ([]byte, error) {
			s, rest, err := DecodeString(b)
			v.SetString(s)
			return rest, err
		}
		kc.format = func(v reflect.Value) string { return fmt.Sprintf("%q", v.String()) }
	case reflect.Slice:
		if typ.Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("%s: slices of %v are not supported", kc.Path, typ.Elem())
		}
		kc.Kind = KindBytes
		kc.encode = func(buf []byte, v reflect.Value) []byte {
			return AppendBytes(buf, v.Bytes())
		}
		kc.decode = func(b []byte, v reflect.Value) ([]byte, error) {
			x, rest, err := DecodeBytes(b)
			v.SetBytes(x)
			return rest, err
		}
		kc.format = func(v reflect.Value) string { return hexstr(v.Bytes()) }
	case reflect.Array:
		if typ.Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("%s: arrays of %v are not supported", kc.Path, typ.Elem())
		}
		n := typ.Len()
		kc.Kind, kc.Width = KindFixedBytes, n
		kc.encode = func(buf []byte, v reflect.Value) []byte {
			off, buf := grow(buf, n)
			reflect.Copy(reflect.ValueOf(buf[off:]), v)
			return buf
		}
		kc.decode = func(b []byte, v reflect.Value) ([]byte, error) {
			raw, rest, err := fixedWidth(b, n, typ.String())
			if err != nil {
				return nil, err
			}
			reflect.Copy(v, reflect.ValueOf(raw))
			return rest, nil
		}
		kc.format = func(v reflect.Value) string {
			if s, ok := v.Interface().(fmt.Stringer); ok {
				return s.String()
			}
			raw := make([]byte, n)
			reflect.Copy(reflect.ValueOf(raw), v)
			return hexstr(raw)
		}
	case reflect.Struct:
		n := typ.NumField()
		for i := 0; i < n; i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				return fmt.Errorf("%v.%s: unexported fields are not supported in keys", typ, field.Name)
			}
			err := enumerateKeyComponents(field.Type, append(index, i), append(path, field.Name), f)
			if err != nil {
				return err
			}
		}
		return nil
	default:
		if kc.Path == "" {
			return fmt.Errorf("%v is not a supported key kind", typ.Kind())
		}
		return fmt.Errorf("%s: %v is not a supported key kind", kc.Path, typ.Kind())
	}
	f(kc)
	return nil
}

func uintCodec(width int) (func([]byte, reflect.Value) []byte, func([]byte, reflect.Value) ([]byte, error)) {
	switch width {
	case 1:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendUint8(buf, uint8(v.Uint()))
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeUint8(b)
				v.SetUint(uint64(x))
				return rest, err
			}
	case 2:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendUint16(buf, uint16(v.Uint()))
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeUint16(b)
				v.SetUint(uint64(x))
				return rest, err
			}
	case 4:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendUint32(buf, uint32(v.Uint()))
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeUint32(b)
				v.SetUint(uint64(x))
				return rest, err
			}
	default:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendUint64(buf, v.Uint())
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeUint64(b)
				v.SetUint(x)
				return rest, err
			}
	}
}

func intCodec(width int) (func([]byte, reflect.Value) []byte, func([]byte, reflect.Value) ([]byte, error)) {
	switch width {
	case 1:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendInt8(buf, int8(v.Int()))
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeInt8(b)
				v.SetInt(int64(x))
				return rest, err
			}
	case 2:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendInt16(buf, int16(v.Int()))
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeInt16(b)
				v.SetInt(int64(x))
				return rest, err
			}
	case 4:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendInt32(buf, int32(v.Int()))
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeInt32(b)
				v.SetInt(int64(x))
				return rest, err
			}
	default:
		return func(buf []byte, v reflect.Value) []byte {
				return AppendInt64(buf, v.Int())
			}, func(b []byte, v reflect.Value) ([]byte, error) {
				x, rest, err := DecodeInt64(b)
				v.SetInt(x)
				return rest, err
			}
	}
}

func fieldAt(v reflect.Value, index []int) reflect.Value {
	if len(index) == 0 {
		return v
	}
	return v.FieldByIndex(index)
}

func (enc *keyEncoding) Components() []KeyComponent {
	result := make([]KeyComponent, len(enc.components))
	for i, kc := range enc.components {
		result[i] = kc.KeyComponent
	}
	return result
}

func (enc *keyEncoding) encode(buf []byte, val reflect.Value) []byte {
	for _, kc := range enc.components {
		buf = kc.encode(buf, fieldAt(val, kc.index))
	}
	return buf
}

// decode decodes one tuple of enc.typ from the start of b into val, which
// must be settable, and returns the remaining bytes.
func (enc *keyEncoding) decode(b []byte, val reflect.Value) ([]byte, error) {
	orig := b
	for _, kc := range enc.components {
		off := len(orig) - len(b)
		rest, err := kc.decode(b, fieldAt(val, kc.index))
		if err != nil {
			msg := "decoding key"
			if kc.Path != "" {
				msg = "decoding key component " + kc.Path
			}
			if de, ok := err.(*DataError); ok {
				return nil, dataErrf(orig, off+de.Off, nil, "%s: %s", msg, de.Msg)
			}
			return nil, dataErrf(orig, off, err, "%s", msg)
		}
		b = rest
	}
	return b, nil
}

// skip returns the length of the first encoded tuple in b.
func (enc *keyEncoding) skip(b []byte) (int, error) {
	if enc.width > 0 {
		if len(b) < enc.width {
			return 0, dataErrf(b, len(b), nil, "truncated key: %d bytes remaining, %d wanted", len(b), enc.width)
		}
		return enc.width, nil
	}
	tmp := reflect.New(enc.typ).Elem()
	rest, err := enc.decode(b, tmp)
	if err != nil {
		return 0, err
	}
	return len(b) - len(rest), nil
}

func (enc *keyEncoding) format(val reflect.Value) string {
	if len(enc.components) == 1 {
		return enc.components[0].format(fieldAt(val, enc.components[0].index))
	}
	var buf strings.Builder
	for i, kc := range enc.components {
		if i > 0 {
			buf.WriteByte('|')
		}
		buf.WriteString(kc.format(fieldAt(val, kc.index)))
	}
	return buf.String()
}

// formatRaw renders an encoded tuple for diagnostics.
func (enc *keyEncoding) formatRaw(b []byte) string {
	tmp := reflect.New(enc.typ).Elem()
	rest, err := enc.decode(b, tmp)
	if err != nil {
		return "!" + hexstr(b)
	}
	s := enc.format(tmp)
	if len(rest) > 0 {
		s += "+" + hexstr(rest)
	}
	return s
}

func mustKeyEncoding(typ reflect.Type) *keyEncoding {
	return must(keyEncodingOf(typ))
}

// EncodeKey appends the order-preserving encoding of key to buf. It panics
// if K is not a supported key type; table and index declarations reject
// such types up front.
func EncodeKey[K any](buf []byte, key K) []byte {
	enc := mustKeyEncoding(reflect.TypeFor[K]())
	return enc.encode(buf, reflect.ValueOf(&key).Elem())
}

// DecodeKey decodes a K from the start of b and returns the remaining bytes.
func DecodeKey[K any](b []byte) (K, []byte, error) {
	var key K
	enc, err := keyEncodingOf(reflect.TypeFor[K]())
	if err != nil {
		return key, nil, err
	}
	rest, err := enc.decode(b, reflect.ValueOf(&key).Elem())
	if err != nil {
		var zero K
		return zero, nil, err
	}
	return key, rest, nil
}

// KeyComponentsOf lists the encoded components of K in encoding order.
func KeyComponentsOf[K any]() ([]KeyComponent, error) {
	enc, err := keyEncodingOf(reflect.TypeFor[K]())
	if err != nil {
		return nil, err
	}
	return enc.Components(), nil
}
