package kvtab

import (
	"fmt"
	"reflect"
)

type Index struct {
	table     *Table
	pos       int // index in table.indices
	name      string
	tag       byte
	valueType reflect.Type
	valueEnc  *keyEncoding
	unique    bool
	valueOf   func(rowPtr reflect.Value) reflect.Value
	fk        *ForeignKey
	prefix    []byte
	errs      []error
}

// IndexDef is a typed handle of an index of Row records keyed by K whose
// indexed values are V.
type IndexDef[Row, K, V any] struct {
	*Index
	valueOf func(row *Row) V
}

type IndexOpt int

const (
	// IndexUnique rejects a second record with the same indexed value.
	IndexUnique IndexOpt = iota + 1
)

// IndexTag sets the subtable byte of an index explicitly. Tags must be at
// least 2 and unique within the table; by default an index gets 2 plus its
// declaration position. Keeping tags stable lets indexes be added or removed
// without renumbering the others.
type IndexTag byte

// DefineIndex declares a secondary index over the value valueOf extracts
// from each record. Options are IndexOpt and IndexTag values.
func DefineIndex[Row, K, V any](tbl *TableDef[Row, K], name string, valueOf func(row *Row) V, opts ...any) *IndexDef[Row, K, V] {
	idx := &Index{
		name:      name,
		valueType: reflect.TypeFor[V](),
	}
	if valueOf != nil {
		idx.valueOf = func(rowPtr reflect.Value) reflect.Value {
			v := valueOf(rowPtr.Interface().(*Row))
			return reflect.ValueOf(&v).Elem()
		}
	}
	tbl.addIndex(idx, opts)
	return &IndexDef[Row, K, V]{Index: idx, valueOf: valueOf}
}

func (tbl *Table) addIndex(idx *Index, opts []any) {
	idx.table = tbl
	idx.pos = len(tbl.indices)
	idx.tag = byte(firstIndexTag + idx.pos)
	if idx.pos+firstIndexTag > 0xFF {
		idx.errorf("too many indexes")
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case IndexOpt:
			switch opt {
			case IndexUnique:
				idx.unique = true
				tbl.hasUnique = true
			default:
				idx.errorf("invalid option %d", int(opt))
			}
		case IndexTag:
			idx.tag = byte(opt)
		default:
			idx.errorf("invalid option %T %v", opt, opt)
		}
	}
	if idx.valueOf == nil {
		idx.errorf("missing value function")
	}
	var err error
	idx.valueEnc, err = keyEncodingOf(idx.valueType)
	if err != nil {
		idx.errs = append(idx.errs, fmt.Errorf("table %s: index %s: %w", tbl.name, idx.name, err))
	}
	idx.prefix = []byte{byte(tbl.id), idx.tag}

	if idx.name == "" {
		idx.errorf("empty index name")
	} else if tbl.indicesByName[idx.name] != nil {
		idx.errorf("duplicate index name")
	} else {
		tbl.indicesByName[idx.name] = idx
	}
	tbl.indices = append(tbl.indices, idx)
}

func (idx *Index) errorf(format string, args ...any) {
	idx.errs = append(idx.errs, schemaErrf("table %s: index %s: %s", idx.table.name, idx.name, fmt.Sprintf(format, args...)))
}

func (idx *Index) Table() *Table           { return idx.table }
func (idx *Index) Name() string            { return idx.name }
func (idx *Index) Tag() byte               { return idx.tag }
func (idx *Index) IsUnique() bool          { return idx.unique }
func (idx *Index) ValueType() reflect.Type { return idx.valueType }
func (idx *Index) ForeignKey() *ForeignKey { return idx.fk }
func (idx *Index) FullName() string        { return idx.table.name + "." + idx.name }
func (idx *Index) String() string          { return idx.FullName() }

func (idx *Index) ValueComponents() []KeyComponent {
	if idx.valueEnc == nil {
		return nil
	}
	return idx.valueEnc.Components()
}

// Prefix returns the prefix shared by all entries of the index.
func (idx *Index) Prefix() []byte {
	return append([]byte(nil), idx.prefix...)
}

// entryKey builds table_id || tag || enc(value) || pk.
func (idx *Index) entryKey(valueVal reflect.Value, pkRaw []byte) []byte {
	buf := make([]byte, 0, len(idx.prefix)+len(pkRaw)+32)
	buf = append(buf, idx.prefix...)
	buf = idx.valueEnc.encode(buf, valueVal)
	return append(buf, pkRaw...)
}

func (idx *Index) valuePrefix(valueVal reflect.Value) []byte {
	buf := append([]byte(nil), idx.prefix...)
	return idx.valueEnc.encode(buf, valueVal)
}

// splitEntryKey separates an index entry key into the encoded value and the
// encoded primary key.
func (idx *Index) splitEntryKey(key []byte) (valueRaw, pkRaw []byte, err error) {
	if len(key) < len(idx.prefix) || key[0] != idx.prefix[0] || key[1] != idx.prefix[1] {
		return nil, nil, dataErrf(key, 0, nil, "%s: not an index entry", idx.FullName())
	}
	rest := key[len(idx.prefix):]
	n, err := idx.valueEnc.skip(rest)
	if err != nil {
		return nil, nil, err
	}
	return rest[:n], rest[n:], nil
}
