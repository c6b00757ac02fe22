package kvtab

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// TableID is the first byte of every key belonging to a table.
type TableID uint8

type KeyStrategy int

const (
	// KeyDerived computes the primary key from the record.
	KeyDerived KeyStrategy = iota
	// KeyAutoIncrement assigns the next value of a per-table counter.
	KeyAutoIncrement
	// KeyUUID assigns a time-ordered UUIDv7.
	KeyUUID
)

func (s KeyStrategy) String() string {
	switch s {
	case KeyDerived:
		return "derived"
	case KeyAutoIncrement:
		return "autoincrement"
	case KeyUUID:
		return "uuid"
	default:
		return fmt.Sprintf("strategy%d", int(s))
	}
}

type TableOpt int

const (
	// AutoIncrement selects KeyAutoIncrement; the key type must be an
	// unsigned integer.
	AutoIncrement TableOpt = iota + 1

	// GeneratedUUID selects KeyUUID; the key type must be uuid.UUID.
	GeneratedUUID

	// Scatter prefixes record keys with a 2-byte hash of the primary key,
	// spreading sequential keys across the keyspace. Table scans then return
	// records in hash order and RangeByKey is unavailable.
	Scatter

	// SuppressContentWhenLogging omits row contents from verbose logs.
	SuppressContentWhenLogging
)

var uuidType = reflect.TypeOf(uuid.UUID{})

type Table struct {
	schema          *Schema
	id              TableID
	name            string
	pos             int // index in schema.tables
	rowType         reflect.Type
	rowTypePtr      reflect.Type
	keyType         reflect.Type
	keyEnc          *keyEncoding
	strategy        KeyStrategy
	keyOf           func(rowPtr reflect.Value) reflect.Value
	indices         []*Index
	indicesByName   map[string]*Index
	foreignKeys     []*ForeignKey
	scatter         bool
	suppressContent bool
	hasUnique       bool
	prefix          []byte
	errs            []error
}

// TableDef is a typed handle of a table whose records are Row and whose
// primary keys are K.
type TableDef[Row, K any] struct {
	*Table
	keyOf func(row *Row) K
}

// DefineTable declares a table. Pass keyOf to derive primary keys from
// records, or nil together with AutoIncrement or GeneratedUUID.
func DefineTable[Row, K any](scm *Schema, id TableID, name string, keyOf func(row *Row) K, opts ...TableOpt) *TableDef[Row, K] {
	rowType := reflect.TypeFor[Row]()
	keyType := reflect.TypeFor[K]()
	tbl := &Table{
		schema:        scm,
		id:            id,
		name:          name,
		rowType:       rowType,
		rowTypePtr:    reflect.PointerTo(rowType),
		keyType:       keyType,
		indicesByName: make(map[string]*Index),
		prefix:        []byte{byte(id), subtableRecords},
	}
	if rowType.Kind() != reflect.Struct {
		tbl.errorf("row type %v is not a struct", rowType)
	}
	var err error
	tbl.keyEnc, err = keyEncodingOf(keyType)
	if err != nil {
		tbl.errs = append(tbl.errs, fmt.Errorf("table %s: %w", name, err))
	}

	var strategies []KeyStrategy
	if keyOf != nil {
		strategies = append(strategies, KeyDerived)
		tbl.keyOf = func(rowPtr reflect.Value) reflect.Value {
			key := keyOf(rowPtr.Interface().(*Row))
			return reflect.ValueOf(&key).Elem()
		}
	}
	for _, opt := range opts {
		switch opt {
		case AutoIncrement:
			strategies = append(strategies, KeyAutoIncrement)
		case GeneratedUUID:
			strategies = append(strategies, KeyUUID)
		case Scatter:
			tbl.scatter = true
		case SuppressContentWhenLogging:
			tbl.suppressContent = true
		default:
			tbl.errorf("invalid option %d", int(opt))
		}
	}
	switch len(strategies) {
	case 0:
		tbl.errorf("no key strategy: pass a key function, AutoIncrement or GeneratedUUID")
	case 1:
		tbl.strategy = strategies[0]
	default:
		tbl.errorf("conflicting key strategies %v", strategies)
	}
	switch tbl.strategy {
	case KeyAutoIncrement:
		switch keyType.Kind() {
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		default:
			tbl.errorf("auto-increment key must be an unsigned integer, got %v", keyType)
		}
	case KeyUUID:
		if keyType != uuidType {
			tbl.errorf("generated key must be uuid.UUID, got %v", keyType)
		}
	}

	scm.addTable(tbl)
	return &TableDef[Row, K]{Table: tbl, keyOf: keyOf}
}

// DefineAutoTable declares a table keyed by an auto-increment counter.
func DefineAutoTable[Row any, K Unsigned](scm *Schema, id TableID, name string, opts ...TableOpt) *TableDef[Row, K] {
	return DefineTable[Row, K](scm, id, name, nil, append(opts[:len(opts):len(opts)], AutoIncrement)...)
}

type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

func (tbl *Table) errorf(format string, args ...any) {
	tbl.errs = append(tbl.errs, schemaErrf("table %s: %s", tbl.name, fmt.Sprintf(format, args...)))
}

func (tbl *Table) validate() []error {
	errs := append([]error(nil), tbl.errs...)
	tags := make(map[byte]*Index)
	for _, idx := range tbl.indices {
		errs = append(errs, idx.errs...)
		if idx.tag < firstIndexTag {
			errs = append(errs, schemaErrf("table %s: index %s: tag %d is reserved", tbl.name, idx.name, idx.tag))
		} else if prev := tags[idx.tag]; prev != nil {
			errs = append(errs, schemaErrf("table %s: index %s: tag %d already used by index %s", tbl.name, idx.name, idx.tag, prev.name))
		} else {
			tags[idx.tag] = idx
		}
	}
	return errs
}

func (tbl *Table) Schema() *Schema            { return tbl.schema }
func (tbl *Table) ID() TableID                { return tbl.id }
func (tbl *Table) Name() string               { return tbl.name }
func (tbl *Table) RowType() reflect.Type      { return tbl.rowType }
func (tbl *Table) KeyType() reflect.Type      { return tbl.keyType }
func (tbl *Table) KeyStrategy() KeyStrategy   { return tbl.strategy }
func (tbl *Table) Scattered() bool            { return tbl.scatter }
func (tbl *Table) Indexes() []*Index          { return append([]*Index(nil), tbl.indices...) }
func (tbl *Table) ForeignKeys() []*ForeignKey { return append([]*ForeignKey(nil), tbl.foreignKeys...) }
func (tbl *Table) String() string             { return tbl.name }

func (tbl *Table) IndexNamed(name string) *Index {
	return tbl.indicesByName[name]
}

// KeyComponents lists the primary key components in encoding order.
func (tbl *Table) KeyComponents() []KeyComponent {
	if tbl.keyEnc == nil {
		return nil
	}
	return tbl.keyEnc.Components()
}

// PrimaryKeyPrefix returns the prefix shared by all record keys of the table.
func (tbl *Table) PrimaryKeyPrefix() []byte {
	return bytes.Clone(tbl.prefix)
}

// IndexPrefix returns the prefix shared by all entries of the named index,
// or nil if there is no such index.
func (tbl *Table) IndexPrefix(name string) []byte {
	idx := tbl.indicesByName[name]
	if idx == nil {
		return nil
	}
	return idx.Prefix()
}

func (tbl *Table) metaKey(name string) []byte {
	return append([]byte{byte(tbl.id), subtableMeta}, name...)
}

// CounterKey is where the auto-increment counter lives.
func (tbl *Table) CounterKey() []byte {
	return tbl.metaKey(metaSequence)
}

func (tbl *Table) stateKey() []byte {
	return tbl.metaKey(metaState)
}

func (tbl *Table) encodeKeyVal(buf []byte, keyVal reflect.Value) []byte {
	return tbl.keyEnc.encode(buf, keyVal)
}

// EncodeKey returns the encoded primary key (without the table prefix).
func (tbl *Table) EncodeKey(key any) []byte {
	keyVal := reflect.ValueOf(key)
	if keyVal.Type() != tbl.keyType {
		panic(fmt.Errorf("%s: key must be %v, got %T", tbl.name, tbl.keyType, key))
	}
	return tbl.encodeKeyVal(nil, keyVal)
}

func (tbl *Table) recordKey(pkRaw []byte) []byte {
	n := len(tbl.prefix) + len(pkRaw)
	if tbl.scatter {
		n += 2
	}
	buf := make([]byte, 0, n)
	buf = append(buf, tbl.prefix...)
	if tbl.scatter {
		buf = binary.BigEndian.AppendUint16(buf, scatterHash(pkRaw))
	}
	return append(buf, pkRaw...)
}

func scatterHash(pkRaw []byte) uint16 {
	return uint16(xxhash.Sum64(pkRaw))
}

// pkFromRecordKey strips the table prefix (and scatter bytes) from a record key.
func (tbl *Table) pkFromRecordKey(key []byte) ([]byte, error) {
	if !bytes.HasPrefix(key, tbl.prefix) {
		return nil, dataErrf(key, 0, nil, "%s: not a record key", tbl.name)
	}
	pk := key[len(tbl.prefix):]
	if tbl.scatter {
		if len(pk) < 2 {
			return nil, dataErrf(key, len(tbl.prefix), nil, "%s: missing scatter bytes", tbl.name)
		}
		h := binary.BigEndian.Uint16(pk)
		pk = pk[2:]
		if h != scatterHash(pk) {
			return nil, dataErrf(key, len(tbl.prefix), nil, "%s: scatter hash mismatch", tbl.name)
		}
	}
	return pk, nil
}

func (tbl *Table) decodeKeyVal(pkRaw []byte) (reflect.Value, error) {
	keyVal := reflect.New(tbl.keyType).Elem()
	rest, err := tbl.keyEnc.decode(pkRaw, keyVal)
	if err != nil {
		return reflect.Value{}, err
	}
	if len(rest) != 0 {
		return reflect.Value{}, dataErrf(pkRaw, len(pkRaw)-len(rest), nil, "%s: trailing bytes after primary key", tbl.name)
	}
	return keyVal, nil
}

func (tbl *Table) newRowVal() reflect.Value {
	return reflect.New(tbl.rowType)
}

// KeyString renders a primary key for diagnostics.
func (tbl *Table) KeyString(key any) string {
	return tbl.keyEnc.format(reflect.ValueOf(key))
}

// RawKeyString renders an encoded primary key for diagnostics.
func (tbl *Table) RawKeyString(pkRaw []byte) string {
	return tbl.keyEnc.formatRaw(pkRaw)
}
