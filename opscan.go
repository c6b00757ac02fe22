package kvtab

import (
	"bytes"
	"context"
	"errors"
	"reflect"
)

// Cursor walks the records of a table in storage order, which is primary
// key order unless the table is scattered. A cursor must be closed.
//
//	c := kvtab.ScanTable(ctx, db, users)
//	defer c.Close()
//	for c.Next() {
//		row, err := c.Row()
//		...
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor[Row, K any] struct {
	tbl   *Table
	it    Iterator
	lower []byte // inclusive, nil for none
	upper []byte // exclusive, nil for none

	pkRaw []byte
	key   K
	row   *Row
	err   error
	done  bool
}

// ScanTable iterates over every record of tbl.
func ScanTable[Row, K any](ctx context.Context, db *DB, tbl *TableDef[Row, K]) *Cursor[Row, K] {
	return &Cursor[Row, K]{
		tbl: tbl.Table,
		it:  db.storage.Scan(ctx, tbl.prefix),
	}
}

// RangeByKey iterates over the records with lower <= key < upper in primary
// key order. Scattered tables do not keep their records in key order and
// fail with errors.ErrUnsupported.
func RangeByKey[Row, K any](ctx context.Context, db *DB, tbl *TableDef[Row, K], lower, upper K) *Cursor[Row, K] {
	c := &Cursor[Row, K]{tbl: tbl.Table}
	if tbl.scatter {
		c.err = tableErrf(tbl.Table, nil, nil, errors.ErrUnsupported, "key range over a scattered table")
		c.done = true
		return c
	}
	c.lower = tbl.encodeKeyVal(nil, reflect.ValueOf(&lower).Elem())
	c.upper = tbl.encodeKeyVal(nil, reflect.ValueOf(&upper).Elem())
	if bytes.Compare(c.lower, c.upper) >= 0 {
		c.done = true
		return c
	}
	prefix := concat(tbl.prefix, c.lower[:commonPrefixLen(c.lower, c.upper)])
	c.it = db.storage.Scan(ctx, prefix)
	return c
}

func (c *Cursor[Row, K]) Next() bool {
	if c.done {
		return false
	}
	c.row = nil
	for c.it.Next() {
		pkRaw, err := c.tbl.pkFromRecordKey(c.it.Key())
		if err != nil {
			return c.fail(tableErrf(c.tbl, nil, nil, err, "scanning records"))
		}
		if c.lower != nil && bytes.Compare(pkRaw, c.lower) < 0 {
			continue
		}
		if c.upper != nil && bytes.Compare(pkRaw, c.upper) >= 0 {
			c.done = true
			return false
		}
		keyVal, err := c.tbl.decodeKeyVal(pkRaw)
		if err != nil {
			return c.fail(tableErrf(c.tbl, nil, pkRaw, err, "decoding key"))
		}
		c.pkRaw = pkRaw
		c.key = keyVal.Interface().(K)
		return true
	}
	if err := c.it.Err(); err != nil {
		return c.fail(tableErrf(c.tbl, nil, nil, backendErr(err), "scanning records"))
	}
	c.done = true
	return false
}

func (c *Cursor[Row, K]) fail(err error) bool {
	c.err = err
	c.done = true
	return false
}

func (c *Cursor[Row, K]) Key() K {
	return c.key
}

// Row decodes the current record.
func (c *Cursor[Row, K]) Row() (*Row, error) {
	if c.row != nil {
		return c.row, nil
	}
	rowPtr := c.tbl.newRowVal()
	if err := decodeValue(c.it.Value(), rowPtr); err != nil {
		return nil, tableErrf(c.tbl, nil, c.pkRaw, err, "decoding record")
	}
	c.row = rowPtr.Interface().(*Row)
	return c.row, nil
}

func (c *Cursor[Row, K]) Err() error {
	return c.err
}

func (c *Cursor[Row, K]) Close() error {
	c.done = true
	if c.it == nil {
		return nil
	}
	return c.it.Close()
}

// Keys drains and closes the cursor, collecting its keys.
func (c *Cursor[Row, K]) Keys() ([]K, error) {
	defer c.Close()
	var keys []K
	for c.Next() {
		keys = append(keys, c.key)
	}
	return keys, c.err
}

// Rows drains and closes the cursor, collecting its records.
func (c *Cursor[Row, K]) Rows() ([]*Row, error) {
	defer c.Close()
	var rows []*Row
	for c.Next() {
		row, err := c.Row()
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, c.err
}

// LastKey returns the greatest primary key in tbl, and false if the table
// is empty. Storage has no reverse scan, so this reads every key. Scattered
// tables fail with errors.ErrUnsupported.
func LastKey[Row, K any](ctx context.Context, db *DB, tbl *TableDef[Row, K]) (K, bool, error) {
	var last K
	if tbl.scatter {
		return last, false, tableErrf(tbl.Table, nil, nil, errors.ErrUnsupported, "last key of a scattered table")
	}
	c := ScanTable(ctx, db, tbl)
	defer c.Close()
	var found bool
	for c.Next() {
		last, found = c.key, true
	}
	if c.err != nil {
		var zero K
		return zero, false, c.err
	}
	return last, found, nil
}

// Count returns the number of records in tbl.
func Count(ctx context.Context, db *DB, tbl *Table) (int, error) {
	it := db.storage.Scan(ctx, tbl.prefix)
	defer it.Close()
	var n int
	for it.Next() {
		n++
	}
	if err := it.Err(); err != nil {
		return n, tableErrf(tbl, nil, nil, backendErr(err), "counting records")
	}
	return n, nil
}

// IndexCursor walks the entries of an index in (value, primary key) order.
// A cursor must be closed.
type IndexCursor[Row, K, V any] struct {
	ctx   context.Context
	db    *DB
	idx   *Index
	it    Iterator
	lower []byte // inclusive bound on the encoded value, nil for none
	upper []byte // exclusive, nil for none

	valueRaw []byte
	pkRaw    []byte
	key      K
	value    V
	err      error
	done     bool
}

// ScanIndex iterates over every entry of idx.
func ScanIndex[Row, K, V any](ctx context.Context, db *DB, idx *IndexDef[Row, K, V]) *IndexCursor[Row, K, V] {
	return &IndexCursor[Row, K, V]{
		ctx: ctx,
		db:  db,
		idx: idx.Index,
		it:  db.storage.Scan(ctx, idx.prefix),
	}
}

// RangeByIndex iterates over the entries of idx with lower <= value < upper.
// Entries with equal values come in primary key order.
func RangeByIndex[Row, K, V any](ctx context.Context, db *DB, idx *IndexDef[Row, K, V], lower, upper V) *IndexCursor[Row, K, V] {
	c := &IndexCursor[Row, K, V]{ctx: ctx, db: db, idx: idx.Index}
	c.lower = idx.valueEnc.encode(nil, reflect.ValueOf(&lower).Elem())
	c.upper = idx.valueEnc.encode(nil, reflect.ValueOf(&upper).Elem())
	if bytes.Compare(c.lower, c.upper) >= 0 {
		c.done = true
		return c
	}
	prefix := concat(idx.prefix, c.lower[:commonPrefixLen(c.lower, c.upper)])
	c.it = db.storage.Scan(ctx, prefix)
	return c
}

func (c *IndexCursor[Row, K, V]) Next() bool {
	if c.done {
		return false
	}
	for c.it.Next() {
		valueRaw, pkRaw, err := c.idx.splitEntryKey(c.it.Key())
		if err != nil {
			return c.fail(tableErrf(c.idx.table, c.idx, nil, err, "scanning index"))
		}
		if c.lower != nil && bytes.Compare(valueRaw, c.lower) < 0 {
			continue
		}
		if c.upper != nil && bytes.Compare(valueRaw, c.upper) >= 0 {
			c.done = true
			return false
		}
		valueVal := reflect.New(c.idx.valueType).Elem()
		if _, err := c.idx.valueEnc.decode(valueRaw, valueVal); err != nil {
			return c.fail(tableErrf(c.idx.table, c.idx, pkRaw, err, "decoding index value"))
		}
		keyVal, err := c.idx.table.decodeKeyVal(pkRaw)
		if err != nil {
			return c.fail(tableErrf(c.idx.table, c.idx, pkRaw, err, "decoding index entry"))
		}
		c.valueRaw = bytes.Clone(valueRaw)
		c.pkRaw = bytes.Clone(pkRaw)
		c.value = valueVal.Interface().(V)
		c.key = keyVal.Interface().(K)
		return true
	}
	if err := c.it.Err(); err != nil {
		return c.fail(tableErrf(c.idx.table, c.idx, nil, backendErr(err), "scanning index"))
	}
	c.done = true
	return false
}

func (c *IndexCursor[Row, K, V]) fail(err error) bool {
	c.err = err
	c.done = true
	return false
}

func (c *IndexCursor[Row, K, V]) Key() K   { return c.key }
func (c *IndexCursor[Row, K, V]) Value() V { return c.value }
func (c *IndexCursor[Row, K, V]) Err() error {
	return c.err
}

// Row loads the record of the current entry. It returns nil if the record
// is gone or no longer has the entry's value.
func (c *IndexCursor[Row, K, V]) Row() (*Row, error) {
	rowPtr, err := c.db.getRaw(c.ctx, c.idx.table, c.pkRaw)
	if err != nil || !rowPtr.IsValid() {
		return nil, err
	}
	if !rowMatchesEntry(c.idx, rowPtr, c.valueRaw) {
		return nil, nil
	}
	return rowPtr.Interface().(*Row), nil
}

func (c *IndexCursor[Row, K, V]) Close() error {
	c.done = true
	if c.it == nil {
		return nil
	}
	return c.it.Close()
}

// Keys drains and closes the cursor, collecting the primary keys.
func (c *IndexCursor[Row, K, V]) Keys() ([]K, error) {
	defer c.Close()
	var keys []K
	for c.Next() {
		keys = append(keys, c.key)
	}
	return keys, c.err
}
