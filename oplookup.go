package kvtab

import (
	"bytes"
	"context"
	"reflect"

	"go.uber.org/zap"
)

// GetByIndex returns the primary keys of all records whose indexed value
// equals value, in primary key order.
func GetByIndex[Row, K, V any](ctx context.Context, db *DB, idx *IndexDef[Row, K, V], value V) ([]K, error) {
	valueVal := reflect.ValueOf(&value).Elem()
	pks, err := db.lookupRaw(ctx, idx.Index, valueVal)
	if err != nil {
		return nil, err
	}
	keys := make([]K, 0, len(pks))
	for _, pkRaw := range pks {
		keyVal, err := idx.table.decodeKeyVal(pkRaw)
		if err != nil {
			return nil, tableErrf(idx.table, idx.Index, pkRaw, err, "decoding index entry")
		}
		keys = append(keys, keyVal.Interface().(K))
	}
	return keys, nil
}

// LookupByIndex returns the first record, in primary key order, whose
// indexed value equals value, or nil if there is none. It is meant for
// unique indexes.
func LookupByIndex[Row, K, V any](ctx context.Context, db *DB, idx *IndexDef[Row, K, V], value V) (*Row, error) {
	valueVal := reflect.ValueOf(&value).Elem()
	pks, err := db.lookupRaw(ctx, idx.Index, valueVal)
	if err != nil {
		return nil, err
	}
	valueRaw := idx.valueEnc.encode(nil, valueVal)
	for _, pkRaw := range pks {
		rowPtr, err := db.getRaw(ctx, idx.table, pkRaw)
		if err != nil {
			return nil, err
		}
		if !rowPtr.IsValid() || !rowMatchesEntry(idx.Index, rowPtr, valueRaw) {
			continue
		}
		return rowPtr.Interface().(*Row), nil
	}
	return nil, nil
}

// lookupRaw returns the encoded primary keys of the entries of idx whose
// value equals valueVal.
func (db *DB) lookupRaw(ctx context.Context, idx *Index, valueVal reflect.Value) ([][]byte, error) {
	prefix := idx.valuePrefix(valueVal)
	it := db.storage.Scan(ctx, prefix)
	defer it.Close()

	var pks [][]byte
	for it.Next() {
		pks = append(pks, bytes.Clone(it.Key()[len(prefix):]))
	}
	if err := it.Err(); err != nil {
		return nil, tableErrf(idx.table, idx, nil, backendErr(err), "scanning index")
	}
	if db.verbose {
		if len(pks) == 0 {
			db.logger.Debug("LOOKUP.NOTFOUND", zap.String("index", idx.FullName()), zap.String("value", idx.valueEnc.format(valueVal)))
		} else {
			db.logger.Debug("LOOKUP", zap.String("index", idx.FullName()), zap.String("value", idx.valueEnc.format(valueVal)), zap.Int("found", len(pks)))
		}
	}
	return pks, nil
}

// Referencing returns the keys of the records whose foreign key fk points
// at the target record with the given key.
func Referencing[Row, K, TRow, TK any](ctx context.Context, db *DB, fk *ForeignKeyDef[Row, K, TRow, TK], key TK) ([]K, error) {
	return GetByIndex(ctx, db, fk.IndexDef, Ref[TRow, TK]{Key: key})
}

// Deref loads the record ref points at, or returns nil if it is gone.
func Deref[TRow, TK any](ctx context.Context, db *DB, target *TableDef[TRow, TK], ref Ref[TRow, TK]) (*TRow, error) {
	return Get(ctx, db, target, ref.Key)
}
