package kvtab

import (
	"context"
	"reflect"

	"go.uber.org/zap"
)

// Get returns the record stored under key, or nil if there is none.
func Get[Row, K any](ctx context.Context, db *DB, tbl *TableDef[Row, K], key K) (*Row, error) {
	rowPtr, err := db.get(ctx, tbl.Table, reflect.ValueOf(&key).Elem())
	if err != nil || !rowPtr.IsValid() {
		return nil, err
	}
	return rowPtr.Interface().(*Row), nil
}

// Exists reports whether a record is stored under key without decoding it.
func Exists[Row, K any](ctx context.Context, db *DB, tbl *TableDef[Row, K], key K) (bool, error) {
	pkRaw := tbl.encodeKeyVal(nil, reflect.ValueOf(&key).Elem())
	raw, err := db.storage.Get(ctx, tbl.recordKey(pkRaw))
	if err != nil {
		return false, tableErrf(tbl.Table, nil, pkRaw, backendErr(err), "reading record")
	}
	return raw != nil, nil
}

func (db *DB) get(ctx context.Context, tbl *Table, keyVal reflect.Value) (reflect.Value, error) {
	pkRaw := tbl.encodeKeyVal(nil, keyVal)
	return db.getRaw(ctx, tbl, pkRaw)
}

func (db *DB) getRaw(ctx context.Context, tbl *Table, pkRaw []byte) (reflect.Value, error) {
	raw, err := db.storage.Get(ctx, tbl.recordKey(pkRaw))
	if err != nil {
		return reflect.Value{}, tableErrf(tbl, nil, pkRaw, backendErr(err), "reading record")
	}
	if raw == nil {
		if db.verbose {
			db.logger.Debug("GET.NOTFOUND", zap.String("table", tbl.name), zap.String("key", tbl.RawKeyString(pkRaw)))
		}
		return reflect.Value{}, nil
	}
	rowPtr := tbl.newRowVal()
	if err := decodeValue(raw, rowPtr); err != nil {
		return reflect.Value{}, tableErrf(tbl, nil, pkRaw, err, "decoding record")
	}
	if db.verbose {
		db.logger.Debug("GET", zap.String("table", tbl.name), zap.String("key", tbl.RawKeyString(pkRaw)), zap.String("row", loggableRowVal(tbl, rowPtr)))
	}
	return rowPtr, nil
}
