package kvtab

import (
	"context"
	"errors"
	"reflect"
)

// Insert adds a new record and returns its primary key, which is derived
// from the row or generated according to the table's key strategy. It fails
// with ErrAlreadyExists if a record with that key exists.
//
// Within a Tx the key is assigned immediately and the record is written at
// Commit; a rolled back Tx leaves a gap in an auto-increment sequence.
func Insert[Row, K any](ctx context.Context, w Writer, tbl *TableDef[Row, K], row *Row) (K, error) {
	var key K
	if row == nil {
		return key, tableErrf(tbl.Table, nil, nil, errors.ErrUnsupported, "nil row")
	}
	rowPtr := reflect.ValueOf(row)
	keyVal := reflect.ValueOf(&key).Elem()
	if err := w.assignKey(ctx, tbl.Table, rowPtr, keyVal); err != nil {
		var zero K
		return zero, err
	}
	if _, err := w.put(ctx, tbl.Table, keyVal, rowPtr, putInsert); err != nil {
		var zero K
		return zero, err
	}
	return key, nil
}
