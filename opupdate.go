package kvtab

import (
	"bytes"
	"context"
	"errors"
	"reflect"
)

// Update replaces the record stored under key with row, moving its index
// entries as needed.
//
// If there is no such record, Update does nothing, or fails with ErrNotFound
// when the DB was opened with Options.Strict. For tables with derived keys,
// the key derived from row must equal key (ErrKeyMismatch otherwise).
func Update[Row, K any](ctx context.Context, w Writer, tbl *TableDef[Row, K], key K, row *Row) error {
	if row == nil {
		return tableErrf(tbl.Table, nil, nil, errors.ErrUnsupported, "nil row")
	}
	keyVal := reflect.ValueOf(&key).Elem()
	if tbl.strategy == KeyDerived {
		derived := tbl.keyOf(row)
		given := tbl.encodeKeyVal(nil, keyVal)
		if !bytes.Equal(tbl.encodeKeyVal(nil, reflect.ValueOf(&derived).Elem()), given) {
			return tableErrf(tbl.Table, nil, given, ErrKeyMismatch, "row has key %s", tbl.keyEnc.format(reflect.ValueOf(derived)))
		}
	}
	_, err := w.put(ctx, tbl.Table, keyVal, reflect.ValueOf(row), putUpdate)
	return err
}
