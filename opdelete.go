package kvtab

import (
	"context"
	"reflect"

	"go.uber.org/zap"
)

// Delete removes the record stored under key together with its index
// entries and returns the removed record, or nil if there was none. With
// Options.Strict, deleting an absent record fails with ErrNotFound.
//
// Within a Tx the removal happens at Commit, so Delete returns nil.
func Delete[Row, K any](ctx context.Context, w Writer, tbl *TableDef[Row, K], key K) (*Row, error) {
	oldRowPtr, err := w.delete(ctx, tbl.Table, reflect.ValueOf(&key).Elem())
	if err != nil || !oldRowPtr.IsValid() {
		return nil, err
	}
	return oldRowPtr.Interface().(*Row), nil
}

func (db *DB) delete(ctx context.Context, tbl *Table, keyVal reflect.Value) (reflect.Value, error) {
	chg, err := db.apply(ctx, &mutation{tbl: tbl, keyVal: keyVal, delete: true})
	if err != nil || chg == nil {
		return reflect.Value{}, err
	}
	return chg.oldRowVal, nil
}

// prepareDelete adds index entry deletions first and the record deletion
// last, so that an interrupted delete leaves the record reachable rather
// than an index entry pointing nowhere.
func (db *DB) prepareDelete(ctx context.Context, m *mutation, ws *writeSet) (*Change, error) {
	tbl := m.tbl
	pkRaw := tbl.encodeKeyVal(nil, m.keyVal)
	recKey := tbl.recordKey(pkRaw)

	oldRaw, err := ws.get(ctx, db.storage, recKey)
	if err != nil {
		return nil, tableErrf(tbl, nil, pkRaw, backendErr(err), "reading record")
	}
	if oldRaw == nil {
		if db.strict {
			return nil, tableErrf(tbl, nil, pkRaw, ErrNotFound, "")
		}
		if db.verbose {
			db.logger.Debug("DELETE.NOOP", zap.String("table", tbl.name), zap.String("key", tbl.keyEnc.format(m.keyVal)))
		}
		return nil, nil
	}
	oldRowPtr := tbl.newRowVal()
	if err := decodeValue(oldRaw, oldRowPtr); err != nil {
		return nil, tableErrf(tbl, nil, pkRaw, err, "decoding record")
	}

	dels, _ := indexDelta(indexEntriesOf(tbl, pkRaw, oldRowPtr), nil)
	for _, e := range dels {
		ws.add(BatchOp{Key: e.key, Delete: true})
	}
	ws.add(BatchOp{Key: recKey, Delete: true})

	if db.verbose {
		db.logger.Debug("DELETE", zap.String("table", tbl.name), zap.String("key", tbl.keyEnc.format(m.keyVal)))
	}
	return &Change{
		table:     tbl,
		op:        OpDelete,
		rawKey:    pkRaw,
		keyVal:    m.keyVal,
		oldRowVal: oldRowPtr,
	}, nil
}
