package kvtab

import (
	"bytes"
	"context"
	"errors"
	"reflect"

	"go.uber.org/zap"
)

type putMode int

const (
	putUpsert putMode = iota
	putInsert
	putUpdate
)

// Put stores row under the key derived from it, replacing any existing
// record with that key. Only tables with derived keys support Put.
func Put[Row, K any](ctx context.Context, w Writer, tbl *TableDef[Row, K], row *Row) (K, error) {
	var key K
	if row == nil {
		return key, tableErrf(tbl.Table, nil, nil, errors.ErrUnsupported, "nil row")
	}
	if tbl.strategy != KeyDerived {
		return key, tableErrf(tbl.Table, nil, nil, errors.ErrUnsupported, "Put requires a derived key, use Insert or Update")
	}
	key = tbl.keyOf(row)
	_, err := w.put(ctx, tbl.Table, reflect.ValueOf(&key).Elem(), reflect.ValueOf(row), putUpsert)
	if err != nil {
		var zero K
		return zero, err
	}
	return key, nil
}

// put writes the record rowPtr under keyVal and maintains its index
// entries. It reports whether anything was written.
func (db *DB) put(ctx context.Context, tbl *Table, keyVal, rowPtr reflect.Value, mode putMode) (bool, error) {
	chg, err := db.apply(ctx, &mutation{tbl: tbl, keyVal: keyVal, rowPtr: rowPtr, mode: mode})
	return chg != nil, err
}

// preparePut adds the ops storing m to ws: the record first, then stale
// index entries are deleted and new ones added. Reads see the ops already
// in ws. It returns nil if nothing needs to be written.
func (db *DB) preparePut(ctx context.Context, m *mutation, ws *writeSet) (*Change, error) {
	tbl := m.tbl
	pkRaw := tbl.encodeKeyVal(nil, m.keyVal)
	recKey := tbl.recordKey(pkRaw)
	newEntries := indexEntriesOf(tbl, pkRaw, m.rowPtr)

	oldRaw, err := ws.get(ctx, db.storage, recKey)
	if err != nil {
		return nil, tableErrf(tbl, nil, pkRaw, backendErr(err), "reading record")
	}
	var oldRowPtr reflect.Value
	var oldEntries []indexEntry
	if oldRaw != nil {
		if m.mode == putInsert {
			return nil, tableErrf(tbl, nil, pkRaw, ErrAlreadyExists, "")
		}
		oldRowPtr = tbl.newRowVal()
		if err := decodeValue(oldRaw, oldRowPtr); err != nil {
			return nil, tableErrf(tbl, nil, pkRaw, err, "decoding previous record")
		}
		oldEntries = indexEntriesOf(tbl, pkRaw, oldRowPtr)
	} else if m.mode == putUpdate {
		if db.strict {
			return nil, tableErrf(tbl, nil, pkRaw, ErrNotFound, "")
		}
		if db.verbose {
			db.logger.Debug("UPDATE.NOTFOUND", zap.String("table", tbl.name), zap.String("key", tbl.keyEnc.format(m.keyVal)))
		}
		return nil, nil
	}

	dels, puts := indexDelta(oldEntries, newEntries)
	if err := db.checkUnique(ctx, tbl, puts, pkRaw, ws); err != nil {
		return nil, err
	}

	valueRaw, err := db.codec.encode(m.rowPtr)
	if err != nil {
		return nil, tableErrf(tbl, nil, pkRaw, err, "encoding record")
	}

	if oldRaw != nil && len(dels) == 0 && len(puts) == 0 && bytes.Equal(valueRaw, oldRaw) {
		if db.verbose {
			db.logger.Debug("PUT.NOOP", zap.String("table", tbl.name), zap.String("key", tbl.keyEnc.format(m.keyVal)))
		}
		return nil, nil
	}

	ws.add(BatchOp{Key: recKey, Value: valueRaw})
	for _, e := range dels {
		ws.add(BatchOp{Key: e.key, Delete: true})
	}
	for _, e := range puts {
		ws.add(BatchOp{Key: e.key, Value: pkRaw})
	}

	if db.verbose {
		db.logger.Debug("PUT",
			zap.String("table", tbl.name),
			zap.String("key", tbl.keyEnc.format(m.keyVal)),
			zap.Bool("replaced", oldRaw != nil),
			zap.Int("index_puts", len(puts)),
			zap.Int("index_dels", len(dels)),
			zap.String("row", loggableRowVal(tbl, m.rowPtr)))
	}
	return &Change{
		table:     tbl,
		op:        OpPut,
		rawKey:    pkRaw,
		keyVal:    m.keyVal,
		rowVal:    m.rowPtr,
		oldRowVal: oldRowPtr,
	}, nil
}
