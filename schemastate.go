package kvtab

import (
	"bytes"
	"context"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"
)

// tableState is persisted under the table's meta subtable and remembers which
// indexes were declared, and under which tags, the last time the table was
// opened.
type tableState struct {
	Indices  map[string]*indexState `msgpack:"i"`
	LastSeen time.Time              `msgpack:"t"`
}

type indexState struct {
	Tag   uint8 `msgpack:"g"`
	Built bool  `msgpack:"f"`
}

const (
	tableStateEncoding = MsgPack
	purgeChunkSize     = 1000
)

func (db *DB) loadTableState(ctx context.Context, tbl *Table) (*tableState, error) {
	ts := new(tableState)
	raw, err := db.storage.Get(ctx, tbl.stateKey())
	if err != nil {
		return nil, tableErrf(tbl, nil, nil, backendErr(err), "reading table state")
	}
	if raw != nil {
		if err := tableStateEncoding.DecodeValue(raw, reflect.ValueOf(ts)); err != nil {
			return nil, tableErrf(tbl, nil, nil, err, "decoding table state")
		}
	}
	if ts.Indices == nil {
		ts.Indices = make(map[string]*indexState)
	}
	return ts, nil
}

func (db *DB) saveTableState(ctx context.Context, tbl *Table, ts *tableState) error {
	raw, err := tableStateEncoding.EncodeValue(nil, reflect.ValueOf(ts))
	if err != nil {
		return tableErrf(tbl, nil, nil, err, "encoding table state")
	}
	if err := db.storage.Put(ctx, tbl.stateKey(), raw); err != nil {
		return tableErrf(tbl, nil, nil, backendErr(err), "saving table state")
	}
	return nil
}

// prepareTable reconciles the persisted index layout of tbl with the schema.
// Entries of indexes that were removed or retagged are purged, then indexes
// that are new, retagged or whose build was interrupted are backfilled from
// the existing records.
func (db *DB) prepareTable(ctx context.Context, tbl *Table, now time.Time) error {
	ts, err := db.loadTableState(ctx, tbl)
	if err != nil {
		return err
	}

	var stale []string
	for name, is := range ts.Indices {
		if idx := tbl.indicesByName[name]; idx == nil || idx.tag != is.Tag {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		tag := ts.Indices[name].Tag
		if err := db.purgePrefix(ctx, tbl, []byte{byte(tbl.id), tag}); err != nil {
			return err
		}
		delete(ts.Indices, name)
		db.logger.Info("purged index", zap.String("table", tbl.name), zap.String("index", name), zap.Uint8("tag", tag))
	}

	var pending []*Index
	for _, idx := range tbl.indices {
		is := ts.Indices[idx.name]
		if is != nil && is.Built {
			continue
		}
		ts.Indices[idx.name] = &indexState{Tag: idx.tag}
		pending = append(pending, idx)
	}

	if len(pending) > 0 {
		// record the pending builds first so an interrupted backfill is redone
		if err := db.saveTableState(ctx, tbl, ts); err != nil {
			return err
		}
		if err := db.backfill(ctx, tbl, pending); err != nil {
			return err
		}
		for _, idx := range pending {
			ts.Indices[idx.name].Built = true
		}
	}

	ts.LastSeen = now
	return db.saveTableState(ctx, tbl, ts)
}

// purgePrefix deletes every key under prefix.
func (db *DB) purgePrefix(ctx context.Context, tbl *Table, prefix []byte) error {
	for {
		it := db.storage.Scan(ctx, prefix)
		var ops []BatchOp
		for len(ops) < purgeChunkSize && it.Next() {
			ops = append(ops, BatchOp{Key: bytes.Clone(it.Key()), Delete: true})
		}
		err := it.Err()
		it.Close()
		if err != nil {
			return tableErrf(tbl, nil, nil, backendErr(err), "scanning index to purge")
		}
		if len(ops) == 0 {
			return nil
		}
		if err := writeOps(ctx, db.storage, ops, db.batching); err != nil {
			return tableErrf(tbl, nil, nil, backendErr(err), "purging index")
		}
	}
}

// backfill builds the given indexes from the records of tbl.
func (db *DB) backfill(ctx context.Context, tbl *Table, pending []*Index) error {
	for _, idx := range pending {
		if err := db.purgePrefix(ctx, tbl, idx.prefix); err != nil {
			return err
		}
	}

	db.logger.Info("reindexing table", zap.String("table", tbl.name), zap.Int("indexes", len(pending)))
	start := time.Now()
	var rows int64

	it := db.storage.Scan(ctx, tbl.prefix)
	defer it.Close()
	for it.Next() {
		pkRaw, err := tbl.pkFromRecordKey(it.Key())
		if err != nil {
			return tableErrf(tbl, nil, nil, err, "reindexing")
		}
		pkRaw = bytes.Clone(pkRaw)
		rowPtr := tbl.newRowVal()
		if err := decodeValue(it.Value(), rowPtr); err != nil {
			return tableErrf(tbl, nil, pkRaw, err, "decoding record for reindexing")
		}

		puts := make([]indexEntry, 0, len(pending))
		for _, idx := range pending {
			prefix := idx.valuePrefix(idx.valueOf(rowPtr))
			puts = append(puts, indexEntry{index: idx, key: concat(prefix, pkRaw), prefix: prefix})
		}
		if err := db.checkUnique(ctx, tbl, puts, pkRaw, nil); err != nil {
			return err
		}
		ops := make([]BatchOp, len(puts))
		for i, e := range puts {
			ops[i] = BatchOp{Key: e.key, Value: pkRaw}
		}
		if err := writeOps(ctx, db.storage, ops, db.batching); err != nil {
			return tableErrf(tbl, nil, pkRaw, backendErr(err), "writing index entries")
		}

		rows++
		if rows%100000 == 0 {
			db.logger.Info("still reindexing", zap.String("table", tbl.name), zap.Int64("rows", rows), zap.Duration("elapsed", time.Since(start)))
		}
	}
	if err := it.Err(); err != nil {
		return tableErrf(tbl, nil, nil, backendErr(err), "scanning records for reindexing")
	}
	db.logger.Info("reindexed table", zap.String("table", tbl.name), zap.Int64("rows", rows), zap.Duration("elapsed", time.Since(start)))
	return nil
}
