package kvtab

import (
	"bytes"
	"context"
	"reflect"
)

// indexEntry is the storage key of one index entry of a record. The entry
// value is always the encoded primary key.
type indexEntry struct {
	index  *Index
	key    []byte
	prefix []byte // table_id || tag || enc(value)
}

// indexEntriesOf computes one entry per index of tbl for the record rowPtr.
func indexEntriesOf(tbl *Table, pkRaw []byte, rowPtr reflect.Value) []indexEntry {
	if len(tbl.indices) == 0 {
		return nil
	}
	entries := make([]indexEntry, len(tbl.indices))
	for i, idx := range tbl.indices {
		prefix := idx.valuePrefix(idx.valueOf(rowPtr))
		entries[i] = indexEntry{
			index:  idx,
			key:    concat(prefix, pkRaw),
			prefix: prefix,
		}
	}
	return entries
}

// indexDelta lists the index keys to delete and to put when a record changes
// from prev to next. Either side may be nil (insert or delete). Indexes
// whose encoded value did not change are left alone.
func indexDelta(prev, next []indexEntry) (dels, puts []indexEntry) {
	switch {
	case prev == nil:
		return nil, next
	case next == nil:
		return prev, nil
	}
	for i := range next {
		if bytes.Equal(prev[i].key, next[i].key) {
			continue
		}
		dels = append(dels, prev[i])
		puts = append(puts, next[i])
	}
	return dels, puts
}

// checkUnique fails with ErrDuplicateValue if any unique index entry about
// to be added already has a record other than pkRaw, either in storage or
// among the pending ops of ws.
func (db *DB) checkUnique(ctx context.Context, tbl *Table, puts []indexEntry, pkRaw []byte, ws *writeSet) error {
	for _, e := range puts {
		if !e.index.unique {
			continue
		}
		if otherPK := ws.pendingUnder(e.prefix, pkRaw); otherPK != nil {
			return tableErrf(tbl, e.index, pkRaw, ErrDuplicateValue, "value already used by %s", tbl.RawKeyString(otherPK))
		}
		it := db.storage.Scan(ctx, e.prefix)
		for it.Next() {
			otherPK := it.Key()[len(e.prefix):]
			if !bytes.Equal(otherPK, pkRaw) && !ws.deletes(it.Key()) {
				otherPK = bytes.Clone(otherPK)
				it.Close()
				return tableErrf(tbl, e.index, pkRaw, ErrDuplicateValue, "value already used by %s", tbl.RawKeyString(otherPK))
			}
		}
		err := it.Err()
		it.Close()
		if err != nil {
			return tableErrf(tbl, e.index, pkRaw, backendErr(err), "checking uniqueness")
		}
	}
	return nil
}

// uniqueLockKeys returns the keys to lock so that concurrent writers of the
// same unique values are serialized.
func uniqueLockKeys(entries []indexEntry) [][]byte {
	var keys [][]byte
	for _, e := range entries {
		if e.index.unique {
			keys = append(keys, e.prefix)
		}
	}
	return keys
}

// rowMatchesEntry reports whether rowPtr still produces the index entry
// with the given encoded value. Entries of a record may briefly lag behind
// the record itself.
func rowMatchesEntry(idx *Index, rowPtr reflect.Value, valueRaw []byte) bool {
	enc := idx.valueEnc.encode(nil, idx.valueOf(rowPtr))
	return bytes.Equal(enc, valueRaw)
}
