package kvtab

import (
	"context"
	"reflect"

	"github.com/goccy/go-json"
)

type TableStats struct {
	Rows      int
	IndexRows int

	DataSize  int
	IndexSize int
}

func (ts *TableStats) TotalSize() int {
	return ts.DataSize + ts.IndexSize
}

// TableStats counts the records and index entries of tbl by scanning them.
// Sizes are the summed lengths of keys and values as stored.
func (db *DB) TableStats(ctx context.Context, tbl *Table) (TableStats, error) {
	var result TableStats
	var err error
	result.Rows, result.DataSize, err = db.scanStats(ctx, tbl.prefix)
	if err != nil {
		return result, tableErrf(tbl, nil, nil, backendErr(err), "scanning records")
	}
	for _, idx := range tbl.indices {
		n, size, err := db.scanStats(ctx, idx.prefix)
		if err != nil {
			return result, tableErrf(tbl, idx, nil, backendErr(err), "scanning index")
		}
		result.IndexRows += n
		result.IndexSize += size
	}
	return result, nil
}

func (db *DB) scanStats(ctx context.Context, prefix []byte) (n, size int, err error) {
	it := db.storage.Scan(ctx, prefix)
	defer it.Close()
	for it.Next() {
		n++
		size += len(it.Key()) + len(it.Value())
	}
	return n, size, it.Err()
}

func loggableRowVal(tbl *Table, rowVal reflect.Value) string {
	if !rowVal.IsValid() {
		return "<none>"
	}
	if tbl.suppressContent {
		return "<suppressed>"
	}
	return loggableVal(rowVal)
}

func loggableVal(val reflect.Value) string {
	if !val.IsValid() {
		return "<none>"
	}
	raw, err := json.Marshal(val.Interface())
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(raw)
}
