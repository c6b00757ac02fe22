package kvtab

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every table for debugging. Records are shown
// as JSON, index entries as decoded value and key.
func (db *DB) Dump(ctx context.Context, f DumpFlags) (string, error) {
	var buf strings.Builder
	for _, tbl := range db.schema.tables {
		if err := db.dumpTable(ctx, &buf, f, tbl); err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpTable(ctx context.Context, w *strings.Builder, f DumpFlags, tbl *Table) error {
	prefix := tbl.Name()
	s, err := db.TableStats(ctx, tbl)
	if err != nil {
		return err
	}

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, index_size = %d, total_size = %d\n", prefix, s.IndexRows, s.DataSize, s.IndexSize, s.TotalSize())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		it := db.storage.Scan(ctx, tbl.prefix)
		var rowPos int
		for it.Next() {
			rowPos++
			dumpRow(w, prefix, tbl, rowPos, it.Key(), it.Value())
		}
		err := it.Err()
		it.Close()
		if err != nil {
			return tableErrf(tbl, nil, nil, backendErr(err), "dumping records")
		}
	}

	if f.Contains(DumpIndices) {
		ts, err := db.loadTableState(ctx, tbl)
		if err != nil {
			return err
		}
		for _, idx := range tbl.indices {
			if err := db.dumpIndex(ctx, w, prefix, f, idx, ts); err != nil {
				return err
			}
		}
		var orphans []string
		for name := range ts.Indices {
			if tbl.indicesByName[name] == nil {
				orphans = append(orphans, name)
			}
		}
		sort.Strings(orphans)
		for _, name := range orphans {
			fmt.Fprintf(w, "%s.i.%s (0x%02x) UNDECLARED\n", prefix, name, ts.Indices[name].Tag)
		}
	}
	return nil
}

func (db *DB) dumpIndex(ctx context.Context, w *strings.Builder, prefix string, f DumpFlags, idx *Index, ts *tableState) error {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + idx.name
	var status string
	if is := ts.Indices[idx.name]; is == nil || !is.Built {
		status = " PENDING"
	}
	fmt.Fprintf(w, "%s (0x%02x)%s\n", prefix, idx.tag, status)

	if f.Contains(DumpIndexRows) {
		it := db.storage.Scan(ctx, idx.prefix)
		defer it.Close()
		var rowPos int
		for it.Next() {
			rowPos++
			dumpIndexRow(w, prefix, idx, rowPos, it.Key())
		}
		if err := it.Err(); err != nil {
			return tableErrf(idx.table, idx, nil, backendErr(err), "dumping index")
		}
	}
	return nil
}

func dumpRow(w *strings.Builder, prefix string, tbl *Table, rowPos int, k, v []byte) {
	pkRaw, err := tbl.pkFromRecordKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	keyStr := tbl.RawKeyString(pkRaw)
	_, ser, err := decodeValuePayload(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d %s ** ERROR: %v\n", prefix, rowPos, keyStr, err)
		return
	}
	rowPtr := tbl.newRowVal()
	if err := decodeValue(v, rowPtr); err != nil {
		fmt.Fprintf(w, "%s.%d %s ** ERROR: %v\n", prefix, rowPos, keyStr, err)
		return
	}
	fmt.Fprintf(w, "%s.%d %s = (%v, %d bytes) %s\n", prefix, rowPos, keyStr, ser, len(v), loggableRowVal(tbl, rowPtr))
}

func dumpIndexRow(w *strings.Builder, prefix string, idx *Index, rowPos int, k []byte) {
	valueRaw, pkRaw, err := idx.splitEntryKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, rowPos, idx.valueEnc.formatRaw(valueRaw), idx.table.RawKeyString(pkRaw))
}
