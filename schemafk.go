package kvtab

// Ref is a reference to a record of the table declared with Row and K.
// Its key encoding is that of K, so it can be stored in records and indexed.
type Ref[Row, K any] struct {
	Key K `msgpack:"k" json:"k" bson:"k"`
}

// RefTo builds a Ref to the record of tbl with the given key.
func RefTo[Row, K any](tbl *TableDef[Row, K], key K) Ref[Row, K] {
	return Ref[Row, K]{Key: key}
}

// ForeignKey describes a Ref-valued field of a table. Every foreign key is
// backed by an index over the referenced keys.
type ForeignKey struct {
	table  *Table
	name   string
	target *Table
	index  *Index
}

func (fk *ForeignKey) Table() *Table  { return fk.table }
func (fk *ForeignKey) Name() string   { return fk.name }
func (fk *ForeignKey) Target() *Table { return fk.target }
func (fk *ForeignKey) Index() *Index  { return fk.index }

// ForeignKeyDef is the typed handle of a foreign key from Row records to
// TRow records.
type ForeignKeyDef[Row, K, TRow, TK any] struct {
	*ForeignKey
	IndexDef  *IndexDef[Row, K, Ref[TRow, TK]]
	TargetDef *TableDef[TRow, TK]
}

// DefineForeignKey declares that refOf(row) points at a record of target.
// An index with the same name is created over the referenced keys; opts are
// passed to it.
func DefineForeignKey[Row, K, TRow, TK any](tbl *TableDef[Row, K], name string, target *TableDef[TRow, TK], refOf func(row *Row) Ref[TRow, TK], opts ...any) *ForeignKeyDef[Row, K, TRow, TK] {
	idx := DefineIndex(tbl, name, refOf, opts...)
	fk := &ForeignKey{
		table:  tbl.Table,
		name:   name,
		target: target.Table,
		index:  idx.Index,
	}
	idx.fk = fk
	tbl.foreignKeys = append(tbl.foreignKeys, fk)
	return &ForeignKeyDef[Row, K, TRow, TK]{ForeignKey: fk, IndexDef: idx, TargetDef: target}
}
