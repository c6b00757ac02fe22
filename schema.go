package kvtab

import (
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/multierr"
)

// Subtable bytes that follow the table ID in every key.
const (
	subtableRecords = 0x00
	subtableMeta    = 0x01
	firstIndexTag   = 0x02
)

const (
	metaSequence = "seq"
	metaState    = "state"
)

// Schema is a set of table declarations. Declarations never panic on
// invalid input; problems are collected and reported by Validate (and so by
// Open).
type Schema struct {
	tables            []*Table
	tablesByID        map[TableID]*Table
	tablesByLowerName map[string]*Table
	tablesByRowType   map[reflect.Type]*Table
	errs              []error
}

func NewSchema() *Schema {
	scm := &Schema{}
	scm.init()
	return scm
}

func (scm *Schema) init() {
	if scm.tablesByID == nil {
		scm.tablesByID = make(map[TableID]*Table)
		scm.tablesByLowerName = make(map[string]*Table)
		scm.tablesByRowType = make(map[reflect.Type]*Table)
	}
}

func (scm *Schema) addTable(tbl *Table) {
	scm.init()
	if prev := scm.tablesByID[tbl.id]; prev != nil {
		scm.errs = append(scm.errs, schemaErrf("table %s: id %d already used by table %s", tbl.name, tbl.id, prev.name))
	} else {
		scm.tablesByID[tbl.id] = tbl
	}
	lower := strings.ToLower(tbl.name)
	if tbl.name == "" {
		scm.errs = append(scm.errs, schemaErrf("table %d: empty name", tbl.id))
	} else if prev := scm.tablesByLowerName[lower]; prev != nil {
		scm.errs = append(scm.errs, schemaErrf("table %s: name already used by table %d", tbl.name, prev.id))
	} else {
		scm.tablesByLowerName[lower] = tbl
	}
	if scm.tablesByRowType[tbl.rowType] == nil {
		scm.tablesByRowType[tbl.rowType] = tbl
	}
	tbl.pos = len(scm.tables)
	scm.tables = append(scm.tables, tbl)
}

func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

func (scm *Schema) TableNamed(name string) *Table {
	return scm.tablesByLowerName[strings.ToLower(name)]
}

func (scm *Schema) TableByID(id TableID) *Table {
	return scm.tablesByID[id]
}

// TableByRowType returns the first table declared with the given row type.
func (scm *Schema) TableByRowType(rt reflect.Type) *Table {
	return scm.tablesByRowType[rt]
}

// Validate reports every problem found in the declarations, wrapping
// ErrSchemaViolation.
func (scm *Schema) Validate() error {
	errs := append([]error(nil), scm.errs...)
	for _, tbl := range scm.tables {
		errs = append(errs, tbl.validate()...)
	}
	return multierr.Combine(errs...)
}

func (scm *Schema) String() string {
	var buf strings.Builder
	for i, tbl := range scm.tables {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "%d %s key=%v strategy=%v", tbl.id, tbl.name, tbl.keyType, tbl.strategy)
		for _, idx := range tbl.indices {
			fmt.Fprintf(&buf, "\n  %d %s value=%v", idx.tag, idx.name, idx.valueType)
			if idx.unique {
				buf.WriteString(" unique")
			}
		}
	}
	return buf.String()
}
