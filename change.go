package kvtab

import (
	"fmt"
	"reflect"
)

// Change describes a successful mutation and is passed to Options.OnChange.
type Change struct {
	table     *Table
	op        Op
	rawKey    []byte
	keyVal    reflect.Value
	rowVal    reflect.Value
	oldRowVal reflect.Value
}

type Op int

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (chg *Change) Table() *Table {
	return chg.table
}
func (chg *Change) Op() Op {
	return chg.op
}

// RawKey is the encoded primary key, without the table prefix.
func (chg *Change) RawKey() []byte {
	return chg.rawKey
}
func (chg *Change) KeyVal() reflect.Value {
	return chg.keyVal
}
func (chg *Change) Key() any {
	return chg.keyVal.Interface()
}
func (chg *Change) HasRow() bool {
	return chg.rowVal.IsValid()
}
func (chg *Change) RowVal() reflect.Value {
	return chg.rowVal
}

// Row is the record as written, or nil for deletes.
func (chg *Change) Row() any {
	if !chg.rowVal.IsValid() {
		return nil
	}
	return chg.rowVal.Interface()
}
func (chg *Change) HasOldRow() bool {
	return chg.oldRowVal.IsValid()
}

// OldRow is the record that was replaced or deleted, or nil.
func (chg *Change) OldRow() any {
	if !chg.oldRowVal.IsValid() {
		return nil
	}
	return chg.oldRowVal.Interface()
}

func (chg *Change) String() string {
	return fmt.Sprintf("%v %s/%s", chg.op, chg.table.name, chg.table.RawKeyString(chg.rawKey))
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}
