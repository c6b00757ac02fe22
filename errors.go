package kvtab

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCorruptEncoding means stored bytes could not be decoded: a malformed
	// escape, a truncated key, or an unreadable record envelope.
	ErrCorruptEncoding = errors.New("kvtab: corrupt encoding")

	// ErrNotFound is returned by strict-mode updates and deletes of absent
	// records.
	ErrNotFound = errors.New("kvtab: not found")

	// ErrBackendFailure wraps errors reported by a storage backend.
	ErrBackendFailure = errors.New("kvtab: backend failure")

	// ErrSchemaViolation is returned by Schema.Validate and Open for invalid
	// table declarations.
	ErrSchemaViolation = errors.New("kvtab: schema violation")

	ErrAlreadyExists   = errors.New("kvtab: record already exists")
	ErrDuplicateValue  = errors.New("kvtab: duplicate value in unique index")
	ErrKeyMismatch     = errors.New("kvtab: key does not match the record")
	ErrCounterOverflow = errors.New("kvtab: auto-increment counter exhausted")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptEncoding, e.Err}
	}
	return []error{ErrCorruptEncoding}
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	var buf strings.Builder
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		fmt.Fprintf(&buf, ": at %d of (%d) %x", e.Off, n, e.Data)
	} else {
		fmt.Fprintf(&buf, ": at %d of (%d) %x...%x", e.Off, n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	return buf.String()
}

type TableError struct {
	Table *Table
	Index *Index
	Key   []byte
	Msg   string
	Err   error
}

func tableErrf(tbl *Table, idx *Index, key []byte, err error, format string, args ...any) error {
	return &TableError{tbl, idx, key, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table.Name())
	if e.Index != nil {
		buf.WriteByte('.')
		buf.WriteString(e.Index.Name())
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// TierError reports a failure of one tier of a Layered storage.
type TierError struct {
	Tier int
	Op   string
	Err  error
}

func (e *TierError) Unwrap() []error {
	return []error{ErrBackendFailure, e.Err}
}

func (e *TierError) Error() string {
	return fmt.Sprintf("tier %d: %s: %v", e.Tier, e.Op, e.Err)
}

func schemaErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaViolation, fmt.Sprintf(format, args...))
}

func backendErr(err error) error {
	if err == nil || errors.Is(err, ErrBackendFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendFailure, err)
}
