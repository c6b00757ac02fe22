package kvtab

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func sampleName(row *sampleRecord) string { return row.Name }
func sampleCount(row *sampleRecord) int64 { return row.Count }

func requireSchemaError(t *testing.T, scm *Schema, substr string) {
	t.Helper()
	err := scm.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSchemaViolation)
	for _, e := range multierr.Errors(err) {
		if strings.Contains(e.Error(), substr) {
			return
		}
	}
	t.Fatalf("Validate() = %v, wanted an error containing %q", err, substr)
}

func TestSchema_Valid(t *testing.T) {
	scm := NewSchema()
	users := DefineTable(scm, 1, "Users", sampleName)
	byCount := DefineIndex(users, "by_count", sampleCount)
	byTag := DefineIndex(users, "by_first_tag", func(row *sampleRecord) string { return row.Tags[0] }, IndexUnique, IndexTag(9))
	auto := DefineAutoTable[sampleRecord, uint32](scm, 2, "events")
	ids := DefineTable[sampleRecord, uuid.UUID](scm, 3, "sessions", nil, GeneratedUUID, Scatter)

	require.NoError(t, scm.Validate())

	assert.Same(t, users.Table, scm.TableNamed("users"))
	assert.Same(t, users.Table, scm.TableNamed("USERS"))
	assert.Same(t, auto.Table, scm.TableByID(2))
	assert.Nil(t, scm.TableByID(7))
	assert.Same(t, users.Table, scm.TableByRowType(users.RowType()))
	assert.Len(t, scm.Tables(), 3)

	assert.Equal(t, KeyDerived, users.KeyStrategy())
	assert.Equal(t, KeyAutoIncrement, auto.KeyStrategy())
	assert.Equal(t, KeyUUID, ids.KeyStrategy())
	assert.True(t, ids.Scattered())
	assert.False(t, users.Scattered())

	assert.Same(t, byCount.Index, users.IndexNamed("by_count"))
	assert.Equal(t, byte(2), byCount.Tag())
	assert.Equal(t, byte(9), byTag.Tag())
	assert.True(t, byTag.IsUnique())
	assert.False(t, byCount.IsUnique())
	assert.Equal(t, "Users.by_count", byCount.FullName())
	assert.Equal(t, []byte{1, 2}, users.IndexPrefix("by_count"))
	assert.Nil(t, users.IndexPrefix("nope"))
	assert.Equal(t, []byte{1, 0}, users.PrimaryKeyPrefix())
	assert.Equal(t, []byte{2, 1, 's', 'e', 'q'}, auto.CounterKey())

	s := scm.String()
	assert.Contains(t, s, "1 Users key=string strategy=derived")
	assert.Contains(t, s, "9 by_first_tag value=string unique")
}

func TestSchema_TableErrors(t *testing.T) {
	t.Run("duplicate id", func(t *testing.T) {
		scm := NewSchema()
		DefineTable(scm, 1, "a", sampleName)
		DefineTable(scm, 1, "b", sampleName)
		requireSchemaError(t, scm, "id 1 already used by table a")
	})
	t.Run("duplicate name ignores case", func(t *testing.T) {
		scm := NewSchema()
		DefineTable(scm, 1, "users", sampleName)
		DefineTable(scm, 2, "Users", sampleName)
		requireSchemaError(t, scm, "name already used")
	})
	t.Run("empty name", func(t *testing.T) {
		scm := NewSchema()
		DefineTable(scm, 1, "", sampleName)
		requireSchemaError(t, scm, "empty name")
	})
	t.Run("no key strategy", func(t *testing.T) {
		scm := NewSchema()
		DefineTable[sampleRecord, string](scm, 1, "a", nil)
		requireSchemaError(t, scm, "no key strategy")
	})
	t.Run("conflicting strategies", func(t *testing.T) {
		scm := NewSchema()
		DefineTable(scm, 1, "a", func(row *sampleRecord) uint64 { return 1 }, AutoIncrement)
		requireSchemaError(t, scm, "conflicting key strategies")
	})
	t.Run("signed auto-increment key", func(t *testing.T) {
		scm := NewSchema()
		DefineTable[sampleRecord, int64](scm, 1, "a", nil, AutoIncrement)
		requireSchemaError(t, scm, "must be an unsigned integer")
	})
	t.Run("generated key not a uuid", func(t *testing.T) {
		scm := NewSchema()
		DefineTable[sampleRecord, string](scm, 1, "a", nil, GeneratedUUID)
		requireSchemaError(t, scm, "must be uuid.UUID")
	})
	t.Run("non-struct row", func(t *testing.T) {
		scm := NewSchema()
		DefineTable(scm, 1, "a", func(row *string) string { return *row })
		requireSchemaError(t, scm, "is not a struct")
	})
	t.Run("unsupported key type", func(t *testing.T) {
		scm := NewSchema()
		DefineTable(scm, 1, "a", func(row *sampleRecord) float64 { return 0 })
		err := scm.Validate()
		require.ErrorIs(t, err, ErrSchemaViolation)
		assert.Contains(t, err.Error(), "table a")
	})
	t.Run("invalid option", func(t *testing.T) {
		scm := NewSchema()
		DefineTable(scm, 1, "a", sampleName, TableOpt(99))
		requireSchemaError(t, scm, "invalid option 99")
	})
}

func TestSchema_IndexErrors(t *testing.T) {
	t.Run("reserved tag", func(t *testing.T) {
		scm := NewSchema()
		tbl := DefineTable(scm, 1, "a", sampleName)
		DefineIndex(tbl, "x", sampleCount, IndexTag(1))
		requireSchemaError(t, scm, "tag 1 is reserved")
	})
	t.Run("duplicate tag", func(t *testing.T) {
		scm := NewSchema()
		tbl := DefineTable(scm, 1, "a", sampleName)
		DefineIndex(tbl, "x", sampleCount)
		DefineIndex(tbl, "y", sampleCount, IndexTag(2))
		requireSchemaError(t, scm, "tag 2 already used by index x")
	})
	t.Run("duplicate name", func(t *testing.T) {
		scm := NewSchema()
		tbl := DefineTable(scm, 1, "a", sampleName)
		DefineIndex(tbl, "x", sampleCount)
		DefineIndex(tbl, "x", sampleName)
		requireSchemaError(t, scm, "duplicate index name")
	})
	t.Run("empty name", func(t *testing.T) {
		scm := NewSchema()
		tbl := DefineTable(scm, 1, "a", sampleName)
		DefineIndex(tbl, "", sampleCount)
		requireSchemaError(t, scm, "empty index name")
	})
	t.Run("missing value function", func(t *testing.T) {
		scm := NewSchema()
		tbl := DefineTable(scm, 1, "a", sampleName)
		DefineIndex[sampleRecord, string, int64](tbl, "x", nil)
		requireSchemaError(t, scm, "missing value function")
	})
	t.Run("invalid option", func(t *testing.T) {
		scm := NewSchema()
		tbl := DefineTable(scm, 1, "a", sampleName)
		DefineIndex(tbl, "x", sampleCount, "unique")
		requireSchemaError(t, scm, "invalid option string")
	})
	t.Run("unsupported value type", func(t *testing.T) {
		scm := NewSchema()
		tbl := DefineTable(scm, 1, "a", sampleName)
		DefineIndex(tbl, "x", func(row *sampleRecord) []string { return row.Tags })
		err := scm.Validate()
		require.ErrorIs(t, err, ErrSchemaViolation)
		assert.Contains(t, err.Error(), "index x")
	})
}

func TestSchema_ReportsEveryProblem(t *testing.T) {
	scm := NewSchema()
	DefineTable(scm, 1, "a", sampleName)
	DefineTable(scm, 1, "a", sampleName)
	errs := multierr.Errors(scm.Validate())
	assert.Len(t, errs, 2)
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrSchemaViolation), "%v", err)
	}
}

func TestForeignKey_Declaration(t *testing.T) {
	scm := NewSchema()
	users := DefineTable(scm, 1, "users", sampleName)
	posts := DefineTable(scm, 2, "posts", sampleName)
	fk := DefineForeignKey(posts, "author", users, func(row *sampleRecord) Ref[sampleRecord, string] {
		return RefTo(users, row.Tags[0])
	})
	require.NoError(t, scm.Validate())

	assert.Same(t, users.Table, fk.Target())
	assert.Same(t, posts.Table, fk.Table())
	assert.Same(t, fk.ForeignKey, fk.Index().ForeignKey())
	assert.Same(t, fk.Index(), posts.IndexNamed("author"))
	assert.Len(t, posts.ForeignKeys(), 1)
}
