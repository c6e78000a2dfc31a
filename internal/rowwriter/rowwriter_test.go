package rowwriter

import (
	"context"
	"testing"

	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureStatement struct {
	sets [][]any
}

func (s *captureStatement) AddBatch(args ...any)                          { s.sets = append(s.sets, args) }
func (s *captureStatement) ExecuteBatch(context.Context) ([]int64, error) { return nil, nil }
func (s *captureStatement) Close() error                                  { return nil }

func testSchema() *models.Schema {
	return models.MustSchema(
		models.Entry{Name: "id", Type: models.TypeInt64},
		models.Entry{Name: "name", OriginalName: "Full Name", Type: models.TypeString, Nullable: true},
		models.Entry{Name: "score", Type: models.TypeFloat64, Nullable: true},
	)
}

func testRecord(t *testing.T) models.Record {
	t.Helper()
	rec, err := models.NewRecordBuilder(testSchema()).
		Set("id", int64(7)).
		Set("name", "o'neil").
		Set("score", 1.5).
		Build()
	require.NoError(t, err)
	return rec
}

func TestColumns_OriginNames(t *testing.T) {
	cols := Columns(testSchema(), []string{"id"}, true)
	require.Len(t, cols, 3)
	assert.Equal(t, "Full Name", cols[1].Name)
	assert.Equal(t, "name", cols[1].Entry.Name)
	assert.True(t, cols[0].UpdateKey)
	assert.False(t, cols[0].Updatable)
}

func TestBind_ColumnOrderPerAction(t *testing.T) {
	cols := Columns(testSchema(), []string{"id"}, false)
	rec := testRecord(t)

	tests := []struct {
		action platform.Action
		want   []any
	}{
		{platform.ActionInsert, []any{int64(7), "o'neil", 1.5}},
		{platform.ActionUpsert, []any{int64(7), "o'neil", 1.5}},
		{platform.ActionUpdate, []any{"o'neil", 1.5, int64(7)}},
		{platform.ActionDelete, []any{int64(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			stmt := &captureStatement{}
			w := New(tt.action, "SQL", cols)
			bound, err := w.Bind(stmt, rec)
			require.NoError(t, err)
			require.Len(t, stmt.sets, 1)
			assert.Equal(t, tt.want, stmt.sets[0])
			assert.Equal(t, tt.want, bound.Args)
		})
	}
}

func TestBound_Rendered(t *testing.T) {
	b := Bound{SQL: "INSERT INTO t VALUES (?, ?, ?)", Args: []any{int64(1), "it's", nil}}
	assert.Equal(t, "INSERT INTO t VALUES (?, ?, ?) -- [1, 'it''s', NULL]", b.Rendered())
}

func TestKeys(t *testing.T) {
	cols := Columns(testSchema(), []string{"id"}, false)
	assert.Len(t, Keys(platform.ActionDelete, cols), 1)
	assert.Len(t, Keys(platform.ActionUpdate, cols), 1)
	assert.Len(t, Keys(platform.ActionUpsert, cols), 1)
	assert.Empty(t, Keys(platform.ActionInsert, cols))
}

func TestBind_MatchesPlatformPlaceholders(t *testing.T) {
	cols := Columns(testSchema(), []string{"id"}, false)
	sql, err := platform.Postgres().Statement(platform.ActionUpdate, "t", SQLColumns(cols))
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "t" SET "name" = $1, "score" = $2 WHERE "id" = $3`, sql)

	stmt := &captureStatement{}
	_, err = New(platform.ActionUpdate, sql, cols).Bind(stmt, testRecord(t))
	require.NoError(t, err)
	assert.Equal(t, int64(7), stmt.sets[0][2])
}
