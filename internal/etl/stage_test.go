package etl

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var batchDate = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func TestEncode(t *testing.T) {
	rows := slices.Values([]Row{
		{"id": "S1", "name": "Dr. Smith", "years": "12"},
		{"id": "S2", "name": nil, "years": "3"},
	})
	data, n, err := Encode(rows, []string{"id", "name", "years"}, DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "S1|Dr. Smith|12\nS2||3\n", string(data))
}

func TestEncode_CustomNullToken(t *testing.T) {
	f := DefaultFormat()
	f.NullToken = `\N`
	data, _, err := Encode(slices.Values([]Row{{"a": nil, "b": "x"}}), []string{"a", "b"}, f)
	require.NoError(t, err)
	assert.Equal(t, "\\N|x\n", string(data))
}

func TestEncode_RejectsDelimiter(t *testing.T) {
	_, _, err := Encode(slices.Values([]Row{{"a": "x|y"}}), []string{"a"}, DefaultFormat())
	assert.Error(t, err)
}

func TestStage_ContentAddressed(t *testing.T) {
	store := newMemStore()
	s := NewStager(store, "etl-staging/", DefaultFormat())
	rows := []Row{{"surgeon_id": "S1", "surgeon_name": "Dr. Smith"}}
	fields := []string{"surgeon_id", "surgeon_name"}

	first, err := s.Stage(context.Background(), Surgeons, batchDate, slices.Values(rows), fields)
	require.NoError(t, err)
	second, err := s.Stage(context.Background(), Surgeons, batchDate, slices.Values(rows), fields)
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key, "same content, same key")
	assert.Regexp(t, `^etl-staging/surgeons/20240102/surgeons_[0-9a-f]{16}\.psv$`, first.Key)
	assert.Equal(t, 1, first.Rows)
	assert.Len(t, store.objects, 1)

	other, err := s.Stage(context.Background(), Surgeons, batchDate,
		slices.Values([]Row{{"surgeon_id": "S2", "surgeon_name": "Dr. Jones"}}), fields)
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, other.Key)
}

func TestStage_EmptyBatchWritesNothing(t *testing.T) {
	store := newMemStore()
	staged, err := NewStager(store, "etl-staging", DefaultFormat()).
		Stage(context.Background(), Robots, batchDate, slices.Values([]Row{}), []string{"robot_id"})
	require.NoError(t, err)
	assert.Nil(t, staged)
	assert.Equal(t, 0, store.puts)
}

func TestStage_PutError(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("access denied")
	_, err := NewStager(store, "etl-staging", DefaultFormat()).
		Stage(context.Background(), Robots, batchDate, slices.Values([]Row{{"robot_id": "R1"}}), []string{"robot_id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestDecode(t *testing.T) {
	schema := Schema{Columns: []Column{
		{Name: "id", Type: TypeString},
		{Name: "n", Type: TypeInt},
		{Name: "x", Type: TypeFloat},
		{Name: "ok", Type: TypeBool},
		{Name: "d", Type: TypeDate},
		{Name: "ts", Type: TypeTimestamp},
	}}
	rows, err := Decode([]byte("A|1|2.5|true|2024-01-01|2024-01-01 10:00:00\nB|||||\n"), schema, DefaultFormat())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, []any{"A", int64(1), 2.5, true,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}, rows[0])
	assert.Equal(t, []any{"B", nil, nil, nil, nil, nil}, rows[1])
}

func TestDecode_Errors(t *testing.T) {
	schema := Schema{Columns: []Column{{Name: "id", Type: TypeString}, {Name: "n", Type: TypeInt}}}

	_, err := Decode([]byte("A|1|extra\n"), schema, DefaultFormat())
	assert.ErrorContains(t, err, "expected 2 fields")

	_, err = Decode([]byte("A|one\n"), schema, DefaultFormat())
	assert.ErrorContains(t, err, "line 1: n")
}
