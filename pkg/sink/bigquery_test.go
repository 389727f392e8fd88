package sink

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONRow(t *testing.T) {
	row, err := newJSONRow([]byte(`{"id":"W1","title":"a study","_LOAD_ID":"load-123"}` + "\n"))
	require.NoError(t, err)

	values, insertID, err := row.Save()
	require.NoError(t, err)
	assert.Equal(t, "load-123", insertID, "the lineage ID doubles as the insert dedup key")
	assert.Equal(t, "W1", values["id"])
	assert.Equal(t, "a study", values["title"])
	assert.Contains(t, values, "_LOAD_ID", "the lineage column itself is inserted too")
}

func TestNewJSONRow_MissingLoadID(t *testing.T) {
	row, err := newJSONRow([]byte(`{"id":"W1"}`))
	require.NoError(t, err)
	_, insertID, err := row.Save()
	require.NoError(t, err)
	assert.Empty(t, insertID)
}

func TestNewJSONRow_Malformed(t *testing.T) {
	_, err := newJSONRow([]byte(`not json`))
	require.Error(t, err)
}

func TestBigQuerySink_PutRejectsMalformedLocally(t *testing.T) {
	// All records malformed: the inserter is never reached, so a zero-value
	// sink is enough here.
	s := &BigQuerySink{logger: zerolog.Nop()}

	results, err := s.Put(context.Background(), [][]byte{[]byte("oops"), []byte("{broken")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Accepted)
		assert.Contains(t, res.Reason, "malformed payload")
	}
}
