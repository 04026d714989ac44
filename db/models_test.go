package db

import (
	"testing"

	"ucr-scraper/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPercentilesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   models.PercentileRecord
		want models.PercentileRecord
	}{
		{"values", models.PercentileRecord{"50": 67.21, "95": 1250}, models.PercentileRecord{"50": 67.21, "95": 1250}},
		{"nil stores empty object", nil, models.PercentileRecord{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodePercentiles(tt.in)
			require.NoError(t, err)
			got, err := decodePercentiles(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePercentiles(t *testing.T) {
	got, err := decodePercentiles(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = decodePercentiles([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestNewDB_RejectsSchemaName(t *testing.T) {
	_, err := NewDB("postgres://localhost/x", "bad;schema", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema name")
}

func TestLookupResultsTable_UnboundedEchoColumns(t *testing.T) {
	// failed results carry raw dates like "April 25, 2025" and long zips
	for _, col := range []string{"procedure_code TEXT", "service_date TEXT", "zip_code BIGINT"} {
		assert.Contains(t, lookupResultsTable, col)
	}
	assert.NotContains(t, lookupResultsTable, "VARCHAR(20)")
	assert.Len(t, lookupResultsMigrations, 3)
}
