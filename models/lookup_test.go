package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineItemAcceptsNumbersAndStrings(t *testing.T) {
	var in BatchInput
	err := json.Unmarshal([]byte(`{"line_items":[
		{"ZipCode": 90001, "CPTcode": "99214", "date": "2025-04-25"},
		{"ZipCode": "9012", "CPTcode": 99213, "date": null}
	]}`), &in)
	require.NoError(t, err)
	require.Len(t, in.LineItems, 2)

	assert.Equal(t, FlexString("90001"), in.LineItems[0].ZipCode)
	assert.Equal(t, FlexString("99214"), in.LineItems[0].CPTCode)
	assert.Equal(t, FlexString("9012"), in.LineItems[1].ZipCode)
	assert.Equal(t, FlexString("99213"), in.LineItems[1].CPTCode)
	assert.Equal(t, FlexString(""), in.LineItems[1].Date)
}

func TestLineItemRejectsObjects(t *testing.T) {
	var item LineItem
	err := json.Unmarshal([]byte(`{"ZipCode": {"a": 1}}`), &item)
	assert.Error(t, err)
}

func TestPercentileSelectable(t *testing.T) {
	for _, p := range []Percentile{"25", "30", "35", "40", "45"} {
		assert.True(t, p.Selectable(), p)
	}
	for _, p := range []Percentile{"", "50", "75", "95", "20"} {
		assert.False(t, p.Selectable(), p)
	}
}

func TestNewBatchReportCounts(t *testing.T) {
	report := NewBatchReport([]LookupResult{
		{LineNumber: 1},
		{LineNumber: 2, Error: "Missing CPT code"},
		{LineNumber: 3},
	})
	assert.Equal(t, 3, report.TotalProcessed)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, report.TotalProcessed, report.Successful+report.Failed)
}

func TestLookupResultJSONShape(t *testing.T) {
	data, err := json.Marshal(LookupResult{
		ProcedureCode: "99214",
		Description:   "Office visit",
		Percentiles:   PercentileRecord{"50": 67.21},
		Currency:      Currency,
		ZipCode:       90001,
		Date:          "04/25/2025",
		LineNumber:    1,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"procedureCode":"99214","percentiles":{"50":67.21},"currency":"USD",
		"zip_code":90001,"date":"04/25/2025","line_number":1}`, string(data))
}
