package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Currency is the only currency the fee viewer reports.
const Currency = "USD"

// Percentile identifies a requested percentile bracket. The empty value asks
// for the default 50-95 sweep.
type Percentile string

// DropdownPercentiles are the only values the fee viewer lets a caller select
// explicitly; everything else falls back to the default sweep.
var DropdownPercentiles = []Percentile{"25", "30", "35", "40", "45"}

// Selectable reports whether p must be chosen explicitly in the dropdown.
func (p Percentile) Selectable() bool {
	for _, v := range DropdownPercentiles {
		if p == v {
			return true
		}
	}
	return false
}

// SweepPercentiles are the labels returned by the default sweep, in column order.
var SweepPercentiles = []string{"50", "55", "60", "65", "70", "75", "80", "85", "90", "95"}

// LookupRequest is a validated, normalized lookup ready for the form driver.
type LookupRequest struct {
	ServiceDate   string // MM/DD/YYYY
	ProcedureCode string
	ZipCode       string // exactly 5 digits
	Percentile    Percentile
}

// FlexString accepts either a JSON string or a JSON number and keeps the
// literal text. Spreadsheet exports send zip and CPT codes as numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", data)
		}
		*f = FlexString(n.String())
	}
	return nil
}

// LineItem is one raw row of the JSON batch input.
type LineItem struct {
	ZipCode FlexString `json:"ZipCode"`
	CPTCode FlexString `json:"CPTcode"`
	Date    FlexString `json:"date"`
}

// BatchInput is the JSON document accepted by the lookup command and the bot.
type BatchInput struct {
	LineItems []LineItem `json:"line_items"`
}

// PercentileRecord maps a two-digit percentile label to a dollar amount.
type PercentileRecord map[string]float64

// LookupResult is the outcome of one line item. Error is empty on success.
type LookupResult struct {
	ProcedureCode string           `json:"procedureCode"`
	Description   string           `json:"-"`
	Percentiles   PercentileRecord `json:"percentiles"`
	Currency      string           `json:"currency"`
	ZipCode       int              `json:"zip_code"`
	Date          string           `json:"date"`
	LineNumber    int              `json:"line_number"`
	Error         string           `json:"error,omitempty"`
}

// Failed reports whether the result carries an error.
func (r LookupResult) Failed() bool {
	return r.Error != ""
}

// BatchReport aggregates the results of one batch in input order.
type BatchReport struct {
	Results        []LookupResult `json:"results"`
	TotalProcessed int            `json:"total_processed"`
	Successful     int            `json:"successful"`
	Failed         int            `json:"failed"`
}

// NewBatchReport derives the counters from results so they can never drift.
func NewBatchReport(results []LookupResult) BatchReport {
	if results == nil {
		results = []LookupResult{}
	}
	report := BatchReport{Results: results, TotalProcessed: len(results)}
	for _, r := range results {
		if r.Failed() {
			report.Failed++
		}
	}
	report.Successful = report.TotalProcessed - report.Failed
	return report
}
