package parser

import (
	"strings"
	"testing"

	"ucr-scraper/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feeTable = `
<html><body>
<div id="resultsDiv">
  <p>Code: 99213 Desc: Office visit, established patient Percentiles</p>
  <table class="table">
    <tr class="percentiles1"><td>50<sup>th</sup> : $ 67.21</td><td>55<sup>th</sup> : $ 70.00</td></tr>
    <tr class="row percentiles2"><td>60th : $1,234.50</td><td>65<sup>th</sup>: $ 80</td></tr>
    <tr class="footer"><td>99th : $ 5.00</td></tr>
  </table>
</div>
</body></html>`

func TestParseFeeHTML_StructuralPass(t *testing.T) {
	p := NewFeeParser()
	got, err := p.ParseFeeHTML(feeTable)
	require.NoError(t, err)

	want := models.PercentileRecord{"50": 67.21, "55": 70.00, "60": 1234.50, "65": 80}
	if diff := cmp.Diff(want, got.Percentiles); diff != "" {
		t.Errorf("percentiles mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "99213", got.ProcedureCode)
	assert.Equal(t, "Office visit, established patient", got.Description)
	assert.Equal(t, models.Currency, got.Currency)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.TextPreview)
}

func TestParseFeeHTML_TextFallback(t *testing.T) {
	html := `<html><body><div>Your estimate</div>
<ul><li>50th: $ 67.21</li><li>55th: $70.10</li></ul></body></html>`

	got, err := NewFeeParser().ParseFeeHTML(html)
	require.NoError(t, err)

	assert.Equal(t, models.PercentileRecord{"50": 67.21, "55": 70.10}, got.Percentiles)
	assert.True(t, got.Found())
}

func TestParseFeeHTML_AdjacentCellsDoNotMerge(t *testing.T) {
	html := `<div><span>50th : $ 67.21</span><span>55th : $ 70.00</span></div>`

	got, err := NewFeeParser().ParseFeeHTML(html)
	require.NoError(t, err)
	assert.Equal(t, 67.21, got.Percentiles["50"])
	assert.Equal(t, 70.00, got.Percentiles["55"])
}

func TestParseFeeHTML_NothingFound(t *testing.T) {
	html := "<html><body><p>" + strings.Repeat("é", 1500) + "</p></body></html>"

	got, err := NewFeeParser().ParseFeeHTML(html)
	require.NoError(t, err)

	assert.False(t, got.Found())
	assert.Empty(t, got.Percentiles)
	assert.Equal(t, ErrPercentilesNotFound, got.Error)
	assert.Equal(t, 1000, len([]rune(got.TextPreview)))
}

func TestParseFeeHTML_EmptyInput(t *testing.T) {
	got, err := NewFeeParser().ParseFeeHTML("")
	require.NoError(t, err)
	assert.Equal(t, ErrPercentilesNotFound, got.Error)
	assert.Empty(t, got.Percentiles)
}

func TestParseFeeHTML_Idempotent(t *testing.T) {
	p := NewFeeParser()
	first, err := p.ParseFeeHTML(feeTable)
	require.NoError(t, err)
	second, err := p.ParseFeeHTML(feeTable)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second parse differs (-first +second):\n%s", diff)
	}
}

func TestParseFeeHTML_IgnoresScripts(t *testing.T) {
	html := `<html><head><script>var s = "50th: $ 1.00";</script></head>
<body><p>55th: $ 2.00</p></body></html>`

	got, err := NewFeeParser().ParseFeeHTML(html)
	require.NoError(t, err)
	assert.Equal(t, models.PercentileRecord{"55": 2.00}, got.Percentiles)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   float64
		wantOK bool
	}{
		{"plain", "67.21", 67.21, true},
		{"thousands", "1,234.50", 1234.50, true},
		{"trailing period", "80.", 80, true},
		{"integer", "80", 80, true},
		{"only separators", ",.", 0, false},
		{"double dot", "1.2.3", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseAmount(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("parseAmount(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("parseAmount(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"regular spaces", "50th  :  $ 1", "50th : $ 1"},
		{"non-breaking space", "50th\u00A0: $ 1", "50th : $ 1"},
		{"mixed whitespace", "50th\t\n: $ 1", "50th : $ 1"},
		{"already normalized", "50th : $ 1", "50th : $ 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeWhitespace(tt.input)
			if got != tt.expected {
				t.Errorf("normalizeWhitespace() = %q, want %q", got, tt.expected)
			}
		})
	}
}
