// Package normalize coerces loosely formatted line items into the exact
// formats the fee viewer accepts and rejects what cannot be coerced.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ucr-scraper/models"
)

var (
	nonAlnum   = regexp.MustCompile(`[^A-Za-z0-9]`)
	nonDigit   = regexp.MustCompile(`\D`)
	zipPattern = regexp.MustCompile(`^\d{5}$`)
	shortDate  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
)

const siteDateLayout = "01/02/2006"

// dateLayouts are tried in order; the first one that parses wins.
var dateLayouts = []string{
	"2006-01-02",
	siteDateLayout,
	"01/02/06",
	"2006/01/02",
}

// NormalizeDate converts raw to MM/DD/YYYY. Input that cannot be parsed is
// returned trimmed but otherwise unchanged so the validation gate can name it.
func NormalizeDate(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	for _, layout := range dateLayouts {
		if len(s) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(siteDateLayout)
		}
	}

	// M/D/YYYY with single-digit parts
	if m := shortDate.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		candidate := fmt.Sprintf("%02d/%02d/%s", month, day, m[3])
		if _, err := time.Parse(siteDateLayout, candidate); err == nil {
			return candidate
		}
	}

	return s
}

// NormalizeProcedureCode strips every non-alphanumeric character.
func NormalizeProcedureCode(raw string) string {
	return nonAlnum.ReplaceAllString(raw, "")
}

// NormalizeZip strips non-digits and left-pads to five digits. Longer values
// are left long and fail validation.
func NormalizeZip(raw string) string {
	digits := nonDigit.ReplaceAllString(raw, "")
	if len(digits) < 5 {
		digits = strings.Repeat("0", 5-len(digits)) + digits
	}
	return digits
}

// ValidationError is returned by the gate. Its message is shown to users
// verbatim and must stay stable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Normalized carries the coerced fields of a line item, whether or not they
// passed validation, so failed results can still echo them back.
type Normalized struct {
	RawDate       string
	ServiceDate   string
	ProcedureCode string
	ZipCode       string
}

// Normalize applies the three normalizers to a raw line item.
func Normalize(item models.LineItem) Normalized {
	rawDate := strings.TrimSpace(string(item.Date))
	return Normalized{
		RawDate:       rawDate,
		ServiceDate:   NormalizeDate(rawDate),
		ProcedureCode: NormalizeProcedureCode(strings.TrimSpace(string(item.CPTCode))),
		ZipCode:       NormalizeZip(strings.TrimSpace(string(item.ZipCode))),
	}
}

// Validate checks date, code and zip in that order and returns the first
// violation.
func (n Normalized) Validate() error {
	if len(n.ServiceDate) != 10 || strings.Count(n.ServiceDate, "/") != 2 {
		return &ValidationError{
			Field:   "date",
			Message: fmt.Sprintf("Invalid date format: '%s' (expected YYYY-MM-DD or MM/DD/YYYY)", n.RawDate),
		}
	}
	if n.ProcedureCode == "" {
		return &ValidationError{Field: "cpt", Message: "Missing CPT code"}
	}
	if !zipPattern.MatchString(n.ZipCode) {
		return &ValidationError{
			Field:   "zip",
			Message: fmt.Sprintf("Invalid ZIP code: '%s' (expected 5 digits)", n.ZipCode),
		}
	}
	return nil
}

// Request converts a validated item into a lookup request.
func (n Normalized) Request(p models.Percentile) models.LookupRequest {
	return models.LookupRequest{
		ServiceDate:   n.ServiceDate,
		ProcedureCode: n.ProcedureCode,
		ZipCode:       n.ZipCode,
		Percentile:    p,
	}
}
