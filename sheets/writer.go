package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"ucr-scraper/models"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Writer writes batch reports to Google Sheets.
type Writer struct {
	service       *sheets.Service
	spreadsheetID string
	logger        *zap.Logger
}

// NewWriter creates a Google Sheets writer. Credentials come from
// credentialsPath, or from GOOGLE_SHEETS_CREDENTIALS when the path is empty.
func NewWriter(ctx context.Context, spreadsheetID, credentialsPath string, logger *zap.Logger) (*Writer, error) {
	var credsJSON []byte
	var err error

	if credentialsPath != "" {
		credsJSON, err = os.ReadFile(credentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
	} else {
		// Trim whitespace and newlines that might be in the environment variable
		credsEnv := strings.TrimSpace(os.Getenv("GOOGLE_SHEETS_CREDENTIALS"))
		if credsEnv == "" {
			return nil, fmt.Errorf("credentials not found: GOOGLE_SHEETS_CREDENTIALS environment variable is empty or not set")
		}
		logger.Debug("reading credentials from GOOGLE_SHEETS_CREDENTIALS", zap.Int("bytes", len(credsEnv)))
		credsJSON = []byte(credsEnv)
	}

	if err := checkServiceAccount(credsJSON); err != nil {
		return nil, err
	}

	service, err := sheets.NewService(ctx, option.WithCredentialsJSON(credsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return NewWriterWithService(service, spreadsheetID, logger), nil
}

// NewWriterWithService wraps an existing Sheets service.
func NewWriterWithService(service *sheets.Service, spreadsheetID string, logger *zap.Logger) *Writer {
	return &Writer{
		service:       service,
		spreadsheetID: spreadsheetID,
		logger:        logger,
	}
}

func checkServiceAccount(credsJSON []byte) error {
	var creds map[string]interface{}
	if err := json.Unmarshal(credsJSON, &creds); err != nil {
		return fmt.Errorf("invalid credentials JSON (check if JSON is properly formatted): %w", err)
	}
	if creds["type"] != "service_account" {
		return fmt.Errorf("credentials must be a service account JSON file (type: service_account), got type: %v", creds["type"])
	}
	return nil
}

// Header is the column layout of a report sheet.
func Header() []interface{} {
	header := []interface{}{"Line", "Date", "CPT", "ZIP"}
	for _, pct := range models.SweepPercentiles {
		header = append(header, pct)
	}
	return append(header, "Error")
}

// ReportRows renders one row per result in input order. ZIP codes are kept
// as zero-padded text.
func ReportRows(report models.BatchReport) [][]interface{} {
	rows := make([][]interface{}, 0, len(report.Results))
	for _, r := range report.Results {
		row := []interface{}{r.LineNumber, r.Date, r.ProcedureCode, fmt.Sprintf("%05d", r.ZipCode)}
		for _, pct := range models.SweepPercentiles {
			if v, ok := r.Percentiles[pct]; ok {
				row = append(row, v)
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, append(row, r.Error))
	}
	return rows
}

// WriteReport writes the report to Sheet1, clearing it first if asked.
func (w *Writer) WriteReport(ctx context.Context, report models.BatchReport, clearFirst bool) error {
	if len(report.Results) == 0 {
		w.logger.Info("no results to write")
		return nil
	}

	values := append([][]interface{}{Header()}, ReportRows(report)...)
	range_ := "Sheet1!A1"

	if clearFirst {
		_, err := w.service.Spreadsheets.Values.Clear(w.spreadsheetID, range_, &sheets.ClearValuesRequest{}).Context(ctx).Do()
		if err != nil {
			w.logger.Warn("failed to clear existing data", zap.Error(err))
		}
	}

	_, err := w.service.Spreadsheets.Values.Update(w.spreadsheetID, range_, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write to sheets: %w", err)
	}

	w.logger.Info("wrote report to sheets", zap.Int("rows", len(report.Results)))
	return nil
}

// AppendReport appends the report rows below the existing data of Sheet1.
func (w *Writer) AppendReport(ctx context.Context, report models.BatchReport) error {
	if len(report.Results) == 0 {
		w.logger.Info("no results to append")
		return nil
	}

	resp, err := w.service.Spreadsheets.Values.Get(w.spreadsheetID, "Sheet1!A:A").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read existing data: %w", err)
	}

	nextRow := 1
	if len(resp.Values) > 0 {
		nextRow = len(resp.Values) + 1
	}

	updateRange := fmt.Sprintf("Sheet1!A%d", nextRow)
	_, err = w.service.Spreadsheets.Values.Update(w.spreadsheetID, updateRange, &sheets.ValueRange{Values: ReportRows(report)}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append to sheets: %w", err)
	}

	w.logger.Info("appended report to sheets", zap.Int("rows", len(report.Results)), zap.Int("start_row", nextRow))
	return nil
}

// CreateSheetAndWriteReport inserts a new sheet at index 0 and writes the
// report into it. source is optional and goes into a summary row above the
// header. It returns the sheet name and id (gid).
func (w *Writer) CreateSheetAndWriteReport(ctx context.Context, sheetName string, report models.BatchReport, source string) (string, int64, error) {
	sheetName = sanitizeSheetName(sheetName)
	if len(sheetName) > 100 {
		sheetName = sheetName[:100]
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{
						Title: sheetName,
						Index: 0,
						// Index 0 is the zero value and would be dropped.
						ForceSendFields: []string{"Index"},
					},
				},
			},
		},
	}

	resp, err := w.service.Spreadsheets.BatchUpdate(w.spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return "", 0, fmt.Errorf("failed to create sheet: %w", err)
	}

	var sheetID int64
	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil && resp.Replies[0].AddSheet.Properties != nil {
		sheetID = resp.Replies[0].AddSheet.Properties.SheetId
	}
	w.logger.Info("created sheet", zap.String("sheet", sheetName), zap.Int64("sheet_id", sheetID))

	var values [][]interface{}
	if source != "" {
		values = append(values, []interface{}{
			"Source", source,
			"Successful", report.Successful,
			"Failed", report.Failed,
		})
	}
	values = append(values, Header())
	values = append(values, ReportRows(report)...)

	range_ := fmt.Sprintf("'%s'!A1", sheetName)
	_, err = w.service.Spreadsheets.Values.Update(w.spreadsheetID, range_, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return "", 0, fmt.Errorf("failed to write to sheet: %w", err)
	}

	w.logger.Info("wrote report to sheet", zap.String("sheet", sheetName), zap.Int("rows", len(report.Results)))
	return sheetName, sheetID, nil
}

// sanitizeSheetName removes invalid characters from sheet name
func sanitizeSheetName(name string) string {
	// Google Sheets sheet names cannot contain: / \ ? * [ ]
	// and a quote would end the quoted A1 range.
	invalidChars := []string{"/", "\\", "?", "*", "[", "]", "'"}
	result := name
	for _, char := range invalidChars {
		result = strings.ReplaceAll(result, char, "_")
	}
	result = strings.TrimSpace(result)
	if result == "" {
		result = "Sheet1"
	}
	return result
}

// ExtractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL.
// A bare ID is returned unchanged.
func ExtractSpreadsheetID(url string) string {
	// https://docs.google.com/spreadsheets/d/SPREADSHEET_ID/edit?usp=sharing
	parts := strings.Split(url, "/d/")
	if len(parts) < 2 {
		if !strings.Contains(url, "/") {
			return strings.TrimSpace(url)
		}
		return ""
	}

	idPart := parts[1]
	if idx := strings.Index(idPart, "/"); idx != -1 {
		idPart = idPart[:idx]
	}
	if idx := strings.Index(idPart, "?"); idx != -1 {
		idPart = idPart[:idx]
	}

	return strings.TrimSpace(idPart)
}
