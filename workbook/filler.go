// Package workbook runs lookups for the rows of an xlsx sheet and writes the
// percentiles back next to them.
package workbook

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"ucr-scraper/batch"
	"ucr-scraper/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	firstDataRow = 2
	// firstValueCol is column D; percentiles 50..95 fill D..M and the
	// dropdown percentiles 25..45 fill N..R.
	firstValueCol = 4
)

// percentileColumns lists percentile labels in column order from D.
var percentileColumns = func() []string {
	cols := append([]string{}, models.SweepPercentiles...)
	for _, p := range models.DropdownPercentiles {
		cols = append(cols, string(p))
	}
	return cols
}()

func percentileColumn(label string) (int, bool) {
	for i, p := range percentileColumns {
		if p == label {
			return firstValueCol + i, true
		}
	}
	return 0, false
}

// Filler fills percentile columns of a spreadsheet using an Orchestrator.
type Filler struct {
	orchestrator *batch.Orchestrator
	logger       *zap.Logger
}

// NewFiller creates a Filler.
func NewFiller(o *batch.Orchestrator, logger *zap.Logger) *Filler {
	return &Filler{orchestrator: o, logger: logger}
}

// OutputPath returns where the filled copy of inputPath is written.
func OutputPath(inputPath string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "_filled.xlsx"
}

// Fill reads date, CPT and ZIP from columns A, B and C of the active sheet,
// starting at row 2 and stopping at the first fully blank row. Results go
// into D..M (N..R for the dropdown percentiles); a failed row gets "ERR: <message>" in D. The input file is left
// untouched and the path of the filled copy is returned.
func (fl *Filler) Fill(ctx context.Context, inputPath string) (string, models.BatchReport, error) {
	f, err := excelize.OpenFile(inputPath)
	if err != nil {
		return "", models.BatchReport{}, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fl.logger.Warn("failed to close workbook", zap.Error(err))
		}
	}()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := ensureHeaders(f, sheet); err != nil {
		return "", models.BatchReport{}, err
	}

	var results []models.LookupResult
	for row := firstDataRow; ; row++ {
		item, blank, err := readRow(f, sheet, row)
		if err != nil {
			return "", models.BatchReport{}, err
		}
		if blank {
			break
		}

		var result models.LookupResult
		if err := ctx.Err(); err != nil {
			result = batch.FailedResult(item, row, "Scraping failed: "+err.Error())
		} else {
			result = fl.orchestrator.Process(ctx, row, item)
		}
		results = append(results, result)

		if err := fl.writeResult(f, sheet, row, result); err != nil {
			return "", models.BatchReport{}, err
		}
		fl.logger.Info("row done", zap.Int("row", row), zap.String("error", result.Error), zap.Int("percentiles", len(result.Percentiles)))
	}

	if len(results) == 0 {
		return "", models.BatchReport{}, batch.ErrNoLineItems
	}

	out := OutputPath(inputPath)
	if err := f.SaveAs(out); err != nil {
		return "", models.BatchReport{}, fmt.Errorf("failed to save workbook: %w", err)
	}
	fl.logger.Info("workbook written", zap.String("path", out))

	return out, models.NewBatchReport(results), nil
}

// ensureHeaders labels the sweep columns D..M. Dropdown columns are labelled
// only once a value lands in them.
func ensureHeaders(f *excelize.File, sheet string) error {
	for _, pct := range models.SweepPercentiles {
		if err := ensureHeader(f, sheet, pct); err != nil {
			return err
		}
	}
	return nil
}

func ensureHeader(f *excelize.File, sheet, pct string) error {
	col, ok := percentileColumn(pct)
	if !ok {
		return fmt.Errorf("no column for percentile %s", pct)
	}
	cell, err := excelize.CoordinatesToCellName(col, 1)
	if err != nil {
		return err
	}
	v, err := f.GetCellValue(sheet, cell)
	if err != nil {
		return fmt.Errorf("failed to read header %s: %w", cell, err)
	}
	if strings.TrimSpace(v) != "" {
		return nil
	}
	if err := f.SetCellValue(sheet, cell, pct); err != nil {
		return fmt.Errorf("failed to write header %s: %w", cell, err)
	}
	return nil
}

func readRow(f *excelize.File, sheet string, row int) (models.LineItem, bool, error) {
	date, err := dateCell(f, sheet, fmt.Sprintf("A%d", row))
	if err != nil {
		return models.LineItem{}, false, err
	}
	cpt, err := f.GetCellValue(sheet, fmt.Sprintf("B%d", row))
	if err != nil {
		return models.LineItem{}, false, err
	}
	zip, err := f.GetCellValue(sheet, fmt.Sprintf("C%d", row))
	if err != nil {
		return models.LineItem{}, false, err
	}

	date, cpt, zip = strings.TrimSpace(date), strings.TrimSpace(cpt), strings.TrimSpace(zip)
	if date == "" && cpt == "" && zip == "" {
		return models.LineItem{}, true, nil
	}
	return models.LineItem{
		Date:    models.FlexString(date),
		CPTCode: models.FlexString(cpt),
		ZipCode: models.FlexString(zip),
	}, false, nil
}

// dateCell returns a date cell as MM/DD/YYYY when it holds an Excel serial
// date, and as the displayed text otherwise.
func dateCell(f *excelize.File, sheet, cell string) (string, error) {
	shown, err := f.GetCellValue(sheet, cell)
	if err != nil {
		return "", err
	}
	raw, err := f.GetCellValue(sheet, cell, excelize.Options{RawCellValue: true})
	if err != nil {
		return "", err
	}
	if raw == shown {
		return shown, nil
	}
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return shown, nil
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return shown, nil
	}
	return t.Format("01/02/2006"), nil
}

func (fl *Filler) writeResult(f *excelize.File, sheet string, row int, result models.LookupResult) error {
	if result.Failed() {
		cell, _ := excelize.CoordinatesToCellName(firstValueCol, row)
		return f.SetCellValue(sheet, cell, "ERR: "+result.Error)
	}
	for pct, v := range result.Percentiles {
		col, ok := percentileColumn(pct)
		if !ok {
			fl.logger.Warn("no column for percentile", zap.Int("row", row), zap.String("percentile", pct))
			continue
		}
		if !slices.Contains(models.SweepPercentiles, pct) {
			if err := ensureHeader(f, sheet, pct); err != nil {
				return err
			}
		}
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to write %s: %w", cell, err)
		}
	}
	return nil
}
