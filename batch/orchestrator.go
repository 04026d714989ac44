package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ucr-scraper/models"
	"ucr-scraper/normalize"
	"ucr-scraper/parser"
	"ucr-scraper/scraper"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoLineItems aborts a batch whose input has no line items.
var ErrNoLineItems = errors.New("No line_items found in input JSON")

const msgNoPercentiles = "No percentiles found in response"

// ProgressFunc is called after each item with the number of items done.
type ProgressFunc func(done, total int, result models.LookupResult)

// Orchestrator processes line items one after another. A failure in one item,
// panics included, becomes that item's error and never stops the batch.
type Orchestrator struct {
	scraper     scraper.Scraper
	parser      *parser.FeeParser
	acctKey     string
	percentile  models.Percentile
	snapshotDir string
	progress    ProgressFunc
	logger      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSnapshotDir writes the raw markup of every scraped item into dir.
func WithSnapshotDir(dir string) Option {
	return func(o *Orchestrator) { o.snapshotDir = dir }
}

// WithPercentile requests a dropdown percentile instead of the default sweep.
func WithPercentile(p models.Percentile) Option {
	return func(o *Orchestrator) { o.percentile = p }
}

// WithProgress registers a per-item progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// NewOrchestrator creates an orchestrator for one account key.
func NewOrchestrator(s scraper.Scraper, p *parser.FeeParser, acctKey string, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		scraper: s,
		parser:  p,
		acctKey: acctKey,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ParseInput decodes the JSON batch document.
func ParseInput(data []byte) ([]models.LineItem, error) {
	var in models.BatchInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(in.LineItems) == 0 {
		return nil, ErrNoLineItems
	}
	return in.LineItems, nil
}

// RunJSON parses data and runs the batch.
func (o *Orchestrator) RunJSON(ctx context.Context, data []byte) (models.BatchReport, error) {
	items, err := ParseInput(data)
	if err != nil {
		return models.BatchReport{}, err
	}
	return o.Run(ctx, items)
}

// Run processes items in order and returns exactly one result per item. If
// ctx is cancelled between items, the remaining items are reported as failed.
func (o *Orchestrator) Run(ctx context.Context, items []models.LineItem) (models.BatchReport, error) {
	if len(items) == 0 {
		return models.BatchReport{}, ErrNoLineItems
	}

	batchID := uuid.NewString()
	log := o.logger.With(zap.String("batch_id", batchID))
	log.Info("batch started", zap.Int("items", len(items)))
	start := time.Now()

	results := make([]models.LookupResult, 0, len(items))
	for i, item := range items {
		line := i + 1

		var result models.LookupResult
		if err := ctx.Err(); err != nil {
			result = FailedResult(item, line, "Scraping failed: "+err.Error())
		} else {
			result = o.Process(ctx, line, item)
		}
		results = append(results, result)

		if result.Failed() {
			log.Info("item failed", zap.Int("line", line), zap.String("error", result.Error))
		} else {
			log.Info("item done", zap.Int("line", line), zap.Int("percentiles", len(result.Percentiles)))
		}
		if o.progress != nil {
			o.progress(line, len(items), result)
		}
	}

	report := models.NewBatchReport(results)
	log.Info("batch finished",
		zap.Int("total", report.TotalProcessed),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

// Process runs the gate, the form driver and the extractor for one item.
func (o *Orchestrator) Process(ctx context.Context, line int, item models.LineItem) (result models.LookupResult) {
	n := normalize.Normalize(item)
	log := o.logger.With(zap.Int("line", line), zap.String("cpt", n.ProcedureCode), zap.String("zip", n.ZipCode))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing item", zap.Any("panic", r))
			result = failed(n, line, fmt.Sprintf("Scraping failed: %v", r))
		}
	}()

	if err := n.Validate(); err != nil {
		return failed(n, line, err.Error())
	}

	log.Debug("looking up", zap.String("date", n.ServiceDate))
	outcome, err := o.scraper.Scrape(ctx, o.acctKey, n.Request(o.percentile))
	if err != nil {
		return failed(n, line, "Scraping failed: "+err.Error())
	}

	o.writeSnapshot(log, line, n, outcome.HTML)

	parsed, err := o.parser.ParseFeeHTML(outcome.HTML)
	if err != nil {
		return failed(n, line, "Scraping failed: "+err.Error())
	}

	result = models.LookupResult{
		ProcedureCode: n.ProcedureCode,
		Description:   parsed.Description,
		Percentiles:   parsed.Percentiles,
		Currency:      parsed.Currency,
		ZipCode:       zipNumber(n.ZipCode),
		Date:          n.ServiceDate,
		LineNumber:    line,
	}
	if parsed.ProcedureCode != "" {
		result.ProcedureCode = parsed.ProcedureCode
	}
	if !parsed.Found() {
		log.Debug("no percentiles", zap.String("signal", string(outcome.Signal)), zap.String("preview", parsed.TextPreview))
		result.Error = msgNoPercentiles
	}
	return result
}

func (o *Orchestrator) writeSnapshot(log *zap.Logger, line int, n normalize.Normalized, html string) {
	if o.snapshotDir == "" {
		return
	}
	if err := os.MkdirAll(o.snapshotDir, 0755); err != nil {
		log.Warn("failed to create snapshot directory", zap.Error(err))
		return
	}
	path := filepath.Join(o.snapshotDir, SnapshotName(line, n.ProcedureCode, n.ZipCode))
	if err := os.WriteFile(path, []byte(html), 0644); err != nil {
		log.Warn("failed to write snapshot", zap.String("path", path), zap.Error(err))
	}
}

// SnapshotName is the file name used for an item's raw markup.
func SnapshotName(line int, cpt, zip string) string {
	return fmt.Sprintf("row_%d_%s_%s.html", line, cpt, zip)
}

// FailedResult builds the failed result for an item that was never looked up.
func FailedResult(item models.LineItem, line int, msg string) models.LookupResult {
	return failed(normalize.Normalize(item), line, msg)
}

func failed(n normalize.Normalized, line int, msg string) models.LookupResult {
	return models.LookupResult{
		ProcedureCode: n.ProcedureCode,
		Percentiles:   models.PercentileRecord{},
		Currency:      models.Currency,
		ZipCode:       zipNumber(n.ZipCode),
		Date:          n.ServiceDate,
		LineNumber:    line,
		Error:         msg,
	}
}

func zipNumber(zip string) int {
	v, err := strconv.Atoi(zip)
	if err != nil {
		return 0
	}
	return v
}
