package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ucr-scraper/batch"
	"ucr-scraper/config"
	"ucr-scraper/db"
	"ucr-scraper/models"
	"ucr-scraper/parser"
	"ucr-scraper/scraper"
	"ucr-scraper/sheets"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// progressEvery controls how often progress messages are sent for a batch.
const progressEvery = 10

// JobStore is the part of the job database the scheduler needs.
type JobStore interface {
	ClaimNextBatch(ctx context.Context) (*db.Batch, error)
	GetUserSettings(ctx context.Context, userID int64) (*db.UserSettings, error)
	SaveReport(ctx context.Context, id uuid.UUID, report models.BatchReport) error
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status, lastError string) error
	UpdateBatchSheetName(ctx context.Context, id uuid.UUID, sheetName string) error
}

// Notifier sends chat messages. *tgbotapi.BotAPI satisfies it.
type Notifier interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ReportWriter publishes a finished report, e.g. to Google Sheets.
type ReportWriter interface {
	CreateSheetAndWriteReport(ctx context.Context, sheetName string, report models.BatchReport, source string) (string, int64, error)
}

// ScraperFactory opens a scraper for one batch. The returned release func
// frees the browser and is always called when the batch ends.
type ScraperFactory func(ctx context.Context) (scraper.Scraper, func() error, error)

// Scheduler processes queued batches from the database one at a time.
type Scheduler struct {
	store          JobStore
	notifier       Notifier
	writer         ReportWriter
	spreadsheetURL string
	newScraper     ScraperFactory
	cfg            *config.Config
	parser         *parser.FeeParser
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. writer may be nil when no spreadsheet is
// configured; the browser is created on demand per batch.
func NewScheduler(store JobStore, notifier Notifier, writer ReportWriter, newScraper ScraperFactory, cfg *config.Config, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:          store,
		notifier:       notifier,
		writer:         writer,
		spreadsheetURL: cfg.Sheets.SpreadsheetURL,
		newScraper:     newScraper,
		cfg:            cfg,
		parser:         parser.NewFeeParser(),
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start starts the scheduler in a goroutine
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the scheduler and waits for the loop to exit. A batch in
// progress stops after its current item.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	interval := s.cfg.Bot.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.ProcessNextBatch(s.ctx)
		}
	}
}

// ProcessNextBatch claims and runs the oldest queued batch, if any. It
// reports whether a batch was processed.
func (s *Scheduler) ProcessNextBatch(ctx context.Context) bool {
	b, err := s.store.ClaimNextBatch(ctx)
	if err != nil {
		s.logger.Error("failed to claim batch", zap.Error(err))
		return false
	}
	if b == nil {
		return false
	}

	log := s.logger.With(zap.String("batch_id", b.ID.String()), zap.Int64("user_id", b.UserID))
	log.Info("processing batch")
	s.sendStatusUpdate(b, "🔄 Processing batch...")

	report, err := s.runBatch(ctx, log, b)

	// Stop cancels ctx mid-batch; whatever finished is still stored and
	// delivered so the batch is not rerun from scratch on restart.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		s.handleBatchError(ctx, log, b, err)
		return true
	}

	status, lastError := db.StatusDone, ""
	if err := s.store.SaveReport(ctx, b.ID, report); err != nil {
		log.Error("failed to save results", zap.Error(err))
		status, lastError = db.StatusFailed, fmt.Sprintf("failed to save results: %v", err)
	}

	sheetURL := ""
	if s.writer != nil {
		sheetName := fmt.Sprintf("Batch_%s_%s", b.ID.String()[:8], time.Now().Format("20060102_150405"))
		source := fmt.Sprintf("Telegram batch %s", b.ID)
		name, sheetID, err := s.writer.CreateSheetAndWriteReport(ctx, sheetName, report, source)
		if err != nil {
			log.Error("failed to write report to sheets", zap.Error(err))
		} else {
			if err := s.store.UpdateBatchSheetName(ctx, b.ID, name); err != nil {
				log.Warn("failed to update sheet name", zap.Error(err))
			}
			sheetURL = s.createSheetURL(sheetID)
		}
	}

	if err := s.store.UpdateBatchStatus(ctx, b.ID, status, lastError); err != nil {
		log.Error("failed to update batch status", zap.String("status", status), zap.Error(err))
	}

	s.sendStatusUpdate(b, SummaryMessage(report, sheetURL))
	s.sendReport(log, b, report)
	log.Info("batch done", zap.Int("successful", report.Successful), zap.Int("failed", report.Failed))
	return true
}

func (s *Scheduler) runBatch(ctx context.Context, log *zap.Logger, b *db.Batch) (models.BatchReport, error) {
	items, err := batch.ParseInput(b.Payload)
	if err != nil {
		return models.BatchReport{}, err
	}

	settings, err := s.store.GetUserSettings(ctx, b.UserID)
	if err != nil {
		return models.BatchReport{}, err
	}
	acctKey := settings.AcctKey
	if acctKey == "" {
		acctKey = s.cfg.Site.AcctKey
	}
	if acctKey == "" {
		return models.BatchReport{}, errors.New("no account key set, send /acctkey <key> first")
	}

	log.Info("initializing browser")
	sc, release, err := s.newScraper(ctx)
	if err != nil {
		return models.BatchReport{}, fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("failed to close browser", zap.Error(err))
		}
	}()

	o := batch.NewOrchestrator(sc, s.parser, acctKey, log,
		batch.WithPercentile(models.Percentile(settings.Percentile)),
		batch.WithSnapshotDir(s.cfg.Output.SnapshotDir),
		batch.WithProgress(func(done, total int, _ models.LookupResult) {
			if done%progressEvery == 0 && done < total {
				s.sendStatusUpdate(b, fmt.Sprintf("📄 %d/%d line items processed", done, total))
			}
		}),
	)
	return o.Run(ctx, items)
}

// handleBatchError marks the batch failed and tells the user why
func (s *Scheduler) handleBatchError(ctx context.Context, log *zap.Logger, b *db.Batch, err error) {
	log.Error("batch failed", zap.Error(err))
	if updateErr := s.store.UpdateBatchStatus(ctx, b.ID, db.StatusFailed, err.Error()); updateErr != nil {
		log.Error("failed to mark batch failed", zap.Error(updateErr))
	}
	s.sendStatusUpdate(b, fmt.Sprintf("❌ Error processing batch: %v", err))
}

// SummaryMessage renders the chat summary of a finished batch.
func SummaryMessage(report models.BatchReport, sheetURL string) string {
	msg := fmt.Sprintf("✅ Batch finished: %d processed, %d successful, %d failed.",
		report.TotalProcessed, report.Successful, report.Failed)
	if sheetURL != "" {
		msg += "\n\nView spreadsheet: " + sheetURL
	}
	return msg
}

func (s *Scheduler) sendReport(log *zap.Logger, b *db.Batch, report models.BatchReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Error("failed to encode report", zap.Error(err))
		return
	}
	doc := tgbotapi.NewDocument(b.ChatID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("ucr_%s.json", b.ID.String()[:8]),
		Bytes: data,
	})
	doc.ReplyToMessageID = b.TelegramMessageID
	if _, err := s.notifier.Send(doc); err != nil {
		log.Error("failed to send report document", zap.Error(err))
	}
}

// createSheetURL creates a URL that opens a specific sheet in the spreadsheet
func (s *Scheduler) createSheetURL(sheetID int64) string {
	spreadsheetID := sheets.ExtractSpreadsheetID(s.spreadsheetURL)
	if spreadsheetID == "" {
		return s.spreadsheetURL
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/edit#gid=%d", spreadsheetID, sheetID)
}

// sendStatusUpdate sends a status update message to Telegram
func (s *Scheduler) sendStatusUpdate(b *db.Batch, text string) {
	msg := tgbotapi.NewMessage(b.ChatID, text)
	msg.ReplyToMessageID = b.TelegramMessageID
	if _, err := s.notifier.Send(msg); err != nil {
		s.logger.Warn("failed to send status update", zap.Error(err))
	}
}
