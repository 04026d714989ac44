package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ucr-scraper/config"
	"ucr-scraper/db"
	"ucr-scraper/models"
	"ucr-scraper/scraper"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const feePage = `<table><tr class="percentiles1"><td>50<sup>th</sup> : $ 67.21</td></tr></table>`

type fakeStore struct {
	mu       sync.Mutex
	queue    []*db.Batch
	settings db.UserSettings
	saved    map[uuid.UUID]models.BatchReport
	statuses map[uuid.UUID]string
	errors   map[uuid.UUID]string
	sheets   map[uuid.UUID]string
	claimErr error
	saveErr  error
}

func newFakeStore(batches ...*db.Batch) *fakeStore {
	return &fakeStore{
		queue:    batches,
		saved:    map[uuid.UUID]models.BatchReport{},
		statuses: map[uuid.UUID]string{},
		errors:   map[uuid.UUID]string{},
		sheets:   map[uuid.UUID]string{},
	}
}

func (f *fakeStore) ClaimNextBatch(ctx context.Context) (*db.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	b := f.queue[0]
	f.queue = f.queue[1:]
	f.statuses[b.ID] = db.StatusInProgress
	return b, nil
}

func (f *fakeStore) GetUserSettings(ctx context.Context, userID int64) (*db.UserSettings, error) {
	s := f.settings
	s.UserID = userID
	return &s, nil
}

func (f *fakeStore) SaveReport(ctx context.Context, id uuid.UUID, report models.BatchReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[id] = report
	return nil
}

func (f *fakeStore) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	f.errors[id] = lastError
	return nil
}

func (f *fakeStore) UpdateBatchSheetName(ctx context.Context, id uuid.UUID, sheetName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sheets[id] = sheetName
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (f *fakeNotifier) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeNotifier) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeNotifier) documents() []tgbotapi.DocumentConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.DocumentConfig
	for _, c := range f.sent {
		if d, ok := c.(tgbotapi.DocumentConfig); ok {
			out = append(out, d)
		}
	}
	return out
}

type fakeWriter struct {
	names []string
}

func (f *fakeWriter) CreateSheetAndWriteReport(ctx context.Context, sheetName string, report models.BatchReport, source string) (string, int64, error) {
	f.names = append(f.names, sheetName)
	return sheetName, 7, nil
}

type cannedScraper struct {
	acctKeys []string
}

func (c *cannedScraper) Scrape(ctx context.Context, acctKey string, req models.LookupRequest) (*scraper.Outcome, error) {
	c.acctKeys = append(c.acctKeys, acctKey)
	return &scraper.Outcome{HTML: feePage, Signal: scraper.SignalResult}, nil
}

func factory(sc scraper.Scraper, released *int) ScraperFactory {
	return func(ctx context.Context) (scraper.Scraper, func() error, error) {
		return sc, func() error { *released++; return nil }, nil
	}
}

func queued(payload string) *db.Batch {
	return &db.Batch{ID: uuid.New(), UserID: 1, ChatID: 100, TelegramMessageID: 5, Payload: []byte(payload), Status: db.StatusCreated}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Site.AcctKey = "DEFAULT"
	cfg.Sheets.SpreadsheetURL = "https://docs.google.com/spreadsheets/d/abc/edit"
	cfg.Bot.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestProcessNextBatch_Success(t *testing.T) {
	b := queued(`{"line_items":[{"ZipCode":"10001","CPTcode":"99213","date":"2025-04-25"},{"ZipCode":"10001","CPTcode":"","date":"2025-04-25"}]}`)
	store := newFakeStore(b)
	store.settings.AcctKey = "USERKEY"
	notifier := &fakeNotifier{}
	writer := &fakeWriter{}
	sc := &cannedScraper{}
	released := 0

	s := NewScheduler(store, notifier, writer, factory(sc, &released), testConfig(), zap.NewNop())
	require.True(t, s.ProcessNextBatch(context.Background()))

	assert.Equal(t, db.StatusDone, store.statuses[b.ID])
	report := store.saved[b.ID]
	assert.Equal(t, 2, report.TotalProcessed)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, []string{"USERKEY"}, sc.acctKeys)
	assert.Equal(t, 1, released)

	require.Len(t, writer.names, 1)
	assert.Equal(t, writer.names[0], store.sheets[b.ID])

	texts := notifier.texts()
	require.NotEmpty(t, texts)
	last := texts[len(texts)-1]
	assert.Contains(t, last, "2 processed, 1 successful, 1 failed")
	assert.Contains(t, last, "https://docs.google.com/spreadsheets/d/abc/edit#gid=7")

	docs := notifier.documents()
	require.Len(t, docs, 1)
	file := docs[0].File.(tgbotapi.FileBytes)
	var decoded models.BatchReport
	require.NoError(t, json.Unmarshal(file.Bytes, &decoded))
	assert.Equal(t, 67.21, decoded.Results[0].Percentiles["50"])
}

func TestProcessNextBatch_DefaultAcctKey(t *testing.T) {
	b := queued(`{"line_items":[{"ZipCode":"10001","CPTcode":"99213","date":"2025-04-25"}]}`)
	sc := &cannedScraper{}
	released := 0

	s := NewScheduler(newFakeStore(b), &fakeNotifier{}, nil, factory(sc, &released), testConfig(), zap.NewNop())
	require.True(t, s.ProcessNextBatch(context.Background()))
	assert.Equal(t, []string{"DEFAULT"}, sc.acctKeys)
}

func TestProcessNextBatch_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		acct    string
		wantErr string
	}{
		{"no line items", `{"line_items":[]}`, "KEY", "No line_items found in input JSON"},
		{"bad json", `{`, "KEY", "invalid JSON"},
		{"no account key", `{"line_items":[{"ZipCode":"1","CPTcode":"1","date":"2025-01-01"}]}`, "", "no account key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := queued(tt.payload)
			store := newFakeStore(b)
			store.settings.AcctKey = tt.acct
			cfg := testConfig()
			cfg.Site.AcctKey = ""
			notifier := &fakeNotifier{}
			released := 0

			s := NewScheduler(store, notifier, nil, factory(&cannedScraper{}, &released), cfg, zap.NewNop())
			require.True(t, s.ProcessNextBatch(context.Background()))

			assert.Equal(t, db.StatusFailed, store.statuses[b.ID])
			assert.Contains(t, store.errors[b.ID], tt.wantErr)
			assert.Equal(t, 0, released)
			texts := notifier.texts()
			assert.True(t, strings.HasPrefix(texts[len(texts)-1], "❌"))
		})
	}
}

func TestProcessNextBatch_BrowserFails(t *testing.T) {
	b := queued(`{"line_items":[{"ZipCode":"10001","CPTcode":"99213","date":"2025-04-25"}]}`)
	store := newFakeStore(b)
	broken := func(ctx context.Context) (scraper.Scraper, func() error, error) {
		return nil, nil, errors.New("chrome missing")
	}

	s := NewScheduler(store, &fakeNotifier{}, nil, broken, testConfig(), zap.NewNop())
	require.True(t, s.ProcessNextBatch(context.Background()))
	assert.Equal(t, db.StatusFailed, store.statuses[b.ID])
	assert.Contains(t, store.errors[b.ID], "chrome missing")
}

func TestProcessNextBatch_MalformedItemKeepsBatch(t *testing.T) {
	b := queued(`{"line_items":[
		{"ZipCode":"10001","CPTcode":"99213","date":"2025-04-25"},
		{"ZipCode":"10001","CPTcode":"99213","date":"April 25, 2025"},
		{"ZipCode":"12345678901","CPTcode":"99213","date":"2025-04-25"}]}`)
	store := newFakeStore(b)
	notifier := &fakeNotifier{}
	sc := &cannedScraper{}
	released := 0

	s := NewScheduler(store, notifier, nil, factory(sc, &released), testConfig(), zap.NewNop())
	require.True(t, s.ProcessNextBatch(context.Background()))

	assert.Equal(t, db.StatusDone, store.statuses[b.ID])
	assert.Len(t, sc.acctKeys, 1, "only the valid item is scraped")

	report := store.saved[b.ID]
	require.Len(t, report.Results, 3)
	assert.Equal(t, "April 25, 2025", report.Results[1].Date)
	assert.Contains(t, report.Results[1].Error, "Invalid date format")
	assert.Equal(t, 12345678901, report.Results[2].ZipCode)
	assert.Contains(t, report.Results[2].Error, "Invalid ZIP code")

	texts := notifier.texts()
	assert.Contains(t, texts[len(texts)-1], "3 processed, 1 successful, 2 failed")
	assert.Len(t, notifier.documents(), 1)
}

func TestProcessNextBatch_SaveFailureStillDelivers(t *testing.T) {
	b := queued(`{"line_items":[{"ZipCode":"10001","CPTcode":"99213","date":"2025-04-25"}]}`)
	store := newFakeStore(b)
	store.saveErr = errors.New("connection reset")
	notifier := &fakeNotifier{}
	released := 0

	s := NewScheduler(store, notifier, nil, factory(&cannedScraper{}, &released), testConfig(), zap.NewNop())
	require.True(t, s.ProcessNextBatch(context.Background()))

	assert.Equal(t, db.StatusFailed, store.statuses[b.ID])
	assert.Equal(t, "failed to save results: connection reset", store.errors[b.ID])

	texts := notifier.texts()
	assert.Contains(t, texts[len(texts)-1], "1 processed, 1 successful, 0 failed")
	assert.Len(t, notifier.documents(), 1)
}

func TestProcessNextBatch_PersistsAfterCancel(t *testing.T) {
	b := queued(`{"line_items":[{"ZipCode":"10001","CPTcode":"99213","date":"2025-04-25"},{"ZipCode":"10002","CPTcode":"99214","date":"2025-04-26"}]}`)
	store := newFakeStore(b)
	notifier := &fakeNotifier{}
	released := 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler(store, notifier, nil, factory(&cannedScraper{}, &released), testConfig(), zap.NewNop())
	require.True(t, s.ProcessNextBatch(ctx))

	assert.Equal(t, db.StatusDone, store.statuses[b.ID])
	report, ok := store.saved[b.ID]
	require.True(t, ok)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "Scraping failed: context canceled", report.Results[1].Error)
	assert.Equal(t, 1, released)
	assert.Len(t, notifier.documents(), 1)
}

func TestProcessNextBatch_EmptyQueue(t *testing.T) {
	s := NewScheduler(newFakeStore(), &fakeNotifier{}, nil, nil, testConfig(), zap.NewNop())
	assert.False(t, s.ProcessNextBatch(context.Background()))

	store := newFakeStore()
	store.claimErr = errors.New("db down")
	s = NewScheduler(store, &fakeNotifier{}, nil, nil, testConfig(), zap.NewNop())
	assert.False(t, s.ProcessNextBatch(context.Background()))
}

func TestSchedulerStartStop(t *testing.T) {
	b := queued(`{"line_items":[{"ZipCode":"10001","CPTcode":"99213","date":"2025-04-25"}]}`)
	store := newFakeStore(b)
	released := 0

	s := NewScheduler(store, &fakeNotifier{}, nil, factory(&cannedScraper{}, &released), testConfig(), zap.NewNop())
	s.Start()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.statuses[b.ID] == db.StatusDone
	}, time.Second, 5*time.Millisecond)

	s.Stop()
}

func TestSummaryMessage(t *testing.T) {
	report := models.NewBatchReport([]models.LookupResult{{LineNumber: 1}, {LineNumber: 2, Error: "x"}})
	assert.Equal(t, "✅ Batch finished: 2 processed, 1 successful, 1 failed.", SummaryMessage(report, ""))
	assert.Contains(t, SummaryMessage(report, "http://sheet"), "View spreadsheet: http://sheet")
}
