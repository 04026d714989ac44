package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ucr-scraper/batch"
	"ucr-scraper/config"
	"ucr-scraper/db"
	"ucr-scraper/models"
	"ucr-scraper/scheduler"
	"ucr-scraper/scraper"
	"ucr-scraper/sheets"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxDocumentSize caps JSON documents downloaded from chat.
const maxDocumentSize = 1 << 20

const helpText = "Commands:\n" +
	"/start - Start the bot\n" +
	"/help - Show this help\n" +
	"/acctkey <key> - Set the UCR account key used for your lookups\n" +
	"/percentile - Choose a dropdown percentile (25-45) or the 50-95 sweep\n" +
	"/settings - Show your current settings\n\n" +
	"Send a JSON message or .json file like {\"line_items\": [{\"date\": \"2024-01-15\", \"CPTcode\": \"99213\", \"ZipCode\": \"10001\"}]} " +
	"to queue a batch. You'll get progress updates, a summary and the JSON report."

// botAPI is the part of *tgbotapi.BotAPI the handler uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// botStore is the part of the job database the handler uses.
type botStore interface {
	GetUserSettings(ctx context.Context, userID int64) (*db.UserSettings, error)
	UpdateUserAcctKey(ctx context.Context, userID int64, acctKey string) error
	UpdateUserPercentile(ctx context.Context, userID int64, percentile string) error
	CreateBatch(ctx context.Context, userID, chatID int64, telegramMessageID int, payload []byte) (*db.Batch, error)
}

// botHandler turns Telegram updates into settings changes and queued batches.
type botHandler struct {
	api            botAPI
	store          botStore
	allowed        map[int64]bool
	spreadsheetURL string
	httpClient     *http.Client
	logger         *zap.Logger
}

func newBotHandler(api botAPI, store botStore, cfg *config.Config, logger *zap.Logger) *botHandler {
	allowed := make(map[int64]bool, len(cfg.Bot.AllowedUsers))
	for _, id := range cfg.Bot.AllowedUsers {
		allowed[id] = true
	}
	return &botHandler{
		api:            api,
		store:          store,
		allowed:        allowed,
		spreadsheetURL: cfg.Sheets.SpreadsheetURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
	}
}

func (h *botHandler) reply(chatID int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.logger.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// HandleUpdate processes one update. It never returns an error; failures are
// reported to the chat and logged.
func (h *botHandler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		userID := update.CallbackQuery.From.ID
		if !h.allowed[userID] {
			h.logger.Warn("unauthorized callback", zap.Int64("user_id", userID))
			h.api.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Sorry, you are not authorized."))
			return
		}
		if update.CallbackQuery.Message != nil {
			h.handleCallbackQuery(ctx, update.CallbackQuery)
		}
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	userID := msg.From.ID
	if !h.allowed[userID] {
		h.logger.Warn("unauthorized user", zap.Int64("user_id", userID))
		h.reply(msg.Chat.ID, "Sorry, you are not authorized to use this bot.")
		return
	}

	if msg.IsCommand() {
		h.handleCommand(ctx, msg)
		return
	}

	if msg.Document != nil {
		payload, err := h.downloadDocument(ctx, msg.Document)
		if err != nil {
			h.reply(msg.Chat.ID, fmt.Sprintf("❌ Could not read document: %v", err))
			return
		}
		h.enqueue(ctx, msg, payload)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "{") {
		h.reply(msg.Chat.ID, "Please send the batch as JSON with a \"line_items\" array. Use /help for an example.")
		return
	}
	h.enqueue(ctx, msg, []byte(text))
}

func (h *botHandler) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	switch msg.Command() {
	case "start":
		if _, err := h.store.GetUserSettings(ctx, userID); err != nil {
			h.logger.Warn("failed to initialize user settings", zap.Int64("user_id", userID), zap.Error(err))
		}
		h.reply(chatID, "Welcome! Send me a JSON batch of line items and I'll look up the UCR fee percentiles for each one. Use /help for details.")

		if h.spreadsheetURL != "" {
			sent, err := h.api.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf("📊 Spreadsheet: %s", h.spreadsheetURL)))
			if err == nil {
				h.api.Request(tgbotapi.PinChatMessageConfig{
					ChatID:    chatID,
					MessageID: sent.MessageID,
				})
			}
		}
	case "help":
		h.reply(chatID, helpText)
	case "acctkey":
		key := strings.TrimSpace(msg.CommandArguments())
		if key == "" {
			h.reply(chatID, "Usage: /acctkey <key>")
			return
		}
		if err := h.store.UpdateUserAcctKey(ctx, userID, key); err != nil {
			h.reply(chatID, fmt.Sprintf("❌ Error saving account key: %v", err))
			return
		}
		h.reply(chatID, "✅ Account key saved")
	case "percentile":
		arg := strings.TrimSpace(msg.CommandArguments())
		if arg == "" {
			reply := tgbotapi.NewMessage(chatID, "📊 Choose the percentile to request:")
			reply.ReplyMarkup = percentileKeyboard()
			h.api.Send(reply)
			return
		}
		text, err := h.setPercentile(ctx, userID, arg)
		if err != nil {
			h.reply(chatID, fmt.Sprintf("❌ %v", err))
			return
		}
		h.reply(chatID, text)
	case "settings":
		s, err := h.store.GetUserSettings(ctx, userID)
		if err != nil {
			h.reply(chatID, fmt.Sprintf("Error loading settings: %v", err))
			return
		}
		h.reply(chatID, settingsText(s))
	default:
		h.reply(chatID, "Unknown command. Use /help for available commands.")
	}
}

// percentileKeyboard offers the dropdown percentiles plus the default sweep.
func percentileKeyboard() tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, p := range models.DropdownPercentiles {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(string(p)+"th", "pct_"+string(p)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("50-95 sweep", "pct_sweep"),
		),
	)
}

// setPercentile validates and stores a percentile choice. "sweep" and any
// value above 45 select the default 50-95 sweep.
func (h *botHandler) setPercentile(ctx context.Context, userID int64, value string) (string, error) {
	value = strings.TrimSuffix(strings.ToLower(value), "th")
	p := models.Percentile(value)

	stored := ""
	text := "✅ Percentile set to the default 50-95 sweep"
	switch {
	case p.Selectable():
		stored = value
		text = fmt.Sprintf("✅ Percentile set to %sth", value)
	case value == "sweep" || isSweepPercentile(value):
	default:
		return "", fmt.Errorf("invalid percentile %q: choose 25, 30, 35, 40, 45 or sweep", value)
	}

	if err := h.store.UpdateUserPercentile(ctx, userID, stored); err != nil {
		return "", fmt.Errorf("error saving percentile: %w", err)
	}
	return text, nil
}

func isSweepPercentile(v string) bool {
	for _, p := range models.SweepPercentiles {
		if v == p {
			return true
		}
	}
	return false
}

func (h *botHandler) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	chatID := callback.Message.Chat.ID
	h.api.Request(tgbotapi.NewCallback(callback.ID, ""))

	if !strings.HasPrefix(callback.Data, "pct_") {
		return
	}
	text, err := h.setPercentile(ctx, callback.From.ID, strings.TrimPrefix(callback.Data, "pct_"))
	if err != nil {
		text = fmt.Sprintf("❌ %v", err)
	}
	h.api.Send(tgbotapi.NewEditMessageText(chatID, callback.Message.MessageID, text))
}

func settingsText(s *db.UserSettings) string {
	acct := "not set (using default)"
	if s.AcctKey != "" {
		acct = maskKey(s.AcctKey)
	}
	pct := "50-95 sweep"
	if s.Percentile != "" {
		pct = s.Percentile + "th"
	}
	return fmt.Sprintf("⚙️ Current settings:\n\n🔑 Account key: %s\n📊 Percentile: %s", acct, pct)
}

// maskKey hides all but the last four characters of an account key.
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

func (h *botHandler) downloadDocument(ctx context.Context, doc *tgbotapi.Document) ([]byte, error) {
	if !strings.HasSuffix(strings.ToLower(doc.FileName), ".json") && doc.MimeType != "application/json" {
		return nil, errors.New("only .json files are accepted")
	}
	if doc.FileSize > maxDocumentSize {
		return nil, fmt.Errorf("file is too large (%d bytes)", doc.FileSize)
	}

	url, err := h.api.GetFileDirectURL(doc.FileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
}

// enqueue validates the payload and queues it as a batch for the scheduler.
func (h *botHandler) enqueue(ctx context.Context, msg *tgbotapi.Message, payload []byte) {
	chatID := msg.Chat.ID

	items, err := batch.ParseInput(payload)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("❌ %v", err))
		return
	}

	ack := tgbotapi.NewMessage(chatID, fmt.Sprintf("📝 Batch received! %d line items queued. You'll receive status updates as the lookups progress.", len(items)))
	ack.ReplyToMessageID = msg.MessageID
	sent, err := h.api.Send(ack)
	if err != nil {
		h.logger.Error("failed to send acknowledgement", zap.Error(err))
		return
	}

	b, err := h.store.CreateBatch(ctx, msg.From.ID, chatID, sent.MessageID, payload)
	if err != nil {
		h.logger.Error("failed to create batch", zap.Int64("user_id", msg.From.ID), zap.Error(err))
		h.api.Send(tgbotapi.NewEditMessageText(chatID, sent.MessageID, fmt.Sprintf("❌ Error: Failed to queue batch: %v", err)))
		return
	}
	h.logger.Info("batch queued",
		zap.String("batch_id", b.ID.String()),
		zap.Int64("user_id", msg.From.ID),
		zap.Int("items", len(items)))
}

func newBotCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram front end and the batch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runTelegramBot(cfg, logger)
		},
	}
}

// runTelegramBot serves updates until SIGINT or SIGTERM.
func runTelegramBot(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Bot.Token == "" {
		return errors.New("bot token is not set: configure bot.token or UCR_BOT_TOKEN")
	}
	if len(cfg.Bot.AllowedUsers) == 0 {
		logger.Warn("bot.allowed_users is empty; every user will be rejected")
	}

	ctx, cancel := signalContext()
	defer cancel()

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("failed to initialize bot: %w", err)
	}
	logger.Info("authorized on account", zap.String("username", bot.Self.UserName))

	database, err := db.NewDB(cfg.Database.URL, cfg.Database.Schema, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if n, err := database.RequeueInterrupted(ctx); err != nil {
		logger.Warn("failed to requeue interrupted batches", zap.Error(err))
	} else if n > 0 {
		logger.Info("requeued interrupted batches", zap.Int64("count", n))
	}

	// A nil *sheets.Writer must not end up inside the interface.
	var writer scheduler.ReportWriter
	if cfg.Sheets.SpreadsheetURL != "" {
		spreadsheetID := sheets.ExtractSpreadsheetID(cfg.Sheets.SpreadsheetURL)
		w, err := sheets.NewWriter(ctx, spreadsheetID, cfg.Sheets.CredentialsPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Google Sheets writer: %w", err)
		}
		writer = w
		logger.Info("google sheets writer initialized", zap.String("spreadsheet_id", spreadsheetID))
	}

	newScraper := func(ctx context.Context) (scraper.Scraper, func() error, error) {
		return openScraper(cfg, logger)
	}

	sched := scheduler.NewScheduler(database, bot, writer, newScraper, cfg, logger)
	sched.Start()
	defer sched.Stop()
	logger.Info("scheduler started", zap.Duration("poll_interval", cfg.Bot.PollInterval))

	handler := newBotHandler(bot, database, cfg, logger)

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updateConfig.Offset = -1
	updates := bot.GetUpdatesChan(updateConfig)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			logger.Info("shutting down")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			handler.HandleUpdate(ctx, update)
		}
	}
}
