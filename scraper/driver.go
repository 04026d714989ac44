package scraper

import (
	"context"
	"errors"
	"fmt"

	"ucr-scraper/config"
	"ucr-scraper/models"

	"go.uber.org/zap"
)

// State is a step of a single form lookup.
type State string

const (
	StateIdle            State = "idle"
	StatePageLoaded      State = "page_loaded"
	StateContextResolved State = "context_resolved"
	StateFieldsFilled    State = "fields_filled"
	StateSubmitted       State = "submitted"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// FormDriver submits the fee viewer form for one request at a time. It owns
// no browser: pages come from the Browser passed at construction and each
// lookup gets a fresh one.
type FormDriver struct {
	browser    Browser
	cfg        *config.Config
	locator    *Locator
	resolver   *Resolver
	completion *CompletionDetector
	logger     *zap.Logger
}

// NewFormDriver wires the locator, resolver and completion detector around a
// browser.
func NewFormDriver(browser Browser, cfg *config.Config, logger *zap.Logger) *FormDriver {
	return &FormDriver{
		browser:    browser,
		cfg:        cfg,
		locator:    NewLocator(cfg.Site, cfg.Timeouts, logger),
		resolver:   NewResolver(cfg.Timeouts.PerSelector, logger),
		completion: NewCompletionDetector(cfg, logger),
		logger:     logger,
	}
}

// Scrape drives the form from Idle to Completed and returns the frame
// markup. Any error leaves the lookup in Failed; the page is closed on every
// path.
func (d *FormDriver) Scrape(ctx context.Context, acctKey string, req models.LookupRequest) (*Outcome, error) {
	log := d.logger.With(zap.String("cpt", req.ProcedureCode), zap.String("zip", req.ZipCode))
	state := StateIdle
	advance := func(next State) {
		state = next
		log.Debug("lookup state", zap.String("state", string(state)))
	}
	fail := func(err error) (*Outcome, error) {
		log.Debug("lookup state", zap.String("state", string(StateFailed)), zap.String("from", string(state)), zap.Error(err))
		return nil, err
	}

	page, err := d.browser.NewPage(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to open page: %w", err))
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug("failed to close page", zap.Error(err))
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Navigation)
	err = page.Navigate(navCtx, d.cfg.LookupURL(acctKey))
	cancel()
	if err != nil {
		return fail(fmt.Errorf("failed to navigate: %w", err))
	}
	advance(StatePageLoaded)

	frame, err := d.locator.Locate(ctx, page)
	if err != nil {
		return fail(err)
	}
	advance(StateContextResolved)

	if err := d.fillFields(ctx, frame, req); err != nil {
		return fail(err)
	}
	advance(StateFieldsFilled)

	if err := d.submit(ctx, frame); err != nil {
		return fail(err)
	}
	advance(StateSubmitted)

	signal := d.completion.Wait(ctx, frame)
	log.Debug("completion", zap.String("signal", string(signal)))

	html, err := frame.HTML(ctx)
	if err != nil {
		log.Warn("failed to read frame markup", zap.Error(err))
		html = ""
	}
	advance(StateCompleted)

	return &Outcome{HTML: html, Signal: signal}, nil
}

func (d *FormDriver) fillFields(ctx context.Context, frame Frame, req models.LookupRequest) error {
	sel := d.cfg.Selectors

	fields := []struct {
		name       string
		value      string
		candidates []string
	}{
		{"service date", req.ServiceDate, sel.ServiceDate},
		{"procedure code", req.ProcedureCode, sel.ProcedureCode},
		{"zip code", req.ZipCode, sel.ZipCode},
	}
	for _, f := range fields {
		if err := d.resolver.FillFirst(ctx, frame, f.name, f.value, f.candidates); err != nil {
			return err
		}
	}

	// Only the lower brackets are offered in the dropdown; anything else is
	// answered with the default 50-95 sweep.
	if !req.Percentile.Selectable() {
		return nil
	}
	if len(sel.Percentile) > 0 {
		cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.PercentileOpen)
		if err := frame.Click(cctx, sel.Percentile[0]); err != nil {
			d.logger.Debug("percentile dropdown not clickable", zap.Error(err))
		}
		cancel()
	}
	return d.resolver.SelectFirst(ctx, frame, "percentile", string(req.Percentile), sel.Percentile)
}

func (d *FormDriver) submit(ctx context.Context, frame Frame) error {
	sel := d.cfg.Selectors
	clickErr := d.resolver.ClickFirst(ctx, frame, sel.Submit)
	if clickErr == nil {
		return nil
	}
	d.logger.Debug("no clickable submit control, pressing Enter", zap.Error(clickErr))

	if err := d.resolver.PressEnterFirst(ctx, frame, sel.SubmitFallback); err != nil {
		return fmt.Errorf("%w: %w", ErrNoSubmitControl, errors.Join(clickErr, err))
	}
	return nil
}
