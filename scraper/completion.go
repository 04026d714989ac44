package scraper

import (
	"context"
	"strings"
	"time"

	"ucr-scraper/config"

	"go.uber.org/zap"
)

// Signal names the heuristic that ended a completion wait.
type Signal string

const (
	SignalResult      Signal = "result"
	SignalLoadingGone Signal = "loading_gone"
	SignalTimeout     Signal = "timeout"
)

// CompletionDetector decides when the asynchronously rendered result has
// appeared. The site offers no reliable completion event, so it layers a
// settle delay, a result container wait and a loading text check. Running out
// of time is an outcome, not an error: whatever markup exists gets parsed.
type CompletionDetector struct {
	container   string
	loadingText string
	settle      time.Duration
	result      time.Duration
	resultFloor time.Duration
	loadingPoll time.Duration
	logger      *zap.Logger
}

// NewCompletionDetector builds a detector from configuration.
func NewCompletionDetector(cfg *config.Config, logger *zap.Logger) *CompletionDetector {
	return &CompletionDetector{
		container:   cfg.Selectors.ResultContainer,
		loadingText: cfg.Site.LoadingText,
		settle:      cfg.Timeouts.Settle,
		result:      cfg.Timeouts.Result,
		resultFloor: cfg.Timeouts.ResultFloor,
		loadingPoll: cfg.Timeouts.LoadingPoll,
		logger:      logger,
	}
}

// Wait blocks until one of the signals fires or every budget is spent.
func (d *CompletionDetector) Wait(ctx context.Context, frame Frame) Signal {
	if !sleep(ctx, d.settle) {
		return SignalTimeout
	}

	if d.container != "" {
		cctx, cancel := context.WithTimeout(ctx, max(d.result, d.resultFloor))
		err := frame.WaitVisible(cctx, d.container)
		cancel()
		if err == nil {
			return SignalResult
		}
		d.logger.Debug("result container did not appear", zap.Error(err))
	}

	if d.loadingText != "" && d.loadingGone(ctx, frame) {
		return SignalLoadingGone
	}
	return SignalTimeout
}

func (d *CompletionDetector) loadingGone(ctx context.Context, frame Frame) bool {
	deadline := time.Now().Add(d.result)
	for {
		text, err := frame.VisibleText(ctx)
		if err == nil && !strings.Contains(text, d.loadingText) {
			return true
		}
		if time.Now().Add(d.loadingPoll).After(deadline) {
			return false
		}
		if !sleep(ctx, d.loadingPoll) {
			return false
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
