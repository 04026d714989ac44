package scraper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// firstSuccess tries each candidate in order and stops at the first one that
// succeeds. When every candidate fails the last error is returned.
func firstSuccess[T any](candidates []T, try func(T) error) error {
	var lastErr error
	for _, c := range candidates {
		err := try(c)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return fmt.Errorf("no candidates")
	}
	return lastErr
}

// Resolver writes values into form fields whose selectors drift between
// releases of the fee viewer.
type Resolver struct {
	perSelector time.Duration
	logger      *zap.Logger
}

// NewResolver creates a Resolver that waits up to perSelector for each
// candidate.
func NewResolver(perSelector time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{perSelector: perSelector, logger: logger}
}

// FillFirst fills the first candidate that appears within the per-selector
// timeout.
func (r *Resolver) FillFirst(ctx context.Context, frame Frame, field, value string, candidates []string) error {
	err := firstSuccess(candidates, func(sel string) error {
		cctx, cancel := context.WithTimeout(ctx, r.perSelector)
		defer cancel()
		if err := frame.Fill(cctx, sel, value); err != nil {
			r.logger.Debug("fill candidate failed", zap.String("field", field), zap.String("selector", sel), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to fill %s: %w", field, err)
	}
	return nil
}

// SelectFirst picks a dropdown option on the first candidate that appears,
// by option value first and then by the "{value}th Percentile" label.
func (r *Resolver) SelectFirst(ctx context.Context, frame Frame, field, value string, candidates []string) error {
	label := value + "th Percentile"
	err := firstSuccess(candidates, func(sel string) error {
		cctx, cancel := context.WithTimeout(ctx, r.perSelector)
		defer cancel()
		if err := frame.Select(cctx, sel, []string{value}, false); err == nil {
			return nil
		}
		if err := frame.Select(cctx, sel, []string{label}, true); err != nil {
			r.logger.Debug("select candidate failed", zap.String("field", field), zap.String("selector", sel), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to select %s: %w", field, err)
	}
	return nil
}

// ClickFirst clicks the first candidate that appears.
func (r *Resolver) ClickFirst(ctx context.Context, frame Frame, candidates []string) error {
	return firstSuccess(candidates, func(sel string) error {
		cctx, cancel := context.WithTimeout(ctx, r.perSelector)
		defer cancel()
		return frame.Click(cctx, sel)
	})
}

// PressEnterFirst presses Enter in the first candidate that appears.
func (r *Resolver) PressEnterFirst(ctx context.Context, frame Frame, candidates []string) error {
	return firstSuccess(candidates, func(sel string) error {
		cctx, cancel := context.WithTimeout(ctx, r.perSelector)
		defer cancel()
		return frame.PressEnter(cctx, sel)
	})
}
