package scraper

import (
	"context"
	"strings"
	"time"

	"ucr-scraper/config"

	"go.uber.org/zap"
)

// Locator finds the frame that hosts the lookup form. The form lives in a
// frame whose name and URL are not stable across releases, so several rules
// are tried in order of preference.
type Locator struct {
	site     config.SiteConfig
	poll     time.Duration
	attempts int
	lastTry  time.Duration
	logger   *zap.Logger
}

// NewLocator creates a Locator from the site and timeout configuration.
func NewLocator(site config.SiteConfig, timeouts config.TimeoutConfig, logger *zap.Logger) *Locator {
	return &Locator{
		site:     site,
		poll:     timeouts.FramePoll,
		attempts: timeouts.FrameAttempts,
		lastTry:  timeouts.FrameLastTry,
		logger:   logger,
	}
}

// Locate polls the page's frames until one matches, then falls back to a
// single lookup of the frame element by name.
func (l *Locator) Locate(ctx context.Context, page Page) (Frame, error) {
	for attempt := 1; attempt <= l.attempts; attempt++ {
		frames, err := page.Frames(ctx)
		if err != nil {
			l.logger.Debug("listing frames failed", zap.Int("attempt", attempt), zap.Error(err))
		} else if f := l.Match(frames); f != nil {
			l.logger.Debug("form frame located",
				zap.Int("attempt", attempt),
				zap.String("name", f.Name()),
				zap.String("url", f.URL()))
			return f, nil
		}

		if attempt == l.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	if l.site.FrameName != "" && l.lastTry > 0 {
		cctx, cancel := context.WithTimeout(ctx, l.lastTry)
		defer cancel()
		if f, err := page.FrameByName(cctx, l.site.FrameName); err == nil && f != nil {
			l.logger.Debug("form frame located by element name", zap.String("name", l.site.FrameName))
			return f, nil
		}
	}

	return nil, ErrContextNotFound
}

// Match applies the preference order to one snapshot of frames: URL fragment,
// then exact name, then name substring. It returns nil when nothing matches.
func (l *Locator) Match(frames []Frame) Frame {
	var best Frame
	bestRank := 0
	for _, f := range frames {
		r := FrameRank(l.site, f.Name(), f.URL())
		if r != RankNone && (bestRank == RankNone || r < bestRank) {
			best, bestRank = f, r
		}
	}
	return best
}

// Frame match ranks; lower is preferred.
const (
	RankNone         = 0
	RankURLFragment  = 1
	RankExactName    = 2
	RankNameContains = 3
)

// FrameRank reports the best locator rule a frame with this name and URL
// satisfies.
func FrameRank(site config.SiteConfig, name, url string) int {
	switch {
	case site.FramePathFragment != "" &&
		strings.Contains(strings.ToLower(url), strings.ToLower(site.FramePathFragment)):
		return RankURLFragment
	case site.FrameName != "" && strings.EqualFold(name, site.FrameName):
		return RankExactName
	case site.FrameNameContains != "" &&
		strings.Contains(strings.ToLower(name), strings.ToLower(site.FrameNameContains)):
		return RankNameContains
	}
	return RankNone
}
