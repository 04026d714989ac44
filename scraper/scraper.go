package scraper

import (
	"context"
	"errors"

	"ucr-scraper/models"
)

var (
	// ErrContextNotFound is returned when no frame hosting the lookup form
	// can be found within the poll budget.
	ErrContextNotFound = errors.New("unable to locate middle frame on UCR page")

	// ErrNoSubmitControl is returned when neither a submit control nor the
	// Enter fallback could submit the form.
	ErrNoSubmitControl = errors.New("no submit control found")
)

// Scraper runs a single fee lookup and returns the resulting markup.
type Scraper interface {
	Scrape(ctx context.Context, acctKey string, req models.LookupRequest) (*Outcome, error)
}

// Outcome is the markup read after submission together with the completion
// signal that ended the wait.
type Outcome struct {
	HTML   string
	Signal Signal
}

// Browser hands out isolated pages. One Browser lives for a whole batch.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is an isolated tab. Closing it discards its cookies and form state.
type Page interface {
	// Navigate loads url and waits for DOM content readiness only.
	Navigate(ctx context.Context, url string) error
	// Frames lists the currently attached frames, nested ones included.
	Frames(ctx context.Context) ([]Frame, error)
	// FrameByName resolves a frame element by its name attribute, waiting
	// until ctx expires.
	FrameByName(ctx context.Context, name string) (Frame, error)
	Close() error
}

// Frame is a navigable context: somewhere form elements can be located and
// manipulated. Element methods wait for the selector until ctx expires.
type Frame interface {
	Name() string
	URL() string

	Fill(ctx context.Context, selector, value string) error
	// Select picks the option(s) matching values, by option value or by
	// visible label.
	Select(ctx context.Context, selector string, values []string, byLabel bool) error
	Click(ctx context.Context, selector string) error
	PressEnter(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error

	VisibleText(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
}
