package scraper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"ucr-scraper/config"
)

// testConfig shrinks every wait so missing selectors fail fast.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeouts.Navigation = time.Second
	cfg.Timeouts.FramePoll = time.Millisecond
	cfg.Timeouts.FrameAttempts = 5
	cfg.Timeouts.FrameLastTry = 5 * time.Millisecond
	cfg.Timeouts.PerSelector = 5 * time.Millisecond
	cfg.Timeouts.PercentileOpen = 5 * time.Millisecond
	cfg.Timeouts.Settle = time.Millisecond
	cfg.Timeouts.Result = 20 * time.Millisecond
	cfg.Timeouts.ResultFloor = 20 * time.Millisecond
	cfg.Timeouts.LoadingPoll = 2 * time.Millisecond
	return cfg
}

type fakeFrame struct {
	name string
	url  string

	mu      sync.Mutex
	present map[string]bool
	options map[string][]string
	calls   []string
	filled  map[string]string
	texts   []string
	html    string
	htmlErr error
}

func newFakeFrame(name, url string, present ...string) *fakeFrame {
	f := &fakeFrame{
		name:    name,
		url:     url,
		present: map[string]bool{},
		options: map[string][]string{},
		filled:  map[string]string{},
	}
	for _, sel := range present {
		f.present[sel] = true
	}
	return f
}

func (f *fakeFrame) Name() string { return f.name }
func (f *fakeFrame) URL() string  { return f.url }

func (f *fakeFrame) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeFrame) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// await mimics a selector wait: present selectors resolve at once, others
// block until the deadline.
func (f *fakeFrame) await(ctx context.Context, selector string) error {
	f.mu.Lock()
	ok := f.present[selector]
	f.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return fmt.Errorf("waiting for %s: %w", selector, ctx.Err())
}

func (f *fakeFrame) Fill(ctx context.Context, selector, value string) error {
	if err := f.await(ctx, selector); err != nil {
		return err
	}
	f.record("fill " + selector + "=" + value)
	f.mu.Lock()
	f.filled[selector] = value
	f.mu.Unlock()
	return nil
}

func (f *fakeFrame) Select(ctx context.Context, selector string, values []string, byLabel bool) error {
	if err := f.await(ctx, selector); err != nil {
		return err
	}
	f.mu.Lock()
	allowed := f.options[selector]
	f.mu.Unlock()
	for _, v := range values {
		if !slices.Contains(allowed, v) {
			return fmt.Errorf("no option %q", v)
		}
	}
	f.record(fmt.Sprintf("select %s=%v label=%v", selector, values, byLabel))
	return nil
}

func (f *fakeFrame) Click(ctx context.Context, selector string) error {
	if err := f.await(ctx, selector); err != nil {
		return err
	}
	f.record("click " + selector)
	return nil
}

func (f *fakeFrame) PressEnter(ctx context.Context, selector string) error {
	if err := f.await(ctx, selector); err != nil {
		return err
	}
	f.record("enter " + selector)
	return nil
}

func (f *fakeFrame) WaitVisible(ctx context.Context, selector string) error {
	return f.await(ctx, selector)
}

// VisibleText returns the queued texts in order, repeating the last one.
func (f *fakeFrame) VisibleText(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return "", nil
	}
	t := f.texts[0]
	if len(f.texts) > 1 {
		f.texts = f.texts[1:]
	}
	return t, nil
}

func (f *fakeFrame) HTML(ctx context.Context) (string, error) {
	return f.html, f.htmlErr
}

type fakePage struct {
	mu          sync.Mutex
	frames      []Frame
	appearAfter int
	listCalls   int
	byName      map[string]Frame
	navErr      error
	navigated   []string
	closed      bool
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return p.navErr
}

func (p *fakePage) Frames(ctx context.Context) ([]Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.listCalls <= p.appearAfter {
		return nil, nil
	}
	return p.frames, nil
}

func (p *fakePage) FrameByName(ctx context.Context, name string) (Frame, error) {
	p.mu.Lock()
	f, ok := p.byName[name]
	p.mu.Unlock()
	if ok {
		return f, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeBrowser struct {
	page    *fakePage
	opened  int
	openErr error
}

func (b *fakeBrowser) NewPage(ctx context.Context) (Page, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opened++
	return b.page, nil
}

func (b *fakeBrowser) Close() error { return nil }

var errBoom = errors.New("boom")
