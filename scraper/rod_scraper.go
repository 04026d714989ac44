package scraper

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"ucr-scraper/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// MaxFrameDepth bounds how deep nested framesets are walked.
const MaxFrameDepth = 3

// RodBrowser implements Browser on top of a rod-controlled Chrome.
type RodBrowser struct {
	browser *rod.Browser
	stealth bool
	logger  *zap.Logger
}

// NewRodBrowser launches (or connects to) Chrome. The caller must Close it.
func NewRodBrowser(cfg config.BrowserConfig, logger *zap.Logger) (*RodBrowser, error) {
	controlURL, err := resolveControlURL(cfg, logger)
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &RodBrowser{
		browser: browser,
		stealth: cfg.Stealth,
		logger:  logger,
	}, nil
}

func resolveControlURL(cfg config.BrowserConfig, logger *zap.Logger) (string, error) {
	if cfg.RemoteURL != "" {
		u, err := launcher.ResolveURL(cfg.RemoteURL)
		if err != nil {
			return "", fmt.Errorf("failed to resolve remote browser: %w", err)
		}
		return u, nil
	}

	// The data dir should be a mounted volume so the profile lives on disk
	// instead of in memory.
	userDataDir := cfg.UserDataDir
	if userDataDir != "" {
		if err := os.MkdirAll(userDataDir, 0755); err != nil {
			logger.Warn("failed to create browser data directory", zap.String("dir", userDataDir), zap.Error(err))
			userDataDir = ""
		}
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		NoSandbox(true).
		Leakless(false).
		// Linux container compatibility
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-breakpad").
		Set("disable-client-side-phishing-detection").
		Set("disable-default-apps").
		Set("disable-hang-monitor").
		Set("disable-popup-blocking").
		Set("disable-prompt-on-repost").
		Set("disable-sync").
		Set("disable-translate").
		Set("metrics-recording-only").
		Set("mute-audio").
		Set("safebrowsing-disable-auto-update").
		Set("use-mock-keychain").
		// Memory
		Set("memory-pressure-off").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("disable-ipc-flooding-protection").
		// The fee viewer serves its form from another origin inside a frameset.
		Set("disable-features", "TranslateUI,IsolateOrigins,site-per-process")

	if userDataDir != "" {
		l = l.UserDataDir(userDataDir)
	}

	if bin := chromeBin(cfg.Bin); bin != "" {
		logger.Debug("using system chrome", zap.String("bin", bin))
		l = l.Bin(bin)
	}

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("failed to launch browser: %w\n\nNote: On Linux, you may need to install Chromium dependencies:\n  apt-get update && apt-get install -y chromium chromium-sandbox", err)
	}
	return u, nil
}

// chromeBin returns the configured binary or the first system Chrome found.
// An empty result lets rod download its own Chromium.
func chromeBin(configured string) string {
	if configured != "" {
		return configured
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
		if username := os.Getenv("USERNAME"); username != "" {
			paths = append(paths, `C:\Users\`+username+`\AppData\Local\Google\Chrome\Application\chrome.exe`)
		}
	case "darwin":
		paths = []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
	default:
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Close closes the browser.
func (b *RodBrowser) Close() error {
	if b.browser != nil {
		return b.browser.Close()
	}
	return nil
}

// NewPage opens a page in a fresh incognito context so no cookies or form
// state leak between lookups.
func (b *RodBrowser) NewPage(ctx context.Context) (Page, error) {
	incognito, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create incognito context: %w", err)
	}

	var page *rod.Page
	if b.stealth {
		page, err = stealth.Page(incognito)
	} else {
		page, err = incognito.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	return &rodPage{page: page, incognito: incognito, logger: b.logger}, nil
}

type rodPage struct {
	page      *rod.Page
	incognito *rod.Browser
	logger    *zap.Logger
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(url); err != nil {
		return err
	}
	wait()
	return ctx.Err()
}

func (p *rodPage) Frames(ctx context.Context) ([]Frame, error) {
	return collectFrames(p.page.Context(ctx), 0)
}

func collectFrames(page *rod.Page, depth int) ([]Frame, error) {
	elements, err := page.Elements("frame, iframe")
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	var frames []Frame
	for _, el := range elements {
		fr, err := el.Frame()
		if err != nil {
			continue
		}
		f := &rodFrame{page: fr, name: attr(el, "name"), url: frameURL(fr, el)}
		frames = append(frames, f)

		if depth+1 < MaxFrameDepth {
			if nested, err := collectFrames(fr, depth+1); err == nil {
				frames = append(frames, nested...)
			}
		}
	}
	return frames, nil
}

func attr(el *rod.Element, name string) string {
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return ""
	}
	return *v
}

// frameURL prefers the live document location and falls back to the src
// attribute when the frame has not committed a document yet.
func frameURL(fr *rod.Page, el *rod.Element) string {
	res, err := fr.Eval(`() => location.href`)
	if err == nil && res != nil {
		if u := res.Value.Str(); u != "" && u != "about:blank" {
			return u
		}
	}
	return attr(el, "src")
}

func (p *rodPage) FrameByName(ctx context.Context, name string) (Frame, error) {
	sel := fmt.Sprintf("iframe[name=%q], frame[name=%q]", name, name)
	el, err := p.page.Context(ctx).Element(sel)
	if err != nil {
		return nil, err
	}
	fr, err := el.Frame()
	if err != nil {
		return nil, fmt.Errorf("failed to enter frame %q: %w", name, err)
	}
	return &rodFrame{page: fr, name: name, url: frameURL(fr, el)}, nil
}

func (p *rodPage) Close() error {
	err := p.page.Close()
	if cerr := p.incognito.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

type rodFrame struct {
	page *rod.Page
	name string
	url  string
}

func (f *rodFrame) Name() string { return f.name }
func (f *rodFrame) URL() string  { return f.url }

func (f *rodFrame) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := f.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", selector, err)
	}
	return el, nil
}

func (f *rodFrame) Fill(ctx context.Context, selector, value string) error {
	el, err := f.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("failed to type into %s: %w", selector, err)
	}
	return nil
}

func (f *rodFrame) Select(ctx context.Context, selector string, values []string, byLabel bool) error {
	el, err := f.element(ctx, selector)
	if err != nil {
		return err
	}
	if byLabel {
		return el.Select(values, true, rod.SelectorTypeText)
	}
	options := make([]string, len(values))
	for i, v := range values {
		options[i] = fmt.Sprintf("option[value=%q]", v)
	}
	return el.Select(options, true, rod.SelectorTypeCSSSector)
}

func (f *rodFrame) Click(ctx context.Context, selector string) error {
	el, err := f.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (f *rodFrame) PressEnter(ctx context.Context, selector string) error {
	el, err := f.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Type(input.Enter)
}

func (f *rodFrame) WaitVisible(ctx context.Context, selector string) error {
	el, err := f.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

func (f *rodFrame) VisibleText(ctx context.Context) (string, error) {
	res, err := f.page.Context(ctx).Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (f *rodFrame) HTML(ctx context.Context) (string, error) {
	return f.page.Context(ctx).HTML()
}
