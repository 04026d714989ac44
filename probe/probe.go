// Package probe inspects the fee viewer without a browser. It fetches the
// frameset and its frames over plain HTTP and reports which frame the
// locator would pick and which form fields the configured selectors find, so
// markup drift shows up before a batch is run.
package probe

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ucr-scraper/config"
	"ucr-scraper/scraper"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Frame describes one <frame> or <iframe> of the lookup page.
type Frame struct {
	Tag        string
	Name       string
	Src        string
	URL        string
	Depth      int
	Rank       int
	StatusCode int
	Controls   []string
	FetchError string
}

// FieldMatch records which candidate selector found a form field.
type FieldMatch struct {
	Field    string
	Selector string
}

// Report is the result of probing the lookup page.
type Report struct {
	URL        string
	StatusCode int
	Title      string
	Frames     []Frame
	Chosen     *Frame
	Fields     []FieldMatch
	Missing    []string
}

// Prober fetches pages with colly.
type Prober struct {
	site      config.SiteConfig
	selectors config.SelectorConfig
	timeout   time.Duration
	logger    *zap.Logger
}

// NewProber creates a Prober from configuration.
func NewProber(cfg *config.Config, logger *zap.Logger) *Prober {
	return &Prober{
		site:      cfg.Site,
		selectors: cfg.Selectors,
		timeout:   cfg.Timeouts.Navigation,
		logger:    logger,
	}
}

type fetched struct {
	url    string
	status int
	body   []byte
}

// fetcher wraps a synchronous collector so each Visit yields its response.
type fetcher struct {
	collector *colly.Collector
	last      *fetched
}

func (p *Prober) newFetcher() *fetcher {
	f := &fetcher{}
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(p.timeout)

	c.OnResponse(func(r *colly.Response) {
		f.last = &fetched{url: r.Request.URL.String(), status: r.StatusCode, body: r.Body}
	})
	c.OnError(func(r *colly.Response, err error) {
		p.logger.Warn("probe fetch failed", zap.String("url", r.Request.URL.String()), zap.Int("status", r.StatusCode), zap.Error(err))
		f.last = &fetched{url: r.Request.URL.String(), status: r.StatusCode, body: r.Body}
	})

	f.collector = c
	return f
}

func (f *fetcher) fetch(u string) (*fetched, error) {
	f.last = nil
	err := f.collector.Visit(u)
	if err != nil {
		return f.last, fmt.Errorf("failed to visit %s: %w", u, err)
	}
	if f.last == nil {
		return nil, errors.New("no response")
	}
	return f.last, nil
}

// Probe fetches lookupURL and every frame it declares.
func (p *Prober) Probe(lookupURL string) (*Report, error) {
	f := p.newFetcher()

	top, err := f.fetch(lookupURL)
	if err != nil {
		return nil, err
	}

	doc, err := htmlquery.Parse(bytes.NewReader(top.body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	report := &Report{URL: top.url, StatusCode: top.status}
	if t := htmlquery.FindOne(doc, "//title"); t != nil {
		report.Title = strings.TrimSpace(htmlquery.InnerText(t))
	}

	base, err := url.Parse(top.url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page URL: %w", err)
	}

	bodies := map[int][]byte{}
	p.walkFrames(f, doc, base, 0, report, bodies)

	chosen := -1
	for i, fr := range report.Frames {
		if fr.Rank == scraper.RankNone {
			continue
		}
		if chosen == -1 || fr.Rank < report.Frames[chosen].Rank {
			chosen = i
		}
	}

	// A page without frames hosts the form itself.
	formBody := top.body
	if chosen >= 0 {
		report.Chosen = &report.Frames[chosen]
		formBody = bodies[chosen]
	}
	report.Fields, report.Missing = p.matchFields(formBody)

	p.logger.Debug("probe finished",
		zap.String("url", report.URL),
		zap.Int("frames", len(report.Frames)),
		zap.Int("fields", len(report.Fields)))
	return report, nil
}

// walkFrames records the frames of doc depth-first, descending into fetched
// frame documents the same way the browser adapter walks nested framesets.
func (p *Prober) walkFrames(f *fetcher, doc *html.Node, base *url.URL, depth int, report *Report, bodies map[int][]byte) {
	for _, n := range htmlquery.Find(doc, "//frame | //iframe") {
		fr := Frame{
			Tag:   n.Data,
			Name:  htmlquery.SelectAttr(n, "name"),
			Src:   htmlquery.SelectAttr(n, "src"),
			Depth: depth,
		}
		var frameBase *url.URL
		if fr.Src != "" {
			if ref, err := url.Parse(fr.Src); err == nil {
				frameBase = base.ResolveReference(ref)
				fr.URL = frameBase.String()
			}
		}
		fr.Rank = scraper.FrameRank(p.site, fr.Name, fr.URL)

		var body []byte
		if fr.URL != "" {
			page, err := f.fetch(fr.URL)
			if page != nil {
				fr.StatusCode = page.status
			}
			if err != nil {
				fr.FetchError = err.Error()
			} else {
				body = page.body
				fr.Controls = controls(body)
			}
		}

		idx := len(report.Frames)
		report.Frames = append(report.Frames, fr)
		if body == nil {
			continue
		}
		bodies[idx] = body

		if depth+1 < scraper.MaxFrameDepth {
			nested, err := htmlquery.Parse(bytes.NewReader(body))
			if err != nil {
				p.logger.Debug("failed to parse frame", zap.String("url", fr.URL), zap.Error(err))
				continue
			}
			p.walkFrames(f, nested, frameBase, depth+1, report, bodies)
		}
	}
}

// controls lists the form controls of a document as short descriptors.
func controls(body []byte) []string {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var out []string
	for _, n := range htmlquery.Find(doc, "//input | //select | //button") {
		out = append(out, describe(n))
	}
	return out
}

func describe(n *html.Node) string {
	d := n.Data
	if id := htmlquery.SelectAttr(n, "id"); id != "" {
		d += "#" + id
	}
	if name := htmlquery.SelectAttr(n, "name"); name != "" {
		d += fmt.Sprintf("[name=%s]", name)
	}
	if typ := htmlquery.SelectAttr(n, "type"); typ != "" {
		d += fmt.Sprintf("[type=%s]", typ)
	}
	return d
}

// matchFields runs the configured CSS candidates against static markup.
func (p *Prober) matchFields(body []byte) ([]FieldMatch, []string) {
	fields := []struct {
		name       string
		candidates []string
	}{
		{"service date", p.selectors.ServiceDate},
		{"procedure code", p.selectors.ProcedureCode},
		{"zip code", p.selectors.ZipCode},
		{"percentile", p.selectors.Percentile},
		{"submit", p.selectors.Submit},
	}

	var found []FieldMatch
	var missing []string
	if len(body) == 0 {
		for _, f := range fields {
			missing = append(missing, f.name)
		}
		return found, missing
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		for _, f := range fields {
			missing = append(missing, f.name)
		}
		return found, missing
	}

	for _, f := range fields {
		matched := false
		for _, sel := range f.candidates {
			if doc.Find(sel).Length() > 0 {
				found = append(found, FieldMatch{Field: f.name, Selector: sel})
				matched = true
				break
			}
		}
		if !matched {
			missing = append(missing, f.name)
		}
	}
	return found, missing
}
