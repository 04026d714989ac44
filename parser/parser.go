package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ucr-scraper/models"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrPercentilesNotFound is the annotation attached when neither strategy
// finds a percentile.
const ErrPercentilesNotFound = "Percentiles not found"

// previewRunes bounds the diagnostic text kept with an empty result.
const previewRunes = 1000

var (
	percentileRowClass = regexp.MustCompile(`percentiles[1-5]`)
	percentileMarkup   = regexp.MustCompile(`(\d{2})<sup>th</sup>\s*:\s*\$\s*([0-9,.]+)`)
	percentileText     = regexp.MustCompile(`(\d{2})th\s*:\s*\$\s*([0-9,.]+)`)
	codeLabel          = regexp.MustCompile(`Code\s*:\s*([A-Za-z0-9]+)`)
	descLabel          = regexp.MustCompile(`Desc\s*:\s*(.+?)\s*Percentiles`)
)

// FeeResult is what the fee viewer markup yields. An empty Percentiles map is
// a valid outcome and carries Error and TextPreview for diagnosis.
type FeeResult struct {
	ProcedureCode string
	Description   string
	Percentiles   models.PercentileRecord
	Currency      string
	Error         string
	TextPreview   string
}

// Found reports whether at least one percentile was extracted.
func (r *FeeResult) Found() bool {
	return len(r.Percentiles) > 0
}

// extractStrategy returns the percentiles it recognises, or an empty record.
type extractStrategy func(doc *goquery.Document, text string) models.PercentileRecord

// FeeParser extracts percentile records from fee viewer result pages. It holds
// no state, so parsing the same markup twice yields the same record.
type FeeParser struct {
	strategies []extractStrategy
}

// NewFeeParser creates a parser with the structural pass followed by the
// whole-page text fallback.
func NewFeeParser() *FeeParser {
	return &FeeParser{
		strategies: []extractStrategy{percentileRows, pageText},
	}
}

// ParseFeeHTML extracts the percentile record from possibly partial markup.
// It only returns an error when the markup cannot be read at all.
func (p *FeeParser) ParseFeeHTML(htmlContent string) (*FeeResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	text := visibleText(doc.Selection)
	result := &FeeResult{
		Percentiles: models.PercentileRecord{},
		Currency:    models.Currency,
	}

	for _, strategy := range p.strategies {
		if found := strategy(doc, text); len(found) > 0 {
			result.Percentiles = found
			break
		}
	}

	if m := codeLabel.FindStringSubmatch(text); m != nil {
		result.ProcedureCode = m[1]
	}
	if m := descLabel.FindStringSubmatch(text); m != nil {
		result.Description = strings.TrimSpace(m[1])
	}

	if !result.Found() {
		result.Error = ErrPercentilesNotFound
		result.TextPreview = truncateRunes(text, previewRunes)
	}
	return result, nil
}

// percentileRows looks only inside rows tagged percentiles1..5. Superscript
// markup splits "50" from "th", so the raw cell HTML is tried before its text.
func percentileRows(doc *goquery.Document, _ string) models.PercentileRecord {
	found := models.PercentileRecord{}

	doc.Find("tr").Each(func(i int, row *goquery.Selection) {
		if !percentileRowClass.MatchString(row.AttrOr("class", "")) {
			return
		}
		row.Find("td").Each(func(j int, cell *goquery.Selection) {
			var m []string
			if raw, err := goquery.OuterHtml(cell); err == nil {
				m = percentileMarkup.FindStringSubmatch(raw)
			}
			if m == nil {
				m = percentileText.FindStringSubmatch(normalizeWhitespace(cell.Text()))
			}
			if m == nil {
				return
			}
			if amount, ok := parseAmount(m[2]); ok {
				found[m[1]] = amount
			}
		})
	})

	return found
}

// pageText scans the visible text of the whole page.
func pageText(_ *goquery.Document, text string) models.PercentileRecord {
	found := models.PercentileRecord{}
	for _, m := range percentileText.FindAllStringSubmatch(text, -1) {
		if amount, ok := parseAmount(m[2]); ok {
			found[m[1]] = amount
		}
	}
	return found
}

// parseAmount strips thousands separators. A trailing sentence period is
// tolerated; anything else unparseable is skipped.
func parseAmount(raw string) (float64, bool) {
	s := strings.TrimRight(strings.ReplaceAll(raw, ",", ""), ".")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// visibleText joins every non-script text node with single spaces, so that
// adjacent cells never run together ("67.21" followed by "55th").
func visibleText(sel *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := normalizeWhitespace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
