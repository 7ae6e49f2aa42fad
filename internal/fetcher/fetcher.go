// Package fetcher retrieves competitor pages, promoting JavaScript-heavy pages
// to a headless browser, and extracts their structured content.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/extract"
	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// ErrHeadlessUnavailable is returned by renderers that cannot run a browser.
var ErrHeadlessUnavailable = errors.New("headless renderer not configured")

// Page is a raw HTTP or browser response.
type Page struct {
	URL          string
	StatusCode   int
	Header       http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the Content-Type header.
func (p Page) ContentType() string {
	if p.Header == nil {
		return ""
	}
	return p.Header.Get("Content-Type")
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// PageFetcher retrieves a single URL.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (Page, error)
}

// Promoter decides whether a probe response needs a headless render.
type Promoter interface {
	ShouldPromote(page Page) bool
}

// Extractor turns a page body into structured data.
type Extractor func(body []byte) (pulse.ExtractedData, error)

// Pipeline implements pulse.Fetcher: probe, optional headless render, extract.
type Pipeline struct {
	probe    PageFetcher
	renderer PageFetcher
	promoter Promoter
	extract  Extractor
	logger   *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithRenderer enables headless promotion.
func WithRenderer(renderer PageFetcher, promoter Promoter) Option {
	return func(p *Pipeline) {
		p.renderer = renderer
		p.promoter = promoter
	}
}

// WithExtractor replaces the HTML extractor.
func WithExtractor(e Extractor) Option {
	return func(p *Pipeline) {
		p.extract = e
	}
}

// NewPipeline builds a Pipeline around a probe fetcher.
func NewPipeline(probe PageFetcher, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{probe: probe, extract: extract.HTML, logger: logger.Named("fetcher")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ pulse.Fetcher = (*Pipeline)(nil)

// Fetch retrieves and extracts a competitor page. Non-2xx responses are errors.
// A page is rendered headless when the promoter asks for it or when the probe
// body yields no data.
func (p *Pipeline) Fetch(ctx context.Context, competitor pulse.Competitor) (pulse.FetchResult, error) {
	page, err := p.probe.FetchPage(ctx, competitor.URL)
	if err != nil {
		return pulse.FetchResult{}, err
	}
	if err := checkStatus(page); err != nil {
		return pulse.FetchResult{}, err
	}

	data, err := p.extract(page.Body)
	if err != nil {
		return pulse.FetchResult{}, fmt.Errorf("extract %s: %w", page.URL, err)
	}

	if p.renderer != nil && (data.Empty() || (p.promoter != nil && p.promoter.ShouldPromote(page))) {
		rendered, rdata, rerr := p.render(ctx, competitor.URL)
		switch {
		case rerr == nil:
			page, data = rendered, rdata
		case errors.Is(rerr, ErrHeadlessUnavailable):
		default:
			// The probe result is still usable.
			p.logger.Warn("headless render failed, keeping probe result",
				zap.String("competitor_id", competitor.ID), zap.Error(rerr))
		}
	}

	return pulse.FetchResult{
		URL:          page.URL,
		StatusCode:   page.StatusCode,
		Body:         page.Body,
		ContentType:  page.ContentType(),
		UsedHeadless: page.UsedHeadless,
		Duration:     page.Duration,
		Data:         data,
	}, nil
}

func (p *Pipeline) render(ctx context.Context, url string) (Page, pulse.ExtractedData, error) {
	page, err := p.renderer.FetchPage(ctx, url)
	if err != nil {
		return Page{}, pulse.ExtractedData{}, err
	}
	if err := checkStatus(page); err != nil {
		return Page{}, pulse.ExtractedData{}, err
	}
	data, err := p.extract(page.Body)
	if err != nil {
		return Page{}, pulse.ExtractedData{}, fmt.Errorf("extract rendered %s: %w", page.URL, err)
	}
	return page, data, nil
}

func checkStatus(page Page) error {
	if page.StatusCode < 200 || page.StatusCode > 299 {
		return &StatusError{URL: page.URL, StatusCode: page.StatusCode}
	}
	return nil
}
