package fetcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

type stubFetcher struct {
	page  Page
	err   error
	calls int
}

func (s *stubFetcher) FetchPage(_ context.Context, url string) (Page, error) {
	s.calls++
	if s.err != nil {
		return Page{}, s.err
	}
	p := s.page
	p.URL = url
	return p, nil
}

type promoteAlways bool

func (p promoteAlways) ShouldPromote(Page) bool { return bool(p) }

const pricedPage = `<div class="menu-item"><span class="name">Burger</span><span class="price">$9.99</span></div>`

var competitor = pulse.Competitor{ID: "c1", URL: "https://rival.example.com/menu"}

func TestPipelineExtractsProbeResult(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{page: Page{StatusCode: 200, Body: []byte(pricedPage)}}
	renderer := &stubFetcher{}
	res, err := NewPipeline(probe, zap.NewNop(), WithRenderer(renderer, promoteAlways(false))).Fetch(context.Background(), competitor)
	require.NoError(t, err)
	require.False(t, res.UsedHeadless)
	require.Len(t, res.Data.Prices, 1)
	require.Equal(t, "Burger", res.Data.Prices[0].Name)
	require.Zero(t, renderer.calls)
}

func TestPipelineNon2xxIsError(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{page: Page{StatusCode: 503}}
	_, err := NewPipeline(probe, zap.NewNop()).Fetch(context.Background(), competitor)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 503, statusErr.StatusCode)
}

func TestPipelinePromotesToHeadless(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{page: Page{StatusCode: 200, Body: []byte(`<div id="root"></div>`)}}
	renderer := &stubFetcher{page: Page{StatusCode: 200, Body: []byte(pricedPage), UsedHeadless: true}}
	res, err := NewPipeline(probe, zap.NewNop(), WithRenderer(renderer, promoteAlways(true))).Fetch(context.Background(), competitor)
	require.NoError(t, err)
	require.True(t, res.UsedHeadless)
	require.Len(t, res.Data.Prices, 1)
	require.Equal(t, 1, renderer.calls)
}

func TestPipelineKeepsProbeWhenRenderFails(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{page: Page{StatusCode: 200, Body: []byte(`<p>nothing</p>`)}}
	renderer := &stubFetcher{err: errors.New("chrome crashed")}
	res, err := NewPipeline(probe, zap.NewNop(), WithRenderer(renderer, nil)).Fetch(context.Background(), competitor)
	require.NoError(t, err)
	require.False(t, res.UsedHeadless)
	require.True(t, res.Data.Empty())
	require.Equal(t, 1, renderer.calls, "empty extraction triggers a render")
}

func TestPipelineProbeError(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{err: errors.New("dial tcp: no such host")}
	_, err := NewPipeline(probe, zap.NewNop()).Fetch(context.Background(), competitor)
	require.ErrorContains(t, err, "no such host")
}
