package extractor

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docFromHTML(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

const busCardHTML = `
<html><body>
<mv-suggested-route>
  <div class="route-duration">42 min</div>
  <div class="walk-hint">Camina 6 min hasta el paradero</div>
  <span class="line-number" data-line="506">506</span>
  <div class="stops">14 paradas</div>
  <ul>
    <li>PC293 Av. Providencia / esq. Los Leones</li>
    <li>PC294 Av. Providencia / esq. Suecia</li>
    <li>PA433 Alameda / esq. Estado</li>
  </ul>
</mv-suggested-route>
</body></html>`

const metroCardHTML = `
<html><body>
<mv-suggested-route>
  <div class="route-duration">35 min</div>
  <img src="https://cdn.example.com/icons/metro-l1.svg" alt="Línea 1"/>
  <img src="https://cdn.example.com/icons/subway.svg" alt="L5"/>
  <div aria-label="Línea 1">L1 hacia Los Dominicos</div>
</mv-suggested-route>
</body></html>`

const mixedCardsHTML = `
<html><body>
<mv-suggested-route>
  <div>28 min</div>
  <span data-line="210">210</span>
  <ul><li>PI407</li><li>PI411</li></ul>
</mv-suggested-route>
<mv-suggested-route>
  <div>31 min</div>
  <img src="/img/train.png" alt="Línea 4A"/>
</mv-suggested-route>
</body></html>`

func TestParseBusCard(t *testing.T) {
	cands := parseCandidates(docFromHTML(t, busCardHTML))
	require.Len(t, cands, 1)
	c := cands[0]

	assert.Equal(t, 42, c.DurationMinutes)
	assert.Equal(t, 6, c.WalkMinutes)
	assert.Equal(t, []string{"506"}, c.RouteIDs)
	assert.Empty(t, c.RailLines)
	assert.Equal(t, []string{"PC293", "PC294", "PA433"}, c.StopCodes)
	assert.True(t, c.Degraded, "card advertises 14 stops but only 3 codes are visible")
}

func TestParseMetroCard(t *testing.T) {
	cands := parseCandidates(docFromHTML(t, metroCardHTML))
	require.Len(t, cands, 1)
	c := cands[0]

	assert.Equal(t, 35, c.DurationMinutes)
	assert.Equal(t, []string{"L1", "L5"}, c.RailLines, "icon alt labels, deduplicated, detection order")
	// Detected lines double as route identifiers.
	assert.Contains(t, c.RouteIDs, "L1")
	assert.Contains(t, c.RouteIDs, "L5")
}

func TestParseMultipleCards(t *testing.T) {
	cands := parseCandidates(docFromHTML(t, mixedCardsHTML))
	require.Len(t, cands, 2)

	assert.Equal(t, []string{"210"}, cands[0].RouteIDs)
	assert.Equal(t, []string{"PI407", "PI411"}, cands[0].StopCodes)

	assert.Equal(t, []string{"L4A"}, cands[1].RailLines)
}

func TestParseEmptyPage(t *testing.T) {
	cands := parseCandidates(docFromHTML(t, `<html><body><p>Sin resultados</p></body></html>`))
	assert.Empty(t, cands)
}

func TestParseWholePageFallback(t *testing.T) {
	// No result cards, but the page itself is a single rendered itinerary.
	html := `<html><body>
	  <div class="itinerary">25 min</div>
	  <span data-line="405">405</span>
	  <ul><li>PB112</li><li>PB118</li></ul>
	</body></html>`
	cands := parseCandidates(docFromHTML(t, html))
	require.Len(t, cands, 1)
	assert.Equal(t, []string{"405"}, cands[0].RouteIDs)
	assert.True(t, cands[0].Degraded, "whole-page scans are always degraded")
}

func TestExtractStopCodesDeduplicates(t *testing.T) {
	codes := extractStopCodes(`PC293 ... PC293 ... PA433 ... PX999`)
	assert.Equal(t, []string{"PC293", "PA433", "PX999"}, codes)
}

func TestExtractRouteNumbersPrioritizesDataAttributes(t *testing.T) {
	html := `<span data-line="506"></span> <div>Red 210</div>`
	assert.Equal(t, []string{"506"}, extractRouteNumbers(html, nil))

	// Without attributes the looser text pattern applies.
	assert.Equal(t, []string{"210"}, extractRouteNumbers(`<div>Red 210 hacia Maipú</div>`, nil))
}

func TestExtractDurationBounds(t *testing.T) {
	assert.Equal(t, 42, extractDurationMinutes("42 min"))
	assert.Equal(t, 30, extractDurationMinutes("no duration here"), "default")
	assert.Equal(t, 30, extractDurationMinutes("popular trip, 1200 min"), "implausible values rejected")
}

func TestPreferRouteNarrowsCandidates(t *testing.T) {
	cands := []rawCandidate{
		{RouteIDs: []string{"210"}},
		{RouteIDs: []string{"506", "210"}},
		{RouteIDs: []string{"301"}},
	}

	out := preferRoute(cands, "506")
	require.Len(t, out, 1)
	assert.Equal(t, []string{"506", "210"}, out[0].RouteIDs)

	// Route identifiers match case-insensitively.
	out = preferRoute([]rawCandidate{{RouteIDs: []string{"L1"}}}, "l1")
	assert.Len(t, out, 1)

	// A hint nothing satisfies is ignored rather than emptying the result.
	assert.Len(t, preferRoute(cands, "999"), 3)
	assert.Len(t, preferRoute(cands, ""), 3)
	assert.Len(t, preferRoute(cands, "  506  "), 1, "hints are trimmed")
}
