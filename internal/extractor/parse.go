package extractor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"wayfind-core/internal/transit"
)

// rawCandidate is one suggested-route card before it is turned into legs.
type rawCandidate struct {
	DurationMinutes int
	RouteIDs        []string // bus numbers and/or rail line codes, board order
	RailLines       []string // canonical detected rail lines, detection order
	StopCodes       []string // paradero codes in document order
	WalkMinutes     int
	Degraded        bool
}

// The page exposes no structured API, so extraction is a stack of prioritized
// regex heuristics over the rendered markup. Patterns are data, not contract:
// they are expected to need adjustment when the upstream page changes.
var (
	routeNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`data-line=["']([A-Z]?\d{2,3})["']`),
		regexp.MustCompile(`data-route=["']([A-Z]?\d{2,3})["']`),
		regexp.MustCompile(`class="[^"]*line-number[^"]*"[^>]*>([A-Z]?\d{2,3})<`),
		regexp.MustCompile(`class="[^"]*badge[^"]*"[^>]*>([A-Z]?\d{2,3})<`),
		regexp.MustCompile(`(?i)(?:red|bus|servicio)\s+([A-Z]?\d{2,3})\b`),
	}
	railIconSubstrings = []string{"metro", "subway", "train"}
	railLabelPattern   = regexp.MustCompile(`(?i)\b(?:L|L[ií]nea)\s*(\d+[A-Z]?)\b`)
	stopCodePattern    = regexp.MustCompile(`\b(P[CABDEIJLRSUX]\d{3,5})\b`)
	durationPattern    = regexp.MustCompile(`(\d+)\s*min`)
	walkPattern        = regexp.MustCompile(`(?i)(?:camina|walk)[^0-9]{0,20}(\d+)\s*min`)
	stopCountPattern   = regexp.MustCompile(`(?i)(\d+)\s*(?:paradas?|stops?)`)
)

// parseCandidates extracts the ranked list of suggested-route cards from the
// rendered trip-plan page.
func parseCandidates(doc *goquery.Document) []rawCandidate {
	var out []rawCandidate
	doc.Find("mv-suggested-route").Each(func(_ int, card *goquery.Selection) {
		html, err := goquery.OuterHtml(card)
		if err != nil {
			return
		}
		c := parseCard(card, html)
		if len(c.RouteIDs) == 0 && len(c.RailLines) == 0 {
			return // nothing usable on this card
		}
		out = append(out, c)
	})

	// Some renders skip the result list and land straight on one itinerary
	// page. Fall back to scanning the whole document as a single candidate.
	if len(out) == 0 {
		html, err := doc.Html()
		if err != nil {
			return nil
		}
		c := parseCard(doc.Selection, html)
		if len(c.RouteIDs) > 0 || len(c.RailLines) > 0 {
			c.Degraded = true
			out = append(out, c)
		}
	}
	return out
}

func parseCard(card *goquery.Selection, html string) rawCandidate {
	c := rawCandidate{
		DurationMinutes: extractDurationMinutes(html),
		RailLines:       detectRailLines(card, html),
		StopCodes:       extractStopCodes(html),
		WalkMinutes:     extractWalkMinutes(html),
	}
	c.RouteIDs = extractRouteNumbers(html, c.RailLines)
	if len(c.StopCodes) < 2 {
		c.Degraded = true
	}
	if n := extractStopCount(html); n > 0 && len(c.StopCodes) < n {
		// The card advertises more stops than we could read codes for.
		c.Degraded = true
	}
	return c
}

// extractRouteNumbers scans the card with prioritized patterns and returns
// distinct route identifiers in first-match order. Detected rail lines are
// appended so a metro ride always has a corresponding identifier even when
// the card shows no numeric badge for it.
func extractRouteNumbers(html string, railLines []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		id = strings.ToUpper(strings.TrimSpace(id))
		if len(id) < 2 || len(id) > 4 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, p := range routeNumberPatterns {
		for _, m := range p.FindAllStringSubmatch(html, -1) {
			add(m[1])
		}
		if len(out) > 0 && p == routeNumberPatterns[1] {
			break // data attributes are authoritative when present
		}
	}
	for _, line := range railLines {
		add(line)
	}
	return out
}

// detectRailLines returns the canonical Metro line codes the card references,
// deduplicated by canonical equality, in detection order. Signals: transport
// icon URLs, data attributes, and textual line labels.
func detectRailLines(card *goquery.Selection, html string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(label string) {
		code := transit.NormalizeRailLine(label)
		if code == "" {
			return
		}
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}

	// Icon-based: an img whose src names the mode, with the line label in its
	// alt text or in the surrounding element text.
	card.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		src = strings.ToLower(src)
		railIcon := false
		for _, sub := range railIconSubstrings {
			if strings.Contains(src, sub) {
				railIcon = true
				break
			}
		}
		if !railIcon {
			return
		}
		if alt, ok := img.Attr("alt"); ok {
			if m := railLabelPattern.FindStringSubmatch(alt); m != nil {
				add("L" + m[1])
			}
		}
		if m := railLabelPattern.FindStringSubmatch(img.Parent().Text()); m != nil {
			add("L" + m[1])
		}
	})

	// Attribute-based: explicit data attributes naming a line.
	card.Find("[data-line], [aria-label]").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range []string{"data-line", "aria-label"} {
			if v, ok := sel.Attr(attr); ok {
				if m := railLabelPattern.FindStringSubmatch(v); m != nil {
					add("L" + m[1])
				}
			}
		}
	})

	// Text-based: any "L1" / "Línea 1" occurrence in the raw markup.
	for _, m := range railLabelPattern.FindAllStringSubmatch(html, -1) {
		add("L" + m[1])
	}
	return out
}

// extractStopCodes returns paradero codes in document order, deduplicated.
func extractStopCodes(html string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range stopCodePattern.FindAllStringSubmatch(html, -1) {
		code := strings.ToUpper(m[1])
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

func extractDurationMinutes(html string) int {
	if m := durationPattern.FindStringSubmatch(html); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 && v < 600 {
			return v
		}
	}
	return 30 // conservative default when the card hides the total
}

func extractWalkMinutes(html string) int {
	if m := walkPattern.FindStringSubmatch(html); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v >= 0 && v < 120 {
			return v
		}
	}
	return 0
}

func extractStopCount(html string) int {
	if m := stopCountPattern.FindStringSubmatch(html); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 && v < 200 {
			return v
		}
	}
	return 0
}
