// Package extractor drives a headless browser against the public trip-plan
// page and turns the rendered markup into raw itinerary candidates.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"wayfind-core/internal/geo"
	"wayfind-core/internal/transit"
)

// ErrPageUnavailable marks session or navigation failures: the page could not
// be loaded or rendered at all. An empty candidate list is NOT this error.
var ErrPageUnavailable = errors.New("extractor: trip-plan page unavailable")

const (
	defaultTimeout = 90 * time.Second
	settleDelay    = 3 * time.Second

	// Santiago trip-plan URL. Coordinates are interpolated lat,lon.
	tripPlanURLFormat = "https://moovitapp.com/santiago-642/poi/es?tll=%f_%f&fll=%f_%f&customerId=4908"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// RawItinerary is one extracted candidate before rail-transfer resolution and
// geometry resolution. Leg geometry is empty at this stage.
type RawItinerary struct {
	Legs      []transit.Leg
	RailLines []string // canonical rail line codes detected on the card
	Degraded  bool     // heuristic extraction was partial or ambiguous
}

// StopLookup geocodes paradero codes found in extracted markup. Implemented
// by schedule.Store.
type StopLookup interface {
	FindStopByCode(ctx context.Context, code string) (transit.Stop, error)
}

// Extractor owns the browser allocator. One extraction runs per call; calls
// are serialized by the caller (the planner) because a tab per concurrent
// request is not worth the memory on the target hardware.
type Extractor struct {
	stops   StopLookup
	timeout time.Duration
	headful bool // disable headless for local debugging
}

func New(stops StopLookup, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Extractor{stops: stops, timeout: timeout}
}

// SetHeadful disables headless mode so the session is visible while
// debugging selector breakage locally.
func (e *Extractor) SetHeadful(v bool) { e.headful = v }

// Extract loads the trip-plan page for the given endpoints and returns the
// parsed candidates in page order. routeHint, when non-empty, narrows the
// result to candidates riding that route number if any do. A reachable page
// with no suggested routes returns (nil, nil): no route is a result, not a
// failure.
func (e *Extractor) Extract(ctx context.Context, origin, dest geo.Coordinate, routeHint string) ([]RawItinerary, error) {
	html, err := e.fetchRenderedHTML(ctx, origin, dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageUnavailable, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: parse rendered html: %v", ErrPageUnavailable, err)
	}

	cands := preferRoute(parseCandidates(doc), routeHint)
	if len(cands) == 0 {
		log.Printf("extractor: no suggested routes for %s -> %s", origin, dest)
		return nil, nil
	}

	out := make([]RawItinerary, 0, len(cands))
	for _, c := range cands {
		out = append(out, e.buildItinerary(ctx, c, origin, dest))
	}
	log.Printf("extractor: %d candidates for %s -> %s", len(out), origin, dest)
	return out, nil
}

// preferRoute keeps only the candidates riding the hinted route when at
// least one does. A hint no candidate satisfies is ignored rather than
// turned into a no-route answer.
func preferRoute(cands []rawCandidate, hint string) []rawCandidate {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return cands
	}
	matched := make([]rawCandidate, 0, len(cands))
	for _, c := range cands {
		for _, id := range c.RouteIDs {
			if strings.EqualFold(id, hint) {
				matched = append(matched, c)
				break
			}
		}
	}
	if len(matched) == 0 {
		log.Printf("extractor: no candidate rides hinted route %s, ignoring hint", hint)
		return cands
	}
	return matched
}

// fetchRenderedHTML runs one exclusive browser session and returns the final
// rendered document. Every exit path tears the session down via the deferred
// cancels.
func (e *Extractor) fetchRenderedHTML(ctx context.Context, origin, dest geo.Coordinate) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !e.headful),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1366, 900),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, e.timeout)
	defer cancelRun()

	pageURL := fmt.Sprintf(tripPlanURLFormat, dest.Lat, dest.Lon, origin.Lat, origin.Lon)
	if _, err := url.Parse(pageURL); err != nil {
		return "", fmt.Errorf("trip-plan url: %w", err)
	}

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(`mv-suggested-route`, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		// Lazy content loads on scroll; walk the page before capturing.
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(time.Second),
		// Expand collapsed intermediate-stop lists where present. Best
		// effort: the selector changes between page versions.
		chromedp.Evaluate(expandStopsJS, nil),
		chromedp.Sleep(time.Second),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render session: %w", err)
	}
	if strings.TrimSpace(html) == "" {
		return "", errors.New("render session: empty document")
	}
	return html, nil
}

const expandStopsJS = `
(() => {
  const sels = ['.stops-toggle', '.route-stops-toggle', 'button[aria-expanded="false"]'];
  for (const s of sels) {
    document.querySelectorAll(s).forEach(el => { try { el.click(); } catch (_) {} });
  }
  return true;
})()`

// buildItinerary converts one parsed card into raw legs: access walk, one
// vehicle leg per detected route, egress walk. Stop codes are geocoded
// through the schedule store; codes the store does not know degrade the
// candidate rather than failing it.
func (e *Extractor) buildItinerary(ctx context.Context, c rawCandidate, origin, dest geo.Coordinate) RawItinerary {
	it := RawItinerary{RailLines: c.RailLines, Degraded: c.Degraded}

	stops := e.geocodeStops(ctx, c.StopCodes)
	if len(stops) < len(c.StopCodes) {
		it.Degraded = true
	}

	walkSeconds := c.WalkMinutes * 60
	if walkSeconds == 0 {
		walkSeconds = 300
	}
	vehicleSeconds := c.DurationMinutes*60 - walkSeconds
	if vehicleSeconds < 60 {
		vehicleSeconds = 60
	}

	var board, alight *transit.Stop
	var intermediate []transit.Stop
	if len(stops) >= 2 {
		board = &stops[0]
		alight = &stops[len(stops)-1]
		intermediate = stops[1 : len(stops)-1]
	}

	if board != nil {
		it.Legs = append(it.Legs, transit.Leg{
			Mode:            transit.ModeWalk,
			Instruction:     "Camina hasta " + stopLabel(*board),
			ArriveStop:      board,
			DurationSeconds: walkSeconds / 2,
		})
	}

	perRoute := vehicleSeconds
	if len(c.RouteIDs) > 1 {
		perRoute = vehicleSeconds / len(c.RouteIDs)
	}
	for i, routeID := range c.RouteIDs {
		leg := transit.Leg{
			Mode:            transit.ModeBus,
			Instruction:     "Toma " + routeID,
			RouteID:         routeID,
			DurationSeconds: perRoute,
		}
		// Only the first vehicle leg gets the stop sequence: the card does
		// not say where one route hands over to the next.
		if i == 0 && board != nil {
			leg.DepartStop = board
			leg.ArriveStop = alight
			leg.IntermediateStops = intermediate
			leg.Instruction = fmt.Sprintf("Toma %s en %s", routeID, stopLabel(*board))
		} else if i > 0 {
			it.Degraded = true
		}
		it.Legs = append(it.Legs, leg)
	}

	it.Legs = append(it.Legs, transit.Leg{
		Mode:            transit.ModeWalk,
		Instruction:     "Camina hasta tu destino",
		DepartStop:      alight,
		DurationSeconds: walkSeconds - walkSeconds/2,
	})
	return it
}

func (e *Extractor) geocodeStops(ctx context.Context, codes []string) []transit.Stop {
	if e.stops == nil {
		return nil
	}
	out := make([]transit.Stop, 0, len(codes))
	for _, code := range codes {
		s, err := e.stops.FindStopByCode(ctx, code)
		if err != nil {
			log.Printf("extractor: stop code %s not resolved: %v", code, err)
			continue
		}
		out = append(out, s)
	}
	return out
}

func stopLabel(s transit.Stop) string {
	if s.Name != "" && s.Code != "" {
		return fmt.Sprintf("%s (%s)", s.Name, s.Code)
	}
	if s.Name != "" {
		return s.Name
	}
	return s.Code
}
