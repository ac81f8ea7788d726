// Package planner orchestrates itinerary construction: extraction, rail
// normalization, candidate selection, and geometry resolution.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"wayfind-core/internal/extractor"
	"wayfind-core/internal/geo"
	"wayfind-core/internal/geometry"
	mmetrics "wayfind-core/internal/metrics"
	"wayfind-core/internal/rail"
	"wayfind-core/internal/routing"
	"wayfind-core/internal/transit"
)

// ErrNoRouteFound means extraction worked but produced no viable candidate.
// Distinct from routing.ErrUnavailable, which is retryable.
var ErrNoRouteFound = errors.New("planner: no route found")

// Source produces raw itinerary candidates for an origin/destination pair,
// optionally narrowed to a hinted route number. Implemented by
// extractor.Extractor.
type Source interface {
	Extract(ctx context.Context, origin, dest geo.Coordinate, routeHint string) ([]extractor.RawItinerary, error)
}

type Planner struct {
	source  Source
	rail    *rail.Resolver
	geom    *geometry.Resolver
	metrics *mmetrics.Collector
}

func New(source Source, railResolver *rail.Resolver, geom *geometry.Resolver, metrics *mmetrics.Collector) *Planner {
	return &Planner{source: source, rail: railResolver, geom: geom, metrics: metrics}
}

// Plan builds the best itinerary from origin to destination. Candidates are
// ranked before geometry resolution; only the winner pays for routing calls.
func (p *Planner) Plan(ctx context.Context, origin, dest geo.Coordinate) (*transit.Itinerary, error) {
	return p.PlanRoute(ctx, origin, dest, "")
}

// PlanRoute is Plan with a route-number hint: candidates riding that route
// are preferred when extraction finds any.
func (p *Planner) PlanRoute(ctx context.Context, origin, dest geo.Coordinate, routeHint string) (*transit.Itinerary, error) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.PlansRequested.Inc()
	}

	raw, err := p.source.Extract(ctx, origin, dest, routeHint)
	if p.metrics != nil {
		p.metrics.ExtractionsRun.Inc()
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.PlansServed.WithLabelValues("unavailable").Inc()
		}
		// Session and page failures are service unavailability, same class
		// as the routing backend being down.
		return nil, fmt.Errorf("%w: %v", routing.ErrUnavailable, err)
	}
	if len(raw) == 0 {
		if p.metrics != nil {
			p.metrics.PlansServed.WithLabelValues("no_route").Inc()
		}
		return nil, ErrNoRouteFound
	}

	cands := make([]candidate, 0, len(raw))
	for i, r := range raw {
		if r.Degraded && p.metrics != nil {
			p.metrics.ExtractionsDegraded.Inc()
		}
		legs := p.rail.Resolve(ctx, r.Legs, r.RailLines, origin, dest)
		if len(legs) == 0 {
			continue
		}
		cands = append(cands, candidate{index: i, legs: legs, degraded: r.Degraded})
	}
	if len(cands) == 0 {
		if p.metrics != nil {
			p.metrics.PlansServed.WithLabelValues("no_route").Inc()
		}
		return nil, ErrNoRouteFound
	}

	best := selectBest(cands)
	log.Printf("planner: selected candidate %d of %d (degraded=%t, transfers=%d)",
		best.index+1, len(cands), best.degraded, best.transfers())

	it := &transit.Itinerary{
		Origin:      origin,
		Destination: dest,
		Legs:        append(best.legs, arrivalLeg(dest)),
		Degraded:    best.degraded,
	}
	p.geom.ResolveAll(ctx, it)
	if p.metrics != nil {
		p.metrics.PlansServed.WithLabelValues("ok").Inc()
		p.metrics.PlanDuration.Observe(time.Since(start).Seconds())
	}
	return it, nil
}

type candidate struct {
	index    int
	legs     []transit.Leg
	degraded bool
}

func (c candidate) transfers() int {
	boardings := 0
	for _, l := range c.legs {
		if l.Mode == transit.ModeBus || l.Mode == transit.ModeRail {
			boardings++
		}
	}
	if boardings <= 1 {
		return 0
	}
	return boardings - 1
}

func (c candidate) durationSeconds() int {
	total := 0
	for _, l := range c.legs {
		total += l.DurationSeconds
	}
	return total
}

func (c candidate) walkSeconds() int {
	total := 0
	for _, l := range c.legs {
		if l.Mode == transit.ModeWalk {
			total += l.DurationSeconds
		}
	}
	return total
}

// selectBest ranks candidates: fully-extracted before degraded, then fewest
// transfers, then shortest duration, then least walking, then extraction
// order. The sort is stable so extraction order is the final tiebreak.
func selectBest(cands []candidate) candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.degraded != b.degraded {
			return !a.degraded
		}
		if at, bt := a.transfers(), b.transfers(); at != bt {
			return at < bt
		}
		if ad, bd := a.durationSeconds(), b.durationSeconds(); ad != bd {
			return ad < bd
		}
		if aw, bw := a.walkSeconds(), b.walkSeconds(); aw != bw {
			return aw < bw
		}
		return a.index < b.index
	})
	return cands[0]
}

func arrivalLeg(dest geo.Coordinate) transit.Leg {
	return transit.Leg{
		Mode:        transit.ModeArrival,
		Instruction: "Has llegado a tu destino",
		ArriveStop:  &transit.Stop{Name: "Destino", Position: dest},
	}
}
