package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayfind-core/internal/extractor"
	"wayfind-core/internal/geo"
	"wayfind-core/internal/geometry"
	"wayfind-core/internal/rail"
	"wayfind-core/internal/routing"
	"wayfind-core/internal/transit"
)

var (
	origin = geo.Coordinate{Lat: -33.4372, Lon: -70.6506}
	dest   = geo.Coordinate{Lat: -33.4180, Lon: -70.6062}
)

type fakeSource struct {
	raw      []extractor.RawItinerary
	err      error
	lastHint string
}

func (f *fakeSource) Extract(_ context.Context, _, _ geo.Coordinate, routeHint string) ([]extractor.RawItinerary, error) {
	f.lastHint = routeHint
	return f.raw, f.err
}

type nullRouter struct{}

func (nullRouter) Route(_ context.Context, from, to geo.Coordinate, _ routing.Profile) (routing.Route, error) {
	g := geo.StraightLine(from, to, 1)
	return routing.Route{Geometry: g, DistanceMeters: geo.PolylineLengthMeters(g), DurationSeconds: 30}, nil
}

func newTestPlanner(src Source) *Planner {
	geom := geometry.NewResolver(nullRouter{}, geometry.NewCache(10, 0), nil)
	return New(src, rail.NewResolver(nil, nil), geom, nil)
}

func busCandidate(route string, durationSec int) extractor.RawItinerary {
	board := transit.Stop{Code: "PC1", Position: geo.Coordinate{Lat: -33.4400, Lon: -70.6500}}
	alight := transit.Stop{Code: "PC2", Position: geo.Coordinate{Lat: -33.4200, Lon: -70.6100}}
	return extractor.RawItinerary{Legs: []transit.Leg{
		{Mode: transit.ModeWalk, ArriveStop: &board, DurationSeconds: 150},
		{Mode: transit.ModeBus, RouteID: route, DepartStop: &board, ArriveStop: &alight, DurationSeconds: durationSec},
		{Mode: transit.ModeWalk, DepartStop: &alight, DurationSeconds: 150},
	}}
}

func TestPlanExtractionFailureIsUnavailable(t *testing.T) {
	p := newTestPlanner(&fakeSource{err: errors.New("browser crashed")})
	_, err := p.Plan(context.Background(), origin, dest)
	assert.ErrorIs(t, err, routing.ErrUnavailable)
}

func TestPlanNoCandidatesIsNoRoute(t *testing.T) {
	p := newTestPlanner(&fakeSource{raw: nil})
	_, err := p.Plan(context.Background(), origin, dest)
	assert.ErrorIs(t, err, ErrNoRouteFound)
}

func TestPlanAppendsArrivalLeg(t *testing.T) {
	p := newTestPlanner(&fakeSource{raw: []extractor.RawItinerary{busCandidate("506", 900)}})
	it, err := p.Plan(context.Background(), origin, dest)
	require.NoError(t, err)
	require.NotEmpty(t, it.Legs)

	last := it.Legs[len(it.Legs)-1]
	assert.Equal(t, transit.ModeArrival, last.Mode)
	require.NotNil(t, last.ArriveStop)
	assert.Equal(t, dest, last.ArriveStop.Position)
	assert.Equal(t, origin, it.Origin)
	assert.Equal(t, dest, it.Destination)
	assert.Greater(t, it.TotalDistanceMeters, 0.0)
}

func TestPlanPrefersIntactOverDegraded(t *testing.T) {
	degraded := busCandidate("210", 600)
	degraded.Degraded = true
	intact := busCandidate("506", 1500) // slower but fully extracted

	p := newTestPlanner(&fakeSource{raw: []extractor.RawItinerary{degraded, intact}})
	it, err := p.Plan(context.Background(), origin, dest)
	require.NoError(t, err)
	assert.Contains(t, it.RoutesUsed(), "506")
	assert.False(t, it.Degraded)
}

func TestPlanPrefersFewerTransfers(t *testing.T) {
	oneSeat := busCandidate("506", 1800)

	board := transit.Stop{Code: "PC1", Position: geo.Coordinate{Lat: -33.4400, Lon: -70.6500}}
	alight := transit.Stop{Code: "PC2", Position: geo.Coordinate{Lat: -33.4200, Lon: -70.6100}}
	twoSeat := extractor.RawItinerary{Legs: []transit.Leg{
		{Mode: transit.ModeWalk, ArriveStop: &board, DurationSeconds: 100},
		{Mode: transit.ModeBus, RouteID: "210", DepartStop: &board, DurationSeconds: 500},
		{Mode: transit.ModeBus, RouteID: "301", ArriveStop: &alight, DurationSeconds: 500},
		{Mode: transit.ModeWalk, DepartStop: &alight, DurationSeconds: 100},
	}}

	p := newTestPlanner(&fakeSource{raw: []extractor.RawItinerary{twoSeat, oneSeat}})
	it, err := p.Plan(context.Background(), origin, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"506"}, it.RoutesUsed(), "the faster two-seat ride loses to the direct bus")
}

func TestPlanBreaksTiesByDuration(t *testing.T) {
	slow := busCandidate("506", 1800)
	fast := busCandidate("210", 900)

	p := newTestPlanner(&fakeSource{raw: []extractor.RawItinerary{slow, fast}})
	it, err := p.Plan(context.Background(), origin, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"210"}, it.RoutesUsed())
}

func TestPlanKeepsExtractionOrderOnFullTie(t *testing.T) {
	a := busCandidate("506", 900)
	b := busCandidate("210", 900)

	p := newTestPlanner(&fakeSource{raw: []extractor.RawItinerary{a, b}})
	it, err := p.Plan(context.Background(), origin, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"506"}, it.RoutesUsed(), "first extracted wins a full tie")
}

func TestPlanRoutePassesHintToExtraction(t *testing.T) {
	src := &fakeSource{raw: []extractor.RawItinerary{busCandidate("506", 900)}}
	p := newTestPlanner(src)

	_, err := p.PlanRoute(context.Background(), origin, dest, "506")
	require.NoError(t, err)
	assert.Equal(t, "506", src.lastHint)

	// Plain Plan carries no hint.
	_, err = p.Plan(context.Background(), origin, dest)
	require.NoError(t, err)
	assert.Equal(t, "", src.lastHint)
}

func TestPlanMetroOnlyCandidate(t *testing.T) {
	// Only line detection survived extraction: the rail resolver synthesizes
	// the rides and the transfer.
	p := newTestPlanner(&fakeSource{raw: []extractor.RawItinerary{
		{RailLines: []string{"L1", "L5"}, Degraded: true},
	}})
	it, err := p.Plan(context.Background(), origin, dest)
	require.NoError(t, err)
	assert.True(t, it.Degraded)
	assert.Contains(t, it.RoutesUsed(), "L1")
	assert.Contains(t, it.RoutesUsed(), "L5")

	hasTransfer := false
	for _, l := range it.Legs {
		if l.Mode == transit.ModeTransfer {
			hasTransfer = true
		}
	}
	assert.True(t, hasTransfer)
}
