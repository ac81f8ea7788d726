package geometry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayfind-core/internal/geo"
	"wayfind-core/internal/routing"
	"wayfind-core/internal/transit"
)

// fakeRouter counts calls and returns a 3-point path between the endpoints,
// or fails when told to.
type fakeRouter struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeRouter) Route(_ context.Context, from, to geo.Coordinate, _ routing.Profile) (routing.Route, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return routing.Route{}, errors.New("router down")
	}
	g := geo.StraightLine(from, to, 1)
	return routing.Route{
		Geometry:        g,
		DistanceMeters:  geo.PolylineLengthMeters(g),
		DurationSeconds: 60,
	}, nil
}

func (f *fakeRouter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func stopAt(lat, lon float64) transit.Stop {
	return transit.Stop{Position: geo.Coordinate{Lat: lat, Lon: lon}}
}

func busLegWithStops(n int) (transit.Leg, geo.Coordinate, geo.Coordinate) {
	from := geo.Coordinate{Lat: -33.4500, Lon: -70.6600}
	to := geo.Coordinate{Lat: -33.4500 + float64(n+1)*0.002, Lon: -70.6600}
	leg := transit.Leg{Mode: transit.ModeBus, RouteID: "506"}
	depart := stopAt(from.Lat, from.Lon)
	arrive := stopAt(to.Lat, to.Lon)
	leg.DepartStop = &depart
	leg.ArriveStop = &arrive
	for i := 1; i <= n; i++ {
		leg.IntermediateStops = append(leg.IntermediateStops, stopAt(from.Lat+float64(i)*0.002, from.Lon))
	}
	return leg, from, to
}

func TestResolveLegShortSequenceRoutesEveryPair(t *testing.T) {
	router := &fakeRouter{}
	r := NewResolver(router, NewCache(10, 0), nil)

	leg, from, to := busLegWithStops(3) // 5 waypoints, under the threshold
	out := r.ResolveLeg(context.Background(), leg, from, to)

	assert.Equal(t, 4, router.callCount(), "one call per adjacent pair")
	require.NotEmpty(t, out.Geometry)
	assert.Equal(t, from, out.Geometry[0])
	assert.Equal(t, to, out.Geometry[len(out.Geometry)-1])
	assert.Greater(t, out.DistanceMeters, 0.0)
}

func TestResolveLegReducesLongStopSequences(t *testing.T) {
	router := &fakeRouter{}
	r := NewResolver(router, NewCache(100, 0), nil)

	leg, from, to := busLegWithStops(28) // 30 waypoints
	out := r.ResolveLeg(context.Background(), leg, from, to)

	// Every 3rd stop plus forced endpoints: far fewer calls than 29 pairs.
	assert.LessOrEqual(t, router.callCount(), 11)
	assert.Greater(t, router.callCount(), 0)
	assert.Equal(t, from, out.Geometry[0])
	assert.Equal(t, to, out.Geometry[len(out.Geometry)-1])
}

func TestResolveLegFallsBackToStraightLine(t *testing.T) {
	router := &fakeRouter{fail: true}
	r := NewResolver(router, NewCache(10, 0), nil)

	leg, from, to := busLegWithStops(0)
	out := r.ResolveLeg(context.Background(), leg, from, to)

	require.NotEmpty(t, out.Geometry, "failure must still yield a drawable line")
	assert.GreaterOrEqual(t, len(out.Geometry), 5)
	assert.Equal(t, from, out.Geometry[0])
	assert.Equal(t, to, out.Geometry[len(out.Geometry)-1])
	assert.Greater(t, out.DistanceMeters, 0.0)
}

func TestResolveLegUsesCache(t *testing.T) {
	router := &fakeRouter{}
	cache := NewCache(10, 0)
	r := NewResolver(router, cache, nil)

	leg, from, to := busLegWithStops(0)
	r.ResolveLeg(context.Background(), leg, from, to)
	first := router.callCount()
	require.Greater(t, first, 0)

	// Identical request: all pairs served from cache.
	r.ResolveLeg(context.Background(), leg, from, to)
	assert.Equal(t, first, router.callCount())

	// Jittered endpoints within the quantization cell also hit.
	jFrom := geo.Coordinate{Lat: from.Lat + 0.00002, Lon: from.Lon - 0.00002}
	jTo := geo.Coordinate{Lat: to.Lat - 0.00002, Lon: to.Lon + 0.00002}
	assert.Equal(t, Fingerprint(from, to, routing.ProfileVehicle), Fingerprint(jFrom, jTo, routing.ProfileVehicle))
}

func TestCachedLegKeepsRoutedTotals(t *testing.T) {
	router := &fakeRouter{}
	r := NewResolver(router, NewCache(10, 0), nil)

	from := geo.Coordinate{Lat: -33.4500, Lon: -70.6600}
	to := geo.Coordinate{Lat: -33.4480, Lon: -70.6580}
	leg := transit.Leg{Mode: transit.ModeWalk, DurationSeconds: 999}

	first := r.ResolveLeg(context.Background(), leg, from, to)
	calls := router.callCount()
	require.Greater(t, calls, 0)

	// Second resolution is served entirely from cache and must carry the
	// routed duration, not the extractor's estimate.
	second := r.ResolveLeg(context.Background(), leg, from, to)
	assert.Equal(t, calls, router.callCount())
	assert.Equal(t, first.DurationSeconds, second.DurationSeconds)
	assert.Equal(t, first.DistanceMeters, second.DistanceMeters)
	assert.NotEqual(t, 999, second.DurationSeconds)
}

func TestCacheEntryCarriesMetadata(t *testing.T) {
	cache := NewCache(10, 0)
	pts := geo.StraightLine(geo.Coordinate{Lat: -33.45, Lon: -70.66}, geo.Coordinate{Lat: -33.44, Lon: -70.65}, 3)
	cache.Put("k", Entry{Geometry: pts, DistanceMeters: 1500, DurationSeconds: 1080})

	e, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, len(pts), e.PointCount)
	assert.Equal(t, 1500.0, e.DistanceMeters)
	assert.Equal(t, 1080, e.DurationSeconds)
	assert.False(t, e.StoredAt.IsZero())
}

func TestFingerprintSeparatesProfiles(t *testing.T) {
	a := geo.Coordinate{Lat: -33.45, Lon: -70.66}
	b := geo.Coordinate{Lat: -33.44, Lon: -70.65}
	assert.NotEqual(t, Fingerprint(a, b, routing.ProfileFoot), Fingerprint(a, b, routing.ProfileVehicle))
	assert.NotEqual(t, Fingerprint(a, b, routing.ProfileFoot), Fingerprint(b, a, routing.ProfileFoot))
}

func TestCompressLeavesShortLinesAlone(t *testing.T) {
	a := geo.Coordinate{Lat: -33.45, Lon: -70.66}
	b := geo.Coordinate{Lat: -33.40, Lon: -70.60}
	short := geo.StraightLine(a, b, 40) // 42 points, under threshold
	assert.Len(t, compress(short), 42)
}

func TestCompressReducesLongStraightLines(t *testing.T) {
	a := geo.Coordinate{Lat: -33.45, Lon: -70.66}
	b := geo.Coordinate{Lat: -33.40, Lon: -70.60}
	long := geo.StraightLine(a, b, 120) // 122 collinear points

	out := compress(long)
	assert.Less(t, len(out), len(long))
	assert.Equal(t, a, out[0])
	assert.Equal(t, b, out[len(out)-1])
}

func TestCompressionEpsilonLadder(t *testing.T) {
	assert.Equal(t, 11.0, compressionEpsilonMeters(51))
	assert.Equal(t, 11.0, compressionEpsilonMeters(199))
	assert.Equal(t, 17.0, compressionEpsilonMeters(200))
	assert.Equal(t, 17.0, compressionEpsilonMeters(500))
	assert.Equal(t, 22.0, compressionEpsilonMeters(501))
}

func TestResolveAllFillsWholeItinerary(t *testing.T) {
	router := &fakeRouter{}
	r := NewResolver(router, NewCache(100, 0), nil)

	board := stopAt(-33.4400, -70.6550)
	alight := stopAt(-33.4250, -70.6300)
	it := &transit.Itinerary{
		Origin:      geo.Coordinate{Lat: -33.4410, Lon: -70.6560},
		Destination: geo.Coordinate{Lat: -33.4240, Lon: -70.6290},
		Legs: []transit.Leg{
			{Mode: transit.ModeWalk, ArriveStop: &board, DurationSeconds: 120},
			{Mode: transit.ModeRail, RouteID: "L1", DepartStop: &board, ArriveStop: &alight, DurationSeconds: 600},
			{Mode: transit.ModeWalk, DepartStop: &alight, DurationSeconds: 60},
			{Mode: transit.ModeArrival},
		},
	}
	r.ResolveAll(context.Background(), it)

	assert.NotEmpty(t, it.Legs[0].Geometry, "access walk")
	assert.NotEmpty(t, it.Legs[1].Geometry, "rail ride")
	assert.NotEmpty(t, it.Legs[2].Geometry, "egress walk")
	assert.Empty(t, it.Legs[3].Geometry, "arrival draws nothing")
	assert.Greater(t, it.TotalDistanceMeters, 0.0)
	assert.Greater(t, it.TotalDurationSeconds, 0)

	// Adjacent legs share their junction point.
	walk := it.Legs[0].Geometry
	ride := it.Legs[1].Geometry
	assert.Equal(t, walk[len(walk)-1], ride[0])
}
