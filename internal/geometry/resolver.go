// Package geometry turns the stop sequences of an itinerary into drawable
// polylines, batching and caching routing-service calls per stop pair.
package geometry

import (
	"context"
	"log"
	"sync"

	"github.com/paulmach/orb/simplify"

	"wayfind-core/internal/geo"
	mmetrics "wayfind-core/internal/metrics"
	"wayfind-core/internal/routing"
	"wayfind-core/internal/transit"
)

const (
	// Waypoint reduction: legs with long stop sequences keep every
	// reductionStride-th stop, the endpoints always included.
	reductionThreshold = 20
	reductionStride    = 3

	// Compression kicks in above this many points, with the tolerance
	// scaled to the point count.
	compressionThreshold = 50

	fallbackInteriorPoints = 8

	metersPerDegree = 111320.0
)

// Router is the point-to-point routing dependency. Implemented by
// routing.Client.
type Router interface {
	Route(ctx context.Context, from, to geo.Coordinate, profile routing.Profile) (routing.Route, error)
}

// Resolver fills leg geometry. Safe for concurrent use; the cache is
// internally synchronized.
type Resolver struct {
	router  Router
	cache   *Cache
	metrics *mmetrics.Collector
}

func NewResolver(router Router, cache *Cache, metrics *mmetrics.Collector) *Resolver {
	if cache == nil {
		cache = NewCache(DefaultCacheEntries, DefaultCacheTTL)
	}
	return &Resolver{router: router, cache: cache, metrics: metrics}
}

// ResolveAll fills geometry for every leg of the itinerary in place and
// recomputes its totals. Legs resolve concurrently; pairs within one leg
// resolve in order because each pair starts where the previous ended.
func (r *Resolver) ResolveAll(ctx context.Context, it *transit.Itinerary) {
	endpoints := legEndpoints(it)

	var wg sync.WaitGroup
	for i := range it.Legs {
		if !needsGeometry(it.Legs[i]) {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			it.Legs[i] = r.ResolveLeg(ctx, it.Legs[i], endpoints[i].from, endpoints[i].to)
		}(i)
	}
	wg.Wait()
	it.RecomputeTotals()
}

type span struct{ from, to geo.Coordinate }

// legEndpoints walks the itinerary once with a position cursor so that legs
// with missing stop data still get concrete endpoints: a leg starts where
// the previous one ended and ends at its own stop, the next leg's start, or
// the destination.
func legEndpoints(it *transit.Itinerary) []span {
	spans := make([]span, len(it.Legs))
	cursor := it.Origin
	for i, leg := range it.Legs {
		from := cursor
		if leg.DepartStop != nil && !leg.DepartStop.Position.IsZero() {
			from = leg.DepartStop.Position
		}
		to := it.Destination
		if leg.ArriveStop != nil && !leg.ArriveStop.Position.IsZero() {
			to = leg.ArriveStop.Position
		} else if next := nextDepart(it.Legs[i+1:]); next != nil {
			to = *next
		}
		spans[i] = span{from: from, to: to}
		cursor = to
	}
	return spans
}

func nextDepart(rest []transit.Leg) *geo.Coordinate {
	for _, leg := range rest {
		if leg.DepartStop != nil && !leg.DepartStop.Position.IsZero() {
			p := leg.DepartStop.Position
			return &p
		}
	}
	return nil
}

func needsGeometry(leg transit.Leg) bool {
	switch leg.Mode {
	case transit.ModeWalk, transit.ModeBus, transit.ModeRail:
		return len(leg.Geometry) == 0
	default:
		// Transfer legs happen inside stations and arrival legs are a
		// point, neither draws a line.
		return false
	}
}

// ResolveLeg returns the leg with geometry filled along from..to. Walk legs
// are a single foot route; vehicle legs route through the reduced waypoint
// sequence pair by pair, falling back to a straight segment for any pair the
// routing service cannot serve so the polyline stays continuous.
func (r *Resolver) ResolveLeg(ctx context.Context, leg transit.Leg, from, to geo.Coordinate) transit.Leg {
	if from == to {
		return leg
	}

	profile := profileFor(leg.Mode)
	waypoints := reduceWaypoints(legWaypoints(leg, from, to))

	var line []geo.Coordinate
	routedMeters := 0.0
	routedSeconds := 0
	allRouted := true
	for i := 0; i+1 < len(waypoints); i++ {
		seg, route, ok := r.resolvePair(ctx, waypoints[i], waypoints[i+1], profile)
		if ok {
			routedMeters += route.DistanceMeters
			routedSeconds += route.DurationSeconds
		} else {
			allRouted = false
		}
		line = appendSegment(line, seg)
	}
	if len(line) == 0 {
		return leg
	}

	leg.Geometry = compress(line)
	if allRouted && routedMeters > 0 {
		leg.DistanceMeters = routedMeters
		if leg.Mode == transit.ModeWalk || leg.DurationSeconds == 0 {
			leg.DurationSeconds = routedSeconds
		}
	} else {
		leg.DistanceMeters = geo.PolylineLengthMeters(leg.Geometry)
	}
	return leg
}

func (r *Resolver) resolvePair(ctx context.Context, from, to geo.Coordinate, profile routing.Profile) ([]geo.Coordinate, routing.Route, bool) {
	key := Fingerprint(from, to, profile)
	if e, ok := r.cache.Get(key); ok {
		if r.metrics != nil {
			r.metrics.CacheHits.Inc()
		}
		// A hit is a full routed answer; the stored distance and duration
		// keep cached legs as authoritative as freshly routed ones.
		return e.Geometry, routing.Route{
			DistanceMeters:  e.DistanceMeters,
			DurationSeconds: e.DurationSeconds,
		}, true
	}
	if r.metrics != nil {
		r.metrics.CacheMisses.Inc()
		r.metrics.RoutingCalls.WithLabelValues(string(profile)).Inc()
	}

	route, err := r.router.Route(ctx, from, to, profile)
	if err != nil || len(route.Geometry) < 2 {
		if err != nil {
			log.Printf("geometry: %s pair %s -> %s unrouted, straight fallback: %v", profile, from, to, err)
		}
		if r.metrics != nil {
			r.metrics.RoutingFallback.Inc()
		}
		pts := geo.StraightLine(from, to, fallbackInteriorPoints)
		return pts, routing.Route{}, false
	}
	r.cache.Put(key, Entry{
		Geometry:        route.Geometry,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
	})
	return route.Geometry, route, true
}

// legWaypoints is the full stop sequence of the leg bracketed by its
// endpoints.
func legWaypoints(leg transit.Leg, from, to geo.Coordinate) []geo.Coordinate {
	pts := []geo.Coordinate{from}
	for _, s := range leg.IntermediateStops {
		if !s.Position.IsZero() {
			pts = append(pts, s.Position)
		}
	}
	pts = append(pts, to)
	return pts
}

// reduceWaypoints thins long stop sequences before routing so a 40-stop bus
// ride costs ~14 routing calls instead of 39. The first and last points are
// always kept.
func reduceWaypoints(pts []geo.Coordinate) []geo.Coordinate {
	if len(pts) <= reductionThreshold {
		return pts
	}
	out := make([]geo.Coordinate, 0, len(pts)/reductionStride+2)
	for i, p := range pts {
		if i == 0 || i == len(pts)-1 || i%reductionStride == 0 {
			out = append(out, p)
		}
	}
	return out
}

// appendSegment concatenates pair geometries, dropping the duplicated
// junction point.
func appendSegment(line, seg []geo.Coordinate) []geo.Coordinate {
	if len(seg) == 0 {
		return line
	}
	if len(line) > 0 && line[len(line)-1] == seg[0] {
		seg = seg[1:]
	}
	return append(line, seg...)
}

// compress applies Douglas-Peucker above the size threshold, with the
// tolerance growing with the point count so very long polylines shed more.
func compress(line []geo.Coordinate) []geo.Coordinate {
	if len(line) <= compressionThreshold {
		return line
	}
	meters := compressionEpsilonMeters(len(line))
	ls := simplify.DouglasPeucker(meters / metersPerDegree).LineString(geo.ToLineString(line))
	return geo.FromLineString(ls)
}

// compressionEpsilonMeters picks the tolerance ladder: 11 m below 200
// points, 17 m up to 500, 22 m beyond.
func compressionEpsilonMeters(n int) float64 {
	switch {
	case n > 500:
		return 22.0
	case n >= 200:
		return 17.0
	default:
		return 11.0
	}
}

func profileFor(mode transit.Mode) routing.Profile {
	switch mode {
	case transit.ModeWalk:
		return routing.ProfileFoot
	case transit.ModeRail:
		return routing.ProfileRail
	default:
		return routing.ProfileVehicle
	}
}
