package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayfind-core/internal/geo"
)

var (
	from = geo.Coordinate{Lat: -33.4372, Lon: -70.6506}
	to   = geo.Coordinate{Lat: -33.4369, Lon: -70.6344}
)

func pathJSON(distance float64, timeMS int64, coords [][]float64) string {
	body := `{"paths":[{"distance":%f,"time":%d,"points":{"coordinates":%s}}]}`
	pts := "["
	for i, c := range coords {
		if i > 0 {
			pts += ","
		}
		pts += fmt.Sprintf("[%f,%f]", c[0], c[1])
	}
	pts += "]"
	return fmt.Sprintf(body, distance, timeMS, pts)
}

func TestRouteParsesGraphHopperResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route", r.URL.Path)
		assert.Equal(t, "foot", r.URL.Query().Get("profile"))
		assert.Equal(t, "false", r.URL.Query().Get("points_encoded"))
		assert.Len(t, r.URL.Query()["point"], 2)
		fmt.Fprint(w, pathJSON(1520.5, 1096000, [][]float64{
			{-70.6506, -33.4372},
			{-70.6420, -33.4370},
			{-70.6344, -33.4369},
		}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	route, err := c.Route(context.Background(), from, to, ProfileFoot)
	require.NoError(t, err)

	assert.Equal(t, 1520.5, route.DistanceMeters)
	assert.Equal(t, 1096, route.DurationSeconds)
	require.Len(t, route.Geometry, 3)
	// lon-lat wire order becomes lat-lon coordinates
	assert.Equal(t, from, route.Geometry[0])
	assert.Equal(t, to, route.Geometry[2])
}

func TestRouteRailDurationFromDistance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Road travel time says 40 minutes; rail recomputes from distance.
		fmt.Fprint(w, pathJSON(6660, 2400000, [][]float64{{-70.65, -33.43}, {-70.63, -33.42}}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	route, err := c.Route(context.Background(), from, to, ProfileRail)
	require.NoError(t, err)
	assert.InDelta(t, 600, route.DurationSeconds, 1, "6660m at Metro speed, not the road estimate")
}

func TestRouteClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"Point not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Route(context.Background(), from, to, ProfileFoot)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestRouteNoPathIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"paths":[],"message":"Connection between locations not found"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Route(context.Background(), from, to, ProfileFoot)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestRouteServerErrorRetriesThenUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Route(ctx, from, to, ProfileFoot)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2), "5xx is retried until the deadline")
}

func TestRouteWithoutDeadlineStopsAtRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// A background context carries no deadline; the client's own budget
	// must end the retries so callers can fall back to straight lines.
	c := NewClient(srv.URL, 300*time.Millisecond)
	start := time.Now()
	_, err := c.Route(context.Background(), from, to, ProfileFoot)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second, "retries must not outlive the budget")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestRouteUnreachableServiceIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()

	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Route(ctx, from, to, ProfileFoot)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}
