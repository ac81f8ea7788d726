package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wayfind-core/internal/geo"
)

// ErrUnavailable reports that the routing service could not be reached or
// timed out after retries. Callers may retry the whole operation later.
var ErrUnavailable = errors.New("routing: service unavailable")

// Profile selects the travel-mode costing of the routing service.
type Profile string

const (
	ProfileFoot    Profile = "foot"
	ProfileVehicle Profile = "car"
	ProfileRail    Profile = "rail"
)

// railSpeedMps approximates Metro running speed (~40 km/h) for duration
// estimates when the rail profile is routed over the road network.
const railSpeedMps = 11.1

// Route is one resolved point-to-point path.
type Route struct {
	Geometry        []geo.Coordinate
	DistanceMeters  float64
	DurationSeconds int
}

// Client talks to a local GraphHopper-compatible routing process.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryBudget time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		retryBudget: timeout,
	}
}

type pathResponse struct {
	Paths []struct {
		Distance float64 `json:"distance"` // meters
		Time     int64   `json:"time"`     // milliseconds
		Points   struct {
			Coordinates [][]float64 `json:"coordinates"` // [lon, lat]
		} `json:"points"`
	} `json:"paths"`
	Message string `json:"message"`
}

// Route returns the shortest path from a to b under the given profile.
// Transient failures are retried with exponential backoff, bounded by the
// configured timeout even when the context carries no deadline; exhaustion
// yields ErrUnavailable. A 4xx response is permanent.
func (c *Client) Route(ctx context.Context, from, to geo.Coordinate, profile Profile) (Route, error) {
	q := url.Values{}
	q.Add("point", fmt.Sprintf("%f,%f", from.Lat, from.Lon))
	q.Add("point", fmt.Sprintf("%f,%f", to.Lat, to.Lon))
	q.Set("profile", string(profile))
	q.Set("points_encoded", "false")
	reqURL := fmt.Sprintf("%s/route?%s", c.baseURL, q.Encode())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	// Callers often pass a background context; the budget keeps a dead
	// router from hanging the whole plan and lets the straight-line
	// fallback take over.
	b.MaxElapsedTime = c.retryBudget

	route, err := backoff.RetryNotifyWithData(
		func() (Route, error) { return c.routeOnce(ctx, reqURL, profile) },
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			log.Printf("routing %s retry in %s: %v", profile, d, err)
		},
	)
	if err != nil {
		// Transient errors carry the ErrUnavailable tag from routeOnce; a
		// context deadline during retry is the same retryable condition.
		// Anything else is a permanent routing answer (bad request, no path).
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Route{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Route{}, err
	}
	return route, nil
}

func (c *Client) routeOnce(ctx context.Context, reqURL string, profile Profile) (Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Route{}, backoff.Permanent(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// transient: connection refused, timeout
		return Route{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Route{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return Route{}, fmt.Errorf("%w: router status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Route{}, backoff.Permanent(fmt.Errorf("router status %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var pr pathResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return Route{}, backoff.Permanent(fmt.Errorf("decode router response: %w", err))
	}
	if len(pr.Paths) == 0 {
		return Route{}, backoff.Permanent(fmt.Errorf("router found no path: %s", pr.Message))
	}

	p := pr.Paths[0]
	out := Route{
		DistanceMeters:  p.Distance,
		DurationSeconds: int(p.Time / 1000),
	}
	out.Geometry = make([]geo.Coordinate, 0, len(p.Points.Coordinates))
	for _, pt := range p.Points.Coordinates {
		if len(pt) < 2 {
			continue
		}
		out.Geometry = append(out.Geometry, geo.Coordinate{Lat: pt[1], Lon: pt[0]})
	}
	// The rail profile rides the road graph; its road travel time is
	// meaningless, so estimate from distance at Metro speed instead.
	if profile == ProfileRail && out.DistanceMeters > 0 {
		out.DurationSeconds = int(out.DistanceMeters / railSpeedMps)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
