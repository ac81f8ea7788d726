package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"wayfind-core/internal/geo"
	"wayfind-core/internal/transit"
)

// ErrNotFound signals a lookup that matched nothing. Callers treat it as a
// quality degradation, never as a fatal planning error.
var ErrNotFound = errors.New("schedule: not found")

const queryTimeout = 10 * time.Second

// Store is the read-only query surface over the imported GTFS schedule.
type Store struct {
	db *sql.DB
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// FindStopsByName returns stops whose name contains the given substring,
// case-insensitively, capped at 25 rows.
func (s *Store) FindStopsByName(ctx context.Context, substring string) ([]transit.Stop, error) {
	substring = strings.TrimSpace(substring)
	if substring == "" {
		return nil, fmt.Errorf("empty stop name query")
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
SELECT stop_id, COALESCE(stop_code, ''), stop_name, stop_lat, stop_lon
FROM stops
WHERE stop_name ILIKE '%' || $1 || '%'
ORDER BY stop_name
LIMIT 25`
	rows, err := s.db.QueryContext(ctx, q, substring)
	if err != nil {
		return nil, fmt.Errorf("query stops by name: %w", err)
	}
	defer rows.Close()

	var out []transit.Stop
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.Position.Lat, &st.Position.Lon); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// FindStopByCode resolves a paradero code (e.g. "PC293") to its stop.
func (s *Store) FindStopByCode(ctx context.Context, code string) (transit.Stop, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return transit.Stop{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
SELECT stop_id, COALESCE(stop_code, ''), stop_name, stop_lat, stop_lon
FROM stops
WHERE UPPER(stop_code) = $1 OR UPPER(stop_id) = $1
LIMIT 1`
	var st transit.Stop
	err := s.db.QueryRowContext(ctx, q, code).Scan(&st.ID, &st.Code, &st.Name, &st.Position.Lat, &st.Position.Lon)
	if err == sql.ErrNoRows {
		return transit.Stop{}, ErrNotFound
	}
	if err != nil {
		return transit.Stop{}, fmt.Errorf("query stop by code: %w", err)
	}
	return st, nil
}

// FindRoutesServingStop returns the short names of all routes with at least
// one trip calling at the stop.
func (s *Store) FindRoutesServingStop(ctx context.Context, stopID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
SELECT DISTINCT COALESCE(r.route_short_name, r.route_id)
FROM stop_times st
JOIN trips t ON t.trip_id = st.trip_id
JOIN routes r ON r.route_id = t.route_id
WHERE st.stop_id = $1
ORDER BY 1`
	rows, err := s.db.QueryContext(ctx, q, stopID)
	if err != nil {
		return nil, fmt.Errorf("query routes serving stop: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// FindNearestStation returns the stop closest to c among those served by the
// route named lineFilter (a Metro line code or bus number). An empty filter
// searches all stops. Candidates are fetched in bulk and ranked in Go; the
// per-line stop sets are small.
func (s *Store) FindNearestStation(ctx context.Context, c geo.Coordinate, lineFilter string) (transit.Stop, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if lineFilter == "" {
		q := `SELECT stop_id, COALESCE(stop_code, ''), stop_name, stop_lat, stop_lon FROM stops`
		rows, err = s.db.QueryContext(ctx, q)
	} else {
		q := `
SELECT DISTINCT s.stop_id, COALESCE(s.stop_code, ''), s.stop_name, s.stop_lat, s.stop_lon
FROM stops s
JOIN stop_times st ON st.stop_id = s.stop_id
JOIN trips t ON t.trip_id = st.trip_id
JOIN routes r ON r.route_id = t.route_id
WHERE UPPER(COALESCE(r.route_short_name, r.route_id)) = UPPER($1)`
		rows, err = s.db.QueryContext(ctx, q, lineFilter)
	}
	if err != nil {
		return transit.Stop{}, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	best := transit.Stop{}
	bestD := math.MaxFloat64
	found := false
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.Position.Lat, &st.Position.Lon); err != nil {
			return transit.Stop{}, err
		}
		if d := geo.Haversine(c, st.Position); d < bestD {
			bestD = d
			best = st
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return transit.Stop{}, err
	}
	if !found {
		return transit.Stop{}, ErrNotFound
	}
	return best, nil
}

// FindTripStops returns the ordered stop sequence of a representative trip of
// the route with the given short name.
func (s *Store) FindTripStops(ctx context.Context, routeShortName string) ([]transit.Stop, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
WITH route AS (
    SELECT route_id FROM routes
    WHERE UPPER(COALESCE(route_short_name, route_id)) = UPPER($1)
    LIMIT 1
), trip AS (
    SELECT trip_id FROM trips WHERE route_id = (SELECT route_id FROM route) LIMIT 1
)
SELECT s.stop_id, COALESCE(s.stop_code, ''), s.stop_name, s.stop_lat, s.stop_lon
FROM stop_times st
JOIN stops s ON s.stop_id = st.stop_id
WHERE st.trip_id = (SELECT trip_id FROM trip)
ORDER BY st.stop_sequence`
	rows, err := s.db.QueryContext(ctx, q, routeShortName)
	if err != nil {
		return nil, fmt.Errorf("query trip stops: %w", err)
	}
	defer rows.Close()

	var out []transit.Stop
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.Position.Lat, &st.Position.Lon); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// TransferTime returns the scheduled transfer time in seconds between two
// rail lines, taken from the GTFS transfers table where both endpoints are
// served by the respective lines. ErrNotFound when the feed carries no
// transfer entry for the pair; callers substitute a fixed default.
func (s *Store) TransferTime(ctx context.Context, fromLine, toLine string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	q := `
WITH line_stops AS (
    SELECT DISTINCT st.stop_id, UPPER(COALESCE(r.route_short_name, r.route_id)) AS line
    FROM stop_times st
    JOIN trips t ON t.trip_id = st.trip_id
    JOIN routes r ON r.route_id = t.route_id
    WHERE UPPER(COALESCE(r.route_short_name, r.route_id)) IN (UPPER($1), UPPER($2))
)
SELECT MIN(tr.min_transfer_time)
FROM transfers tr
JOIN line_stops a ON a.stop_id = tr.from_stop_id AND a.line = UPPER($1)
JOIN line_stops b ON b.stop_id = tr.to_stop_id AND b.line = UPPER($2)
WHERE tr.min_transfer_time IS NOT NULL`
	var secs sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, fromLine, toLine).Scan(&secs); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("query transfer time: %w", err)
	}
	if !secs.Valid || secs.Int64 <= 0 {
		return 0, ErrNotFound
	}
	return int(secs.Int64), nil
}
