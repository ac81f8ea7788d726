package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wayfind-core/internal/geo"
	"wayfind-core/internal/nav"
	"wayfind-core/internal/planner"
	"wayfind-core/internal/routing"
	"wayfind-core/internal/schedule"
	"wayfind-core/internal/transit"
)

type server struct {
	planner *planner.Planner
	mgr     *nav.Manager
	store   *schedule.Store
}

func newServer(pl *planner.Planner, mgr *nav.Manager, store *schedule.Store) *server {
	return &server{planner: pl, mgr: mgr, store: store}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /plan", s.handlePlan)
	mux.HandleFunc("POST /navigate", s.handleNavigate)
	mux.HandleFunc("POST /position", s.handlePosition)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("GET /session", s.handleSession)
	mux.HandleFunc("GET /stops", s.handleStopSearch)
	mux.HandleFunc("GET /stops/routes", s.handleStopRoutes)
	mux.HandleFunc("GET /routes/stops", s.handleRouteStops)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePlan builds an itinerary without starting navigation.
// GET /plan?from=lat,lon&to=lat,lon[&route=506]
func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	from, err := parseCoordinate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("from: %v", err))
		return
	}
	to, err := parseCoordinate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("to: %v", err))
		return
	}

	it, err := s.plan(r.Context(), w, from, to, r.URL.Query().Get("route"))
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, it)
}

type navigateRequest struct {
	SessionID string  `json:"session_id"`
	FromLat   float64 `json:"from_lat"`
	FromLon   float64 `json:"from_lon"`
	ToLat     float64 `json:"to_lat"`
	ToLon     float64 `json:"to_lon"`
	Route     string  `json:"route,omitempty"`
}

// handleNavigate plans an itinerary and opens a navigation session for it.
// Position fixes then arrive via POST /position.
func (s *server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = fmt.Sprintf("s%d", time.Now().UnixNano())
	}
	from := geo.Coordinate{Lat: req.FromLat, Lon: req.FromLon}
	to := geo.Coordinate{Lat: req.ToLat, Lon: req.ToLon}
	if from.IsZero() || to.IsZero() {
		writeError(w, http.StatusBadRequest, "from and to coordinates are required")
		return
	}

	it, err := s.plan(r.Context(), w, from, to, req.Route)
	if err != nil {
		return
	}
	if err := s.mgr.StartSession(context.Background(), req.SessionID, it, nil); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": req.SessionID,
		"itinerary":  it,
	})
}

// plan runs the planner and writes the error response itself, so handlers
// only continue on success.
func (s *server) plan(ctx context.Context, w http.ResponseWriter, from, to geo.Coordinate, routeHint string) (*transit.Itinerary, error) {
	it, err := s.planner.PlanRoute(ctx, from, to, routeHint)
	switch {
	case err == nil:
		return it, nil
	case errors.Is(err, planner.ErrNoRouteFound):
		writeError(w, http.StatusNotFound, "no route found")
	case errors.Is(err, routing.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "routing temporarily unavailable, retry later")
	default:
		log.Printf("plan %s -> %s: %v", from, to, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return nil, err
}

type positionRequest struct {
	SessionID string   `json:"session_id"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Heading   *float64 `json:"heading_deg,omitempty"`
}

// handlePosition feeds one device fix into a session and returns the events
// it produced.
func (s *server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	heading := math.NaN()
	if req.Heading != nil {
		heading = *req.Heading
	}
	events, ok := s.mgr.Feed(req.SessionID, geo.Coordinate{Lat: req.Lat, Lon: req.Lon}, heading)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if events == nil {
		events = []nav.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !s.mgr.CancelSession(req.SessionID) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	status, ok := s.mgr.SessionStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(status)})
}

// handleStopSearch finds stops by name substring, for voice lookups like
// "paraderos en Providencia". GET /stops?q=providencia
func (s *server) handleStopSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 3 {
		writeError(w, http.StatusBadRequest, "q must be at least 3 characters")
		return
	}
	stops, err := s.store.FindStopsByName(r.Context(), q)
	if err != nil {
		log.Printf("stop search %q: %v", q, err)
		writeError(w, http.StatusInternalServerError, "schedule lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stops": stops})
}

// handleStopRoutes lists the routes serving one stop.
// GET /stops/routes?stop_id=PC293
func (s *server) handleStopRoutes(w http.ResponseWriter, r *http.Request) {
	stopID := r.URL.Query().Get("stop_id")
	if stopID == "" {
		writeError(w, http.StatusBadRequest, "stop_id is required")
		return
	}
	routes, err := s.store.FindRoutesServingStop(r.Context(), stopID)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown stop")
			return
		}
		log.Printf("stop routes %q: %v", stopID, err)
		writeError(w, http.StatusInternalServerError, "schedule lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stop_id": stopID, "routes": routes})
}

// handleRouteStops returns the ordered stop sequence of a route's
// representative trip. GET /routes/stops?route=506
func (s *server) handleRouteStops(w http.ResponseWriter, r *http.Request) {
	route := r.URL.Query().Get("route")
	if route == "" {
		writeError(w, http.StatusBadRequest, "route is required")
		return
	}
	stops, err := s.store.FindTripStops(r.Context(), route)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown route")
			return
		}
		log.Printf("route stops %q: %v", route, err)
		writeError(w, http.StatusInternalServerError, "schedule lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route": route, "stops": stops})
}

func parseCoordinate(s string) (geo.Coordinate, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.Coordinate{}, errors.New("want lat,lon")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("bad latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("bad longitude %q", parts[1])
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return geo.Coordinate{}, errors.New("coordinate out of range")
	}
	return geo.Coordinate{Lat: lat, Lon: lon}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
