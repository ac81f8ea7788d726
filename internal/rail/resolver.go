// Package rail normalizes extracted itineraries with respect to the Metro
// network: retagging rail rides the extractor labeled as bus, synthesizing
// rail legs when only line detection survived extraction, and inserting
// transfer legs between consecutive rides on different lines.
package rail

import (
	"context"
	"log"

	"wayfind-core/internal/geo"
	"wayfind-core/internal/transit"
)

// DefaultTransferSeconds applies when no measured interchange time exists
// for a line pair.
const DefaultTransferSeconds = 120

// StationLookup locates the nearest station on a given line. Implemented by
// schedule.Store.
type StationLookup interface {
	FindNearestStation(ctx context.Context, c geo.Coordinate, lineFilter string) (transit.Stop, error)
}

// TransferTimes reports measured interchange walk times between two lines.
// Implemented by schedule.Store.
type TransferTimes interface {
	TransferTime(ctx context.Context, fromLine, toLine string) (int, error)
}

// Resolver normalizes the rail portion of a candidate's legs. Both lookups
// are optional; nil lookups fall back to defaults.
type Resolver struct {
	stations  StationLookup
	transfers TransferTimes
}

func NewResolver(stations StationLookup, transfers TransferTimes) *Resolver {
	return &Resolver{stations: stations, transfers: transfers}
}

// Resolve returns a normalized copy of legs. It is idempotent: feeding its
// output back in returns an equal slice.
func (r *Resolver) Resolve(ctx context.Context, legs []transit.Leg, detectedLines []string, origin, dest geo.Coordinate) []transit.Leg {
	lines := dedupeLines(detectedLines)
	out := retagRailLegs(legs)

	if !hasRailLeg(out) && len(lines) > 0 {
		out = r.synthesizeRailLegs(ctx, out, lines, origin, dest)
	}

	return r.insertTransfers(ctx, out)
}

// retagRailLegs flips bus legs whose route identifier is a rail line code to
// the rail mode. A route identifier in line-code form is a Metro ride the
// extractor mislabeled. Legs already tagged rail pass through untouched.
func retagRailLegs(legs []transit.Leg) []transit.Leg {
	out := make([]transit.Leg, len(legs))
	copy(out, legs)
	for i := range out {
		if out[i].Mode != transit.ModeBus {
			continue
		}
		code := transit.NormalizeRailLine(out[i].RouteID)
		if code == "" {
			continue
		}
		out[i].Mode = transit.ModeRail
		out[i].RouteID = code
	}
	return out
}

// synthesizeRailLegs builds one rail leg per detected line when extraction
// produced line detection but no rideable rail leg, always bracketed by an
// access walk to the first station and an egress walk to the destination.
// Station endpoints come from the nearest-station lookup when available; a
// failed lookup leaves a named placeholder stop and the geometry resolver
// falls back to straight lines.
func (r *Resolver) synthesizeRailLegs(ctx context.Context, legs []transit.Leg, lines []string, origin, dest geo.Coordinate) []transit.Leg {
	synth := make([]transit.Leg, 0, len(lines))
	cursor := origin
	var board transit.Stop
	for i, line := range lines {
		leg := transit.Leg{
			Mode:            transit.ModeRail,
			Instruction:     "Toma el Metro " + line,
			RouteID:         line,
			DurationSeconds: 600,
		}
		// First boarding is near the origin; later boardings reuse the
		// interchange chosen when closing the previous leg.
		if i == 0 {
			board = r.stationNear(ctx, origin, line)
		}
		depart := board
		leg.DepartStop = &depart
		leg.Instruction = "Toma el Metro " + line + " en " + depart.Name
		if !depart.Position.IsZero() {
			cursor = depart.Position
		}
		if i == len(lines)-1 {
			s := r.stationNear(ctx, dest, line)
			leg.ArriveStop = &s
		} else {
			// The interchange onto the next line, guessed as its closest
			// station to where this ride begins.
			s := r.stationNear(ctx, cursor, lines[i+1])
			leg.ArriveStop = &s
			board = s
		}
		synth = append(synth, leg)
	}

	// Reuse the candidate's own access and egress walks when it has them.
	access := transit.Leg{Mode: transit.ModeWalk, Instruction: "Camina hasta " + synth[0].DepartStop.Name}
	egress := transit.Leg{Mode: transit.ModeWalk, Instruction: "Camina hasta tu destino"}
	if len(legs) > 0 && legs[0].Mode == transit.ModeWalk {
		access = legs[0]
	}
	if len(legs) > 1 && legs[len(legs)-1].Mode == transit.ModeWalk {
		egress = legs[len(legs)-1]
	}

	out := make([]transit.Leg, 0, len(synth)+2)
	out = append(out, access)
	out = append(out, synth...)
	return append(out, egress)
}

// stationNear resolves the closest station serving the line, or a named
// placeholder when no lookup is wired or the lookup misses.
func (r *Resolver) stationNear(ctx context.Context, near geo.Coordinate, line string) transit.Stop {
	if r.stations != nil {
		if s, err := r.stations.FindNearestStation(ctx, near, line); err == nil {
			return s
		}
		log.Printf("rail: no station found for %s, using placeholder", line)
	}
	return transit.Stop{Name: "Estación " + line}
}

// insertTransfers places a transfer leg between every adjacent pair of rail
// legs on different lines. Pairs already separated by a transfer leg are
// left alone, which is what makes Resolve idempotent.
func (r *Resolver) insertTransfers(ctx context.Context, legs []transit.Leg) []transit.Leg {
	out := make([]transit.Leg, 0, len(legs))
	for i, leg := range legs {
		if i > 0 && needsTransfer(out[len(out)-1], leg) {
			prev := out[len(out)-1]
			out = append(out, transit.Leg{
				Mode:            transit.ModeTransfer,
				Instruction:     r.transferInstruction(ctx, prev, leg),
				DurationSeconds: r.transferSeconds(ctx, prev.RouteID, leg.RouteID),
			})
		}
		out = append(out, leg)
	}
	return out
}

// transferInstruction names both lines and, when a station is known or can
// be looked up near the interchange, the station itself.
func (r *Resolver) transferInstruction(ctx context.Context, prev, next transit.Leg) string {
	base := "Transbordo de " + prev.RouteID + " a " + next.RouteID
	if name := r.transferStation(ctx, prev, next); name != "" {
		return base + " en " + name
	}
	return base
}

func (r *Resolver) transferStation(ctx context.Context, prev, next transit.Leg) string {
	if prev.ArriveStop != nil && prev.ArriveStop.Name != "" {
		return prev.ArriveStop.Name
	}
	if next.DepartStop != nil && next.DepartStop.Name != "" {
		return next.DepartStop.Name
	}
	if r.stations == nil {
		return ""
	}
	// Anchor the lookup on whichever interchange position the pair carries.
	var anchor geo.Coordinate
	switch {
	case prev.ArriveStop != nil && !prev.ArriveStop.Position.IsZero():
		anchor = prev.ArriveStop.Position
	case next.DepartStop != nil && !next.DepartStop.Position.IsZero():
		anchor = next.DepartStop.Position
	default:
		return ""
	}
	if s, err := r.stations.FindNearestStation(ctx, anchor, next.RouteID); err == nil {
		return s.Name
	}
	return ""
}

func needsTransfer(prev, next transit.Leg) bool {
	return prev.Mode == transit.ModeRail &&
		next.Mode == transit.ModeRail &&
		prev.RouteID != next.RouteID
}

func (r *Resolver) transferSeconds(ctx context.Context, fromLine, toLine string) int {
	if r.transfers == nil {
		return DefaultTransferSeconds
	}
	secs, err := r.transfers.TransferTime(ctx, fromLine, toLine)
	if err != nil || secs <= 0 {
		if err != nil {
			log.Printf("rail: no measured transfer time %s -> %s, using default", fromLine, toLine)
		}
		return DefaultTransferSeconds
	}
	return secs
}

func dedupeLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		code := transit.NormalizeRailLine(l)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

func hasRailLeg(legs []transit.Leg) bool {
	for _, l := range legs {
		if l.Mode == transit.ModeRail {
			return true
		}
	}
	return false
}
