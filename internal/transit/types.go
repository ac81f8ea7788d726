package transit

import (
	"fmt"
	"regexp"
	"strings"

	"wayfind-core/internal/geo"
)

// Mode is the closed set of leg modes.
type Mode string

const (
	ModeWalk     Mode = "walk"
	ModeBus      Mode = "bus"
	ModeRail     Mode = "rail"
	ModeTransfer Mode = "transfer"
	ModeArrival  Mode = "arrival"
)

// RailLineRe matches canonical Metro line codes: L1, L2, L4A, L6...
var RailLineRe = regexp.MustCompile(`^L\d+[A-Z]?$`)

// railLabelRe matches the noisy label forms the extractor sees on rendered
// pages: "L1", "l 4a", "Línea 2", "Linea 5".
var railLabelRe = regexp.MustCompile(`(?i)^(?:L|L[ií]nea)\s*(\d+[A-Z]?)$`)

// NormalizeRailLine canonicalizes a rail line label to L<digits><letter> form.
// Returns "" when the label is not a rail line code.
func NormalizeRailLine(label string) string {
	label = strings.TrimSpace(label)
	m := railLabelRe.FindStringSubmatch(label)
	if m == nil {
		return ""
	}
	return "L" + strings.ToUpper(m[1])
}

// Stop is a semantic transit stop. Extracted stops may lack an ID and code.
type Stop struct {
	ID       string         `json:"id,omitempty"`
	Code     string         `json:"code,omitempty"` // paradero code, e.g. "PC293"
	Name     string         `json:"name"`
	Position geo.Coordinate `json:"position"`
}

// Leg is one homogeneous-mode segment of a journey.
type Leg struct {
	Mode              Mode             `json:"mode"`
	Instruction       string           `json:"instruction"`
	RouteID           string           `json:"route_id,omitempty"` // bus number or rail line code
	DepartStop        *Stop            `json:"depart_stop,omitempty"`
	ArriveStop        *Stop            `json:"arrive_stop,omitempty"`
	IntermediateStops []Stop           `json:"intermediate_stops,omitempty"`
	Geometry          []geo.Coordinate `json:"geometry,omitempty"`
	DistanceMeters    float64          `json:"distance_meters"`
	DurationSeconds   int              `json:"duration_seconds"`
}

// Validate checks the structural invariants of a leg.
func (l *Leg) Validate() error {
	switch l.Mode {
	case ModeWalk, ModeBus, ModeRail, ModeTransfer, ModeArrival:
	default:
		return fmt.Errorf("unknown leg mode %q", l.Mode)
	}
	if l.Mode == ModeRail && !RailLineRe.MatchString(l.RouteID) {
		return fmt.Errorf("rail leg route %q does not match line pattern", l.RouteID)
	}
	if l.DistanceMeters < 0 || l.DurationSeconds < 0 {
		return fmt.Errorf("negative distance or duration on %s leg", l.Mode)
	}
	return nil
}

// Stops returns the ordered stop sequence of the leg: depart, intermediates,
// arrive. Nil depart/arrive stops are skipped.
func (l *Leg) Stops() []Stop {
	out := make([]Stop, 0, len(l.IntermediateStops)+2)
	if l.DepartStop != nil {
		out = append(out, *l.DepartStop)
	}
	out = append(out, l.IntermediateStops...)
	if l.ArriveStop != nil {
		out = append(out, *l.ArriveStop)
	}
	return out
}

// Itinerary is the full ordered plan from origin to destination. Constructed
// once by the planner and immutable thereafter; a recalculation produces a
// brand-new instance.
type Itinerary struct {
	Origin               geo.Coordinate `json:"origin"`
	Destination          geo.Coordinate `json:"destination"`
	Legs                 []Leg          `json:"legs"`
	TotalDurationSeconds int            `json:"total_duration_seconds"`
	TotalDistanceMeters  float64        `json:"total_distance_meters"`
	Degraded             bool           `json:"degraded,omitempty"` // extraction was partial, details may be missing
}

// RoutesUsed returns the distinct route identifiers across all legs, bus
// numbers and rail line codes together, in first-use order.
func (it *Itinerary) RoutesUsed() []string {
	seen := make(map[string]struct{}, len(it.Legs))
	var out []string
	for _, l := range it.Legs {
		if l.RouteID == "" {
			continue
		}
		if _, ok := seen[l.RouteID]; ok {
			continue
		}
		seen[l.RouteID] = struct{}{}
		out = append(out, l.RouteID)
	}
	return out
}

// RecomputeTotals sums leg distances and durations into the itinerary
// aggregates. Called after geometry resolution; extractor estimates are
// never trusted for the totals.
func (it *Itinerary) RecomputeTotals() {
	it.TotalDurationSeconds = 0
	it.TotalDistanceMeters = 0
	for _, l := range it.Legs {
		it.TotalDurationSeconds += l.DurationSeconds
		it.TotalDistanceMeters += l.DistanceMeters
	}
}

// CountTransfers returns the number of vehicle boardings minus one, the
// value used for candidate ranking.
func (it *Itinerary) CountTransfers() int {
	boardings := 0
	for _, l := range it.Legs {
		if l.Mode == ModeBus || l.Mode == ModeRail {
			boardings++
		}
	}
	if boardings <= 1 {
		return 0
	}
	return boardings - 1
}
