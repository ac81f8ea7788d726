// Package nav tracks a traveler's progress along a resolved itinerary and
// emits guidance events from position updates.
package nav

import (
	"fmt"
	"math"
	"sync"
	"time"

	"wayfind-core/internal/geo"
	"wayfind-core/internal/transit"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type EventType string

const (
	EventStepAdvanced       EventType = "step_advanced"
	EventDestinationReached EventType = "destination_reached"
	EventDeviationDetected  EventType = "deviation_detected"
	EventGuidanceIssued     EventType = "guidance_issued"
)

// Event is one navigation occurrence. Consumers switch on Type; the other
// fields are populated per type (StepIndex for advances, Meters for
// deviations, Text for guidance).
type Event struct {
	Type      EventType `json:"type"`
	StepIndex int       `json:"step_index,omitempty"`
	Meters    float64   `json:"meters,omitempty"`
	Text      string    `json:"text,omitempty"`
	At        time.Time `json:"at"`
}

const (
	DefaultArrivalThresholdMeters   = 15.0
	DefaultDeviationThresholdMeters = 50.0
	DefaultGuidanceInterval         = 10 * time.Second
)

// Options tune the state machine. Zero values take the defaults above.
type Options struct {
	ArrivalThresholdMeters   float64
	DeviationThresholdMeters float64
	GuidanceInterval         time.Duration

	// Clock is overridable in tests.
	Clock func() time.Time
}

func (o *Options) fill() {
	if o.ArrivalThresholdMeters <= 0 {
		o.ArrivalThresholdMeters = DefaultArrivalThresholdMeters
	}
	if o.DeviationThresholdMeters <= 0 {
		o.DeviationThresholdMeters = DefaultDeviationThresholdMeters
	}
	if o.GuidanceInterval <= 0 {
		o.GuidanceInterval = DefaultGuidanceInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// ActiveNavigation is the per-session state machine. The step index only
// moves forward; a recalculation builds a new session rather than rewinding
// this one. Safe for concurrent use.
type ActiveNavigation struct {
	mu sync.Mutex

	it        *transit.Itinerary
	opts      Options
	status    Status
	cancelled bool
	step      int

	lastGuidance time.Time
}

func New(it *transit.Itinerary, opts Options) *ActiveNavigation {
	opts.fill()
	return &ActiveNavigation{it: it, opts: opts, status: StatusNotStarted}
}

func (n *ActiveNavigation) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *ActiveNavigation) Cancelled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled
}

// StepIndex returns the current leg index into the itinerary.
func (n *ActiveNavigation) StepIndex() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.step
}

// Start moves the session to in-progress and issues the first instruction.
// Starting twice is a no-op.
func (n *ActiveNavigation) Start() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusNotStarted || n.cancelled {
		return nil
	}
	n.status = StatusInProgress
	now := n.opts.Clock()
	n.lastGuidance = now
	return []Event{{
		Type: EventGuidanceIssued,
		Text: n.it.Legs[n.step].Instruction,
		At:   now,
	}}
}

// Cancel marks the session cancelled. Cancellation is independent of
// progress: a completed session can still be marked cancelled by a late
// caller, and the flag never un-sets.
func (n *ActiveNavigation) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = true
}

// UpdatePosition feeds one position fix through the state machine and
// returns the events it produced, possibly none. heading is the traveler's
// course over ground in degrees; pass NaN when the fix carries none.
// Updates on sessions that are not in progress, or are cancelled, return
// nil.
func (n *ActiveNavigation) UpdatePosition(pos geo.Coordinate, heading float64) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusInProgress || n.cancelled {
		return nil
	}

	now := n.opts.Clock()
	var events []Event

	// Advance through every leg whose target the fix already satisfies, so
	// a sparse GPS trace cannot strand the session behind reality.
	for n.step < len(n.it.Legs) {
		target, ok := n.legTarget(n.step)
		if !ok || geo.Haversine(pos, target) > n.opts.ArrivalThresholdMeters {
			break
		}
		if n.step == len(n.it.Legs)-1 {
			n.status = StatusCompleted
			events = append(events, Event{Type: EventDestinationReached, StepIndex: n.step, At: now})
			return events
		}
		n.step++
		events = append(events, Event{Type: EventStepAdvanced, StepIndex: n.step, At: now})
		if g, ok := n.guidance(now, n.it.Legs[n.step].Instruction); ok {
			events = append(events, g)
		}
	}

	if d, ok := n.deviation(pos); ok {
		events = append(events, Event{Type: EventDeviationDetected, StepIndex: n.step, Meters: d, At: now})
		text := fmt.Sprintf("Te has desviado %.0f metros de la ruta", d)
		if target, ok := n.legTarget(n.step); ok {
			text += ", " + towardTarget(pos, heading, target)
		}
		if g, ok := n.guidance(now, text); ok {
			events = append(events, g)
		}
		return events
	}

	// On-course fixes with a heading still get the periodic turn hint on
	// walk legs.
	if !math.IsNaN(heading) && n.it.Legs[n.step].Mode == transit.ModeWalk {
		if target, ok := n.legTarget(n.step); ok {
			if g, ok := n.guidance(now, turnInstruction(heading, geo.BearingDeg(pos, target))); ok {
				events = append(events, g)
			}
		}
	}
	return events
}

// towardTarget phrases how to get back toward the target: relative to the
// traveler's heading when one is known, an absolute compass direction
// otherwise.
func towardTarget(pos geo.Coordinate, heading float64, target geo.Coordinate) string {
	bearing := geo.BearingDeg(pos, target)
	if !math.IsNaN(heading) {
		return turnInstruction(heading, bearing)
	}
	return "dirígete hacia el " + compassDir(bearing)
}

// turnInstruction compares the heading against the bearing to the target.
func turnInstruction(heading, bearing float64) string {
	d := math.Mod(bearing-heading+540, 360) - 180
	switch {
	case math.Abs(d) <= 30:
		return "Continúa recto"
	case d > 30 && d <= 150:
		return "Gira a la derecha"
	case d < -30 && d >= -150:
		return "Gira a la izquierda"
	default:
		return "Da la vuelta"
	}
}

var compassDirs = [8]string{"norte", "noreste", "este", "sureste", "sur", "suroeste", "oeste", "noroeste"}

func compassDir(bearing float64) string {
	idx := int((bearing+22.5)/45) % 8
	return compassDirs[idx]
}

// legTarget is the point that completes the given leg: its arrival stop, or
// the last geometry point when the stop is unknown.
func (n *ActiveNavigation) legTarget(i int) (geo.Coordinate, bool) {
	leg := n.it.Legs[i]
	if leg.Mode == transit.ModeArrival {
		return n.it.Destination, true
	}
	if leg.ArriveStop != nil && !leg.ArriveStop.Position.IsZero() {
		return leg.ArriveStop.Position, true
	}
	if len(leg.Geometry) > 0 {
		return leg.Geometry[len(leg.Geometry)-1], true
	}
	return geo.Coordinate{}, false
}

// deviation reports how far off the walk path the fix is, when it exceeds
// the threshold. Only walk legs deviate; on a vehicle the traveler is not
// steering.
func (n *ActiveNavigation) deviation(pos geo.Coordinate) (float64, bool) {
	leg := n.it.Legs[n.step]
	if leg.Mode != transit.ModeWalk || len(leg.Geometry) < 2 {
		return 0, false
	}
	d := geo.PointToPolylineMeters(pos, leg.Geometry)
	if d <= n.opts.DeviationThresholdMeters {
		return 0, false
	}
	return d, true
}

// guidance rate-limits spoken instructions. Step advances and deviation
// detections always emit; only the guidance text is throttled.
func (n *ActiveNavigation) guidance(now time.Time, text string) (Event, bool) {
	if text == "" || now.Sub(n.lastGuidance) < n.opts.GuidanceInterval {
		return Event{}, false
	}
	n.lastGuidance = now
	return Event{Type: EventGuidanceIssued, StepIndex: n.step, Text: text, At: now}, true
}
