package nav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"wayfind-core/internal/geo"
	mmetrics "wayfind-core/internal/metrics"
	"wayfind-core/internal/transit"
)

// EventSink receives the events a session produces. Implemented by
// publisher.NATSPublisher; nil sinks are allowed and drop events.
type EventSink interface {
	PublishEvent(sessionID string, ev Event) error
}

// Manager owns the active navigation sessions. One goroutine per session
// pumps its position source through the state machine and forwards events to
// the sink.
type Manager struct {
	sink    EventSink
	opts    Options
	metrics *mmetrics.Collector

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type session struct {
	nav    *ActiveNavigation
	cancel context.CancelFunc
}

func NewManager(sink EventSink, opts Options, metrics *mmetrics.Collector) *Manager {
	opts.fill()
	return &Manager{
		sink:     sink,
		opts:     opts,
		metrics:  metrics,
		sessions: make(map[string]*session),
	}
}

// StartSession begins navigating the itinerary under the given ID. The
// session runs until the destination is reached, the source is exhausted, or
// the session is cancelled.
func (m *Manager) StartSession(parent context.Context, id string, it *transit.Itinerary, src PositionSource) error {
	if it == nil || len(it.Legs) == 0 {
		return errors.New("nav: itinerary has no legs")
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("nav: session %s already active", id)
	}
	ctx, cancel := context.WithCancel(parent)
	n := New(it, m.opts)
	m.sessions[id] = &session{nav: n, cancel: cancel}
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.SessionsStarted.Inc()
		m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	log.Printf("starting session %s (%d legs, %.0fm)", id, len(it.Legs), it.TotalDistanceMeters)
	m.emit(id, n.Start())
	go func() {
		defer m.wg.Done()
		if src != nil {
			m.runSession(ctx, id, n, src)
		} else {
			// Feed-only session: fixes arrive through Feed, the goroutine
			// just holds the slot until cancellation.
			<-ctx.Done()
		}
		m.mu.Lock()
		delete(m.sessions, id)
		if m.metrics != nil {
			m.metrics.SessionsFinished.Inc()
			m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
		}
		m.mu.Unlock()
	}()
	return nil
}

func (m *Manager) runSession(ctx context.Context, id string, n *ActiveNavigation, src PositionSource) {
	for {
		pos, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("session %s: position source exhausted at step %d", id, n.StepIndex())
			} else if !errors.Is(err, context.Canceled) {
				log.Printf("session %s: position source error: %v", id, err)
			}
			return
		}
		start := time.Now()
		events := n.UpdatePosition(pos, math.NaN())
		if m.metrics != nil {
			m.metrics.UpdateDuration.Observe(time.Since(start).Seconds())
		}
		m.emit(id, events)
		if n.Status() == StatusCompleted {
			log.Printf("session %s: destination reached", id)
			return
		}
	}
}

func (m *Manager) emit(id string, events []Event) {
	if m.sink == nil {
		return
	}
	for _, ev := range events {
		if err := m.sink.PublishEvent(id, ev); err != nil {
			log.Printf("session %s: publish %s: %v", id, ev.Type, err)
		} else if m.metrics != nil {
			m.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
		}
	}
}

// Feed delivers one external position fix into the named session's state
// machine directly and returns the produced events, so HTTP callers get the
// immediate result even while the pump goroutine runs. heading may be NaN.
func (m *Manager) Feed(id string, pos geo.Coordinate, heading float64) ([]Event, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	events := s.nav.UpdatePosition(pos, heading)
	m.emit(id, events)
	if s.nav.Status() == StatusCompleted {
		s.cancel()
	}
	return events, true
}

// CancelSession marks the session cancelled and stops its pump.
func (m *Manager) CancelSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.nav.Cancel()
	s.cancel()
	log.Printf("session %s cancelled", id)
	return true
}

// SessionStatus reports the state of a session, false when unknown.
func (m *Manager) SessionStatus(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", false
	}
	return s.nav.Status(), true
}

// Stop cancels every session and waits for the pumps to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
