package nav

import (
	"context"
	"io"
	"sync"
	"time"

	"wayfind-core/internal/geo"
)

// PositionSource yields position fixes for one session. Next blocks until a
// fix is available, the source is exhausted (io.EOF), or the context ends.
type PositionSource interface {
	Next(ctx context.Context) (geo.Coordinate, error)
}

// FeedSource is fed externally, one fix at a time, typically from device
// position reports arriving over HTTP. Close marks exhaustion.
type FeedSource struct {
	mu     sync.Mutex
	ch     chan geo.Coordinate
	closed bool
}

func NewFeedSource(buffer int) *FeedSource {
	if buffer <= 0 {
		buffer = 16
	}
	return &FeedSource{ch: make(chan geo.Coordinate, buffer)}
}

// Push offers a fix without blocking. When the buffer is full the oldest fix
// is dropped: navigation only cares about the freshest position.
func (f *FeedSource) Push(c geo.Coordinate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for {
		select {
		case f.ch <- c:
			return
		default:
			select {
			case <-f.ch:
			default:
			}
		}
	}
}

func (f *FeedSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *FeedSource) Next(ctx context.Context) (geo.Coordinate, error) {
	select {
	case <-ctx.Done():
		return geo.Coordinate{}, ctx.Err()
	case c, ok := <-f.ch:
		if !ok {
			return geo.Coordinate{}, io.EOF
		}
		return c, nil
	}
}

// ReplaySource plays a scripted trace at a fixed cadence. Used in tests and
// for demoing a session without a device.
type ReplaySource struct {
	fixes    []geo.Coordinate
	interval time.Duration
	i        int
	started  bool
}

func NewReplaySource(fixes []geo.Coordinate, interval time.Duration) *ReplaySource {
	return &ReplaySource{fixes: fixes, interval: interval}
}

func (r *ReplaySource) Next(ctx context.Context) (geo.Coordinate, error) {
	if r.i >= len(r.fixes) {
		return geo.Coordinate{}, io.EOF
	}
	if r.started && r.interval > 0 {
		t := time.NewTimer(r.interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return geo.Coordinate{}, ctx.Err()
		case <-t.C:
		}
	}
	r.started = true
	c := r.fixes[r.i]
	r.i++
	return c, nil
}
