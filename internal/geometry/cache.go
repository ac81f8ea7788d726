package geometry

import (
	"fmt"
	"time"

	"github.com/bluele/gcache"

	"wayfind-core/internal/geo"
	"wayfind-core/internal/routing"
)

const (
	// DefaultCacheEntries bounds the in-memory segment cache. Segments are a
	// few KB each, so the default footprint stays well under a megabyte.
	DefaultCacheEntries = 50
	DefaultCacheTTL     = 7 * 24 * time.Hour
)

// Entry is one cached segment resolution: the routed geometry together with
// the routed distance and duration, so a cache hit is as authoritative as
// the routing call it replaced.
type Entry struct {
	Geometry        []geo.Coordinate
	DistanceMeters  float64
	DurationSeconds int
	PointCount      int
	StoredAt        time.Time
}

// Cache stores resolved segment entries keyed by quantized endpoints and
// profile. LFU eviction: popular segments (trunk corridors, common transfer
// walks) survive, one-off suburban pairs age out.
type Cache struct {
	c gcache.Cache
}

func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		c: gcache.New(maxEntries).LFU().Expiration(ttl).Build(),
	}
}

// Fingerprint quantizes both endpoints to 4 decimal places (~11 m) so that
// GPS jitter between requests maps to the same cache entry.
func Fingerprint(from, to geo.Coordinate, profile routing.Profile) string {
	return fmt.Sprintf("%s|%.4f,%.4f|%.4f,%.4f",
		profile,
		geo.RoundTo4(from.Lat), geo.RoundTo4(from.Lon),
		geo.RoundTo4(to.Lat), geo.RoundTo4(to.Lon))
}

func (c *Cache) Get(key string) (Entry, bool) {
	v, err := c.c.Get(key)
	if err != nil {
		return Entry{}, false
	}
	e, ok := v.(Entry)
	return e, ok
}

func (c *Cache) Put(key string, e Entry) {
	if len(e.Geometry) == 0 {
		return
	}
	e.PointCount = len(e.Geometry)
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	// gcache only errors on serialization hooks, which we do not use.
	_ = c.c.Set(key, e)
}

func (c *Cache) Len() int { return c.c.Len(true) }
