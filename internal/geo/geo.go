package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const earthRadiusMeters = 6371000.0

// Coordinate is a WGS84 latitude/longitude pair. Value type, never mutated.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// IsZero reports whether the coordinate is the unset zero value. The null
// island origin is not a reachable position for any supported city.
func (c Coordinate) IsZero() bool {
	return c.Lat == 0 && c.Lon == 0
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// BearingDeg returns the initial bearing from a to b in degrees [0, 360).
func BearingDeg(a, b Coordinate) float64 {
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) -
		math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// StraightLine returns a polyline from a to b with n evenly spaced interior
// points, so callers never receive a bare 2-point geometry for a long hop.
func StraightLine(a, b Coordinate, n int) []Coordinate {
	if n < 0 {
		n = 0
	}
	pts := make([]Coordinate, 0, n+2)
	pts = append(pts, a)
	for i := 1; i <= n; i++ {
		frac := float64(i) / float64(n+1)
		pts = append(pts, Coordinate{
			Lat: a.Lat + (b.Lat-a.Lat)*frac,
			Lon: a.Lon + (b.Lon-a.Lon)*frac,
		})
	}
	pts = append(pts, b)
	return pts
}

// PolylineLengthMeters sums the haversine distances of consecutive points.
func PolylineLengthMeters(line []Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(line); i++ {
		total += Haversine(line[i-1], line[i])
	}
	return total
}

// PointToPolylineMeters returns the minimum distance from p to any segment of
// line. Segments are projected on an equirectangular plane centered on p,
// which is accurate enough at navigation scales (tens to hundreds of meters).
func PointToPolylineMeters(p Coordinate, line []Coordinate) float64 {
	n := len(line)
	if n == 0 {
		return math.MaxFloat64
	}
	if n == 1 {
		return Haversine(p, line[0])
	}
	cosLat := math.Cos(toRad(p.Lat))
	toXY := func(c Coordinate) (x, y float64) {
		y = toRad(c.Lat-p.Lat) * earthRadiusMeters
		x = toRad(c.Lon-p.Lon) * earthRadiusMeters * cosLat
		return
	}
	best := math.MaxFloat64
	x0, y0 := toXY(line[0])
	for i := 1; i < n; i++ {
		x1, y1 := toXY(line[i])
		dx := x1 - x0
		dy := y1 - y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			t = -(x0*dx + y0*dy) / segLen2
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		px := x0 + t*dx
		py := y0 + t*dy
		if d2 := px*px + py*py; d2 < best {
			best = d2
		}
		x0, y0 = x1, y1
	}
	return math.Sqrt(best)
}

// RoundTo4 rounds a coordinate component to 4 decimal degrees (~11m), the
// quantization used for geometry cache fingerprints.
func RoundTo4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ToLineString converts a coordinate slice to an orb.LineString (lon, lat order).
func ToLineString(line []Coordinate) orb.LineString {
	ls := make(orb.LineString, len(line))
	for i, c := range line {
		ls[i] = orb.Point{c.Lon, c.Lat}
	}
	return ls
}

// FromLineString converts an orb.LineString back to coordinates.
func FromLineString(ls orb.LineString) []Coordinate {
	out := make([]Coordinate, len(ls))
	for i, p := range ls {
		out[i] = Coordinate{Lat: p.Lat(), Lon: p.Lon()}
	}
	return out
}
