package features

import (
	"math"
	"sync"
	"time"

	"authguard/internal/schema"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// travelScore converts a required travel speed into a 0-100 risk score.
// Zero below maxSpeed, then scaled by how far the required speed exceeds
// it, saturating at 100.
func travelScore(distanceKm float64, elapsed time.Duration, maxSpeedKmh float64) float64 {
	if elapsed <= 0 {
		// Identical or out-of-order timestamps across locations: any
		// nonzero distance is instantaneous travel.
		if distanceKm > 1 {
			return 100
		}
		return 0
	}

	hours := elapsed.Hours()
	speed := distanceKm / hours
	if speed <= maxSpeedKmh {
		return 0
	}

	score := (speed/maxSpeedKmh - 1) * 50
	if score > 100 {
		return 100
	}
	return score
}

type lastSeen struct {
	geo  schema.GeoLocation
	at   time.Time
	ip   string
	host string
}

// travelTracker remembers the last successful login location per username.
type travelTracker struct {
	mu   sync.Mutex
	last map[string]*lastSeen
}

func newTravelTracker() *travelTracker {
	return &travelTracker{last: make(map[string]*lastSeen)}
}

// check computes the impossible-travel score for event and records its
// location as the username's new last-seen point. A username with no
// prior located login scores zero.
func (t *travelTracker) check(event *schema.LoginEvent, maxSpeedKmh float64) (score float64, distanceKm float64) {
	if event.Outcome != schema.OutcomeSuccess || !event.HasGeo() {
		return 0, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.last[event.Username]
	t.last[event.Username] = &lastSeen{
		geo:  *event.Geo,
		at:   event.Timestamp,
		ip:   event.SourceIP,
		host: event.Host,
	}

	if !ok {
		return 0, 0
	}

	distanceKm = haversineKm(prev.geo.Latitude, prev.geo.Longitude,
		event.Geo.Latitude, event.Geo.Longitude)
	if distanceKm < 1 {
		return 0, 0
	}

	return travelScore(distanceKm, event.Timestamp.Sub(prev.at), maxSpeedKmh), distanceKm
}
