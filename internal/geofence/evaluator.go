// Package geofence decides safe-zone containment and detects enter/exit
// transitions from true fixes.
package geofence

import (
	"math"
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

const EarthRadiusMeters = 6371000.0

// Distance returns the haversine great-circle distance in meters.
func Distance(a, b domain.LatLon) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Contains is boundary-inclusive.
func Contains(z domain.SafeZone, p domain.LatLon) bool {
	return within(Distance(z.Center, p), z.RadiusMeters)
}

func within(distance float64, radiusMeters int) bool {
	return distance <= float64(radiusMeters)
}

// Evaluate updates state.ZoneContainment for every enabled zone in zones and
// returns one transition per zone whose flag changed. A zone with no stored
// flag counts as outside. Disabled zones keep their flag untouched; flags of
// zones no longer configured are dropped without a transition. The caller
// must only pass fixes that passed the recency check.
func Evaluate(state *domain.DeviceState, zones []domain.SafeZone, fix *domain.TrueFix, detectedAt time.Time) []domain.Transition {
	if state.ZoneContainment == nil {
		state.ZoneContainment = make(map[string]bool)
	}

	configured := make(map[string]struct{}, len(zones))
	var transitions []domain.Transition

	for _, z := range zones {
		configured[z.ZoneID] = struct{}{}
		if !z.Enabled {
			continue
		}

		was := state.ZoneContainment[z.ZoneID]
		now := Contains(z, fix.LatLon)
		state.ZoneContainment[z.ZoneID] = now

		if was == now {
			continue
		}
		kind := domain.MessageZoneEnter
		if !now {
			kind = domain.MessageZoneExit
		}
		transitions = append(transitions, domain.Transition{
			DeviceID:   state.DeviceID,
			Zone:       z,
			Kind:       kind,
			Fix:        *fix,
			DetectedAt: detectedAt.UTC(),
		})
	}

	for id := range state.ZoneContainment {
		if _, ok := configured[id]; !ok {
			delete(state.ZoneContainment, id)
		}
	}

	state.RecomputeInSafeZone()
	return transitions
}
