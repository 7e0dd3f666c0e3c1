// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package profile maintains per-user behavior baselines: typical login
// hours, a geographic centroid, and the known device and IP sets. All
// observations carry exponentially decayed weights so behavior drift is
// tolerated without explicit resets. Profiles are approximate: the
// updater applies observations asynchronously after scoring, and a
// concurrent event for the same user may read slightly stale state.
package profile

import (
	"math"
	"time"
)

// knownWeightFloor is the decayed weight below which a device or IP is
// dropped from the profile.
const knownWeightFloor = 0.05

// Profile is a user's decayed behavior baseline.
type Profile struct {
	UserID string `json:"user_id"`

	// EventCount is the decayed total observation weight. A fresh
	// observation contributes 1.0.
	EventCount float64 `json:"event_count"`

	// HourCounts is the decayed login-hour histogram (UTC).
	HourCounts [24]float64 `json:"hour_counts"`

	// Centroid of observed coordinates, weighted by decayed observation
	// count. GeoWeight is the accumulated weight behind it.
	GeoLat    float64 `json:"geo_lat"`
	GeoLon    float64 `json:"geo_lon"`
	GeoWeight float64 `json:"geo_weight"`

	// Devices and IPs map identifier to decayed observation weight.
	Devices map[string]float64 `json:"devices,omitempty"`
	IPs     map[string]float64 `json:"ips,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty profile for a user.
func New(userID string) *Profile {
	return &Profile{
		UserID:  userID,
		Devices: make(map[string]float64),
		IPs:     make(map[string]float64),
	}
}

// Observation is one scored event's contribution to the baseline.
type Observation struct {
	Timestamp time.Time
	SourceIP  string
	DeviceFP  string
	HasGeo    bool
	Lat, Lon  float64
}

// Decay ages every weight by the elapsed time since the last update.
// Half of each weight remains after one half-life.
func (p *Profile) Decay(now time.Time, halfLife time.Duration) {
	if halfLife <= 0 || p.UpdatedAt.IsZero() {
		return
	}
	elapsed := now.Sub(p.UpdatedAt)
	if elapsed <= 0 {
		return
	}

	factor := math.Pow(0.5, elapsed.Hours()/halfLife.Hours())
	p.EventCount *= factor
	p.GeoWeight *= factor
	for i := range p.HourCounts {
		p.HourCounts[i] *= factor
	}
	decayMap(p.Devices, factor)
	decayMap(p.IPs, factor)
}

// Observe folds one observation into the baseline. Callers should Decay
// first so old and new weights share a time base.
func (p *Profile) Observe(obs Observation) {
	p.EventCount++
	p.HourCounts[obs.Timestamp.UTC().Hour()]++

	if obs.HasGeo {
		// Weighted incremental centroid. Coarse for antimeridian-spanning
		// users, which is acceptable for deviation scoring.
		total := p.GeoWeight + 1
		p.GeoLat = (p.GeoLat*p.GeoWeight + obs.Lat) / total
		p.GeoLon = (p.GeoLon*p.GeoWeight + obs.Lon) / total
		p.GeoWeight = total
	}

	if obs.DeviceFP != "" {
		if p.Devices == nil {
			p.Devices = make(map[string]float64)
		}
		p.Devices[obs.DeviceFP]++
	}
	if obs.SourceIP != "" {
		if p.IPs == nil {
			p.IPs = make(map[string]float64)
		}
		p.IPs[obs.SourceIP]++
	}

	p.UpdatedAt = obs.Timestamp
}

// Trusted reports whether the profile has enough weight to score against.
func (p *Profile) Trusted(minEvents int) bool {
	return p.EventCount >= float64(minEvents)
}

// HourShare is the fraction of observations at the given UTC hour.
func (p *Profile) HourShare(hour int) float64 {
	if p.EventCount <= 0 || hour < 0 || hour > 23 {
		return 0
	}
	return p.HourCounts[hour] / p.EventCount
}

// KnowsDevice reports whether the fingerprint carries meaningful weight.
func (p *Profile) KnowsDevice(fp string) bool {
	return fp != "" && p.Devices[fp] >= knownWeightFloor
}

// KnowsIP reports whether the IP carries meaningful weight.
func (p *Profile) KnowsIP(ip string) bool {
	return ip != "" && p.IPs[ip] >= knownWeightFloor
}

// DistanceFromCentroidKM is the great-circle distance from the profile's
// geographic centroid. Returns 0 when no geo baseline exists.
func (p *Profile) DistanceFromCentroidKM(lat, lon float64) float64 {
	if p.GeoWeight <= 0 {
		return 0
	}
	return haversineKM(p.GeoLat, p.GeoLon, lat, lon)
}

// decayMap scales every weight, dropping entries under the floor.
func decayMap(m map[string]float64, factor float64) {
	for k, w := range m {
		w *= factor
		if w < knownWeightFloor {
			delete(m, k)
			continue
		}
		m[k] = w
	}
}

// haversineKM is the great-circle distance between two points.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}
