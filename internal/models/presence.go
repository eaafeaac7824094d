package models

import "time"

type PresenceCheck struct {
	CheckID          string    `json:"check_id"`
	TokenID          string    `json:"token_id"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	AccuracyMeters   float64   `json:"accuracy_meters"`
	DistanceMeters   float64   `json:"distance_meters"`
	IsWithinGeofence bool      `json:"is_within_geofence"`
	CheckType        string    `json:"check_type"`
	IsCompliant      bool      `json:"is_compliant"`
	CreatedAt        time.Time `json:"created_at"`
}

const (
	CheckTypeArrival      = "arrival"
	CheckTypePeriodic     = "periodic"
	CheckTypeServiceStart = "service_start"
)
