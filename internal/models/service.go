package models

type Service struct {
	ServiceID             string  `json:"service_id" yaml:"id"`
	Code                  string  `json:"code" yaml:"code"`
	Name                  string  `json:"name" yaml:"name"`
	IsActive              bool    `json:"is_active" yaml:"active"`
	EstimatedServiceTime  int     `json:"estimated_service_time" yaml:"estimated_service_seconds"`
	MaxDailyTokens        int     `json:"max_daily_tokens" yaml:"max_daily_tokens"`
	GeofenceLatitude      float64 `json:"geofence_latitude" yaml:"geofence_latitude"`
	GeofenceLongitude     float64 `json:"geofence_longitude" yaml:"geofence_longitude"`
	GeofenceRadiusMeters  float64 `json:"geofence_radius_meters" yaml:"geofence_radius_meters"`
	RequirePresence       bool    `json:"require_presence" yaml:"require_presence"`
	EnforcePresenceAtCall bool    `json:"enforce_presence_at_call" yaml:"enforce_presence_at_call"`
	CallTimeoutSeconds    int     `json:"call_timeout_seconds,omitempty" yaml:"call_timeout_seconds"`
}
