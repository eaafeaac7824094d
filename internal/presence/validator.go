package presence

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

// Mean earth radius (IUGG) in meters.
const earthRadiusMeters = 6371008.8

const defaultMaxAccuracyMeters = 50

type Store interface {
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	AppendPresenceCheck(ctx context.Context, check models.PresenceCheck) error
	ListPresenceChecks(ctx context.Context, tokenID string) ([]models.PresenceCheck, error)
}

// Reading is one location report from the token holder's device.
type Reading struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	CheckType      string
}

type Validator struct {
	store       Store
	maxAccuracy float64
	now         func() time.Time
}

func NewValidator(st Store, maxAccuracyMeters float64) *Validator {
	if maxAccuracyMeters <= 0 {
		maxAccuracyMeters = defaultMaxAccuracyMeters
	}
	return &Validator{
		store:       st,
		maxAccuracy: maxAccuracyMeters,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Check records where the holder of tokenID is. The result is always appended and
// never changes the token status.
func (v *Validator) Check(ctx context.Context, tokenID string, reading Reading) (models.PresenceCheck, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return models.PresenceCheck{}, fmt.Errorf("%w: token_id is required", store.ErrValidation)
	}
	checkType, err := validateReading(reading)
	if err != nil {
		return models.PresenceCheck{}, err
	}

	token, err := v.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.PresenceCheck{}, err
	}
	if models.IsTerminal(token.Status) {
		if token.Status == models.StatusExpired || token.Status == models.StatusNoShow {
			return models.PresenceCheck{}, store.ErrTokenClosed
		}
		return models.PresenceCheck{}, fmt.Errorf("%w: token is %s", store.ErrInvalidTransition, token.Status)
	}
	svc, err := v.store.GetService(ctx, token.ServiceID)
	if err != nil {
		return models.PresenceCheck{}, err
	}

	distance := Distance(reading.Latitude, reading.Longitude, svc.GeofenceLatitude, svc.GeofenceLongitude)
	within := distance <= svc.GeofenceRadiusMeters
	check := models.PresenceCheck{
		CheckID:          uuid.NewString(),
		TokenID:          tokenID,
		Latitude:         reading.Latitude,
		Longitude:        reading.Longitude,
		AccuracyMeters:   reading.AccuracyMeters,
		DistanceMeters:   math.Round(distance*100) / 100,
		IsWithinGeofence: within,
		CheckType:        checkType,
		IsCompliant:      within && reading.AccuracyMeters <= v.maxAccuracy,
		CreatedAt:        v.now(),
	}
	if err := v.store.AppendPresenceCheck(ctx, check); err != nil {
		return models.PresenceCheck{}, err
	}
	return check, nil
}

func (v *Validator) History(ctx context.Context, tokenID string) ([]models.PresenceCheck, error) {
	if _, err := v.store.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}
	return v.store.ListPresenceChecks(ctx, tokenID)
}

// Distance returns the great-circle distance in meters between two WGS84 points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	if a > 1 {
		a = 1
	}
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func validateReading(reading Reading) (string, error) {
	switch {
	case math.IsNaN(reading.Latitude) || reading.Latitude < -90 || reading.Latitude > 90:
		return "", fmt.Errorf("%w: latitude out of range", store.ErrValidation)
	case math.IsNaN(reading.Longitude) || reading.Longitude < -180 || reading.Longitude > 180:
		return "", fmt.Errorf("%w: longitude out of range", store.ErrValidation)
	case math.IsNaN(reading.AccuracyMeters) || math.IsInf(reading.AccuracyMeters, 0) || reading.AccuracyMeters < 0:
		return "", fmt.Errorf("%w: accuracy must be a non-negative number", store.ErrValidation)
	}
	checkType := strings.ToLower(strings.TrimSpace(reading.CheckType))
	switch checkType {
	case "":
		return models.CheckTypePeriodic, nil
	case models.CheckTypeArrival, models.CheckTypePeriodic, models.CheckTypeServiceStart:
		return checkType, nil
	default:
		return "", fmt.Errorf("%w: unknown check_type %q", store.ErrValidation, reading.CheckType)
	}
}
