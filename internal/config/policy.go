package config

import (
	"fmt"
	"os"
	"strings"

	"qms/queue-engine/internal/abuse"
	"qms/queue-engine/internal/models"

	"gopkg.in/yaml.v3"
)

// Policy is the optional operator file named by POLICY_FILE.
type Policy struct {
	Abuse    abuse.Policy     `yaml:"abuse"`
	Services []models.Service `yaml:"services"`
}

// LoadPolicy reads path. An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := Policy{Abuse: abuse.DefaultPolicy()}
	path = strings.TrimSpace(path)
	if path == "" {
		return policy, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (Policy, error) {
	policy := Policy{Abuse: abuse.DefaultPolicy()}
	if err := yaml.Unmarshal(b, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	seen := make(map[string]bool)
	for i, svc := range policy.Services {
		id := strings.TrimSpace(svc.ServiceID)
		if id == "" {
			return Policy{}, fmt.Errorf("parse policy file: service %d has no id", i)
		}
		if seen[id] {
			return Policy{}, fmt.Errorf("parse policy file: duplicate service %s", id)
		}
		seen[id] = true
		if svc.EstimatedServiceTime < 0 || svc.MaxDailyTokens < 0 || svc.GeofenceRadiusMeters < 0 {
			return Policy{}, fmt.Errorf("parse policy file: service %s has negative limits", id)
		}
		policy.Services[i].ServiceID = id
	}
	return policy, nil
}
