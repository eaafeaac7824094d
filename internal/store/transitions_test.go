package store

import (
	"testing"

	"qms/queue-engine/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "ACTIVE", true},
		{"call_next", "CALLED", false},
		{"begin_service", "CALLED", true},
		{"begin_service", "ACTIVE", false},
		{"complete", "IN_SERVICE", true},
		{"complete", "CALLED", false},
		{"cancel", "ACTIVE", true},
		{"cancel", "CALLED", true},
		{"cancel", "IN_SERVICE", false},
		{"cancel", "COMPLETED", false},
		{"no_show", "CALLED", true},
		{"no_show", "ACTIVE", false},
		{"no_show", "IN_SERVICE", false},
		{"expire", "ACTIVE", true},
		{"expire", "CALLED", true},
		{"expire", "IN_SERVICE", true},
		{"expire", "COMPLETED", false},
		{"expire", "EXPIRED", false},
		{"unknown", "ACTIVE", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingTransition(t *testing.T) {
	terminal := []string{models.StatusCompleted, models.StatusCancelled, models.StatusNoShow, models.StatusExpired}
	for _, status := range terminal {
		if !models.IsTerminal(status) {
			t.Fatalf("expected %s to be terminal", status)
		}
		for action := range transitionMap {
			if ValidTransition(action, status) {
				t.Fatalf("action %s must not leave terminal status %s", action, status)
			}
		}
	}
}

func TestTargetStatus(t *testing.T) {
	for action := range transitionMap {
		target, ok := TargetStatus(action)
		if !ok || target == "" {
			t.Fatalf("missing target status for %s", action)
		}
	}
	if _, ok := TargetStatus("unknown"); ok {
		t.Fatalf("expected no target for unknown action")
	}
}
