package store

import "qms/queue-engine/internal/models"

const (
	ActionCallNext     = "call_next"
	ActionBeginService = "begin_service"
	ActionComplete     = "complete"
	ActionCancel       = "cancel"
	ActionNoShow       = "no_show"
	ActionExpire       = "expire"
)

var transitionMap = map[string][]string{
	ActionCallNext:     {models.StatusActive},
	ActionBeginService: {models.StatusCalled},
	ActionComplete:     {models.StatusInService},
	ActionCancel:       {models.StatusActive, models.StatusCalled},
	ActionNoShow:       {models.StatusCalled},
	ActionExpire:       {models.StatusActive, models.StatusCalled, models.StatusInService},
}

var transitionTarget = map[string]string{
	ActionCallNext:     models.StatusCalled,
	ActionBeginService: models.StatusInService,
	ActionComplete:     models.StatusCompleted,
	ActionCancel:       models.StatusCancelled,
	ActionNoShow:       models.StatusNoShow,
	ActionExpire:       models.StatusExpired,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status an action moves a token into.
func TargetStatus(action string) (string, bool) {
	status, ok := transitionTarget[action]
	return status, ok
}
