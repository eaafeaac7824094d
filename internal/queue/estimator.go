package queue

import (
	"sort"

	"qms/queue-engine/internal/models"
)

// EstimateWait returns the expected wait in seconds for a token holding position.
func EstimateWait(position int, service models.Service) int {
	ahead := position - 1
	if ahead < 0 {
		ahead = 0
	}
	perUnit := service.EstimatedServiceTime
	if perUnit < 0 {
		perUnit = 0
	}
	return ahead * perUnit
}

// Recompute ranks the ACTIVE snapshot of one service and returns the tokens whose
// stored position or wait differ from the freshly computed value, in queue order.
// Tokens that are not ACTIVE are ignored; their last values are history.
func Recompute(snapshot []models.Token, service models.Service) []models.Token {
	active := make([]models.Token, 0, len(snapshot))
	for _, token := range snapshot {
		if token.Status == models.StatusActive && token.ServiceID == service.ServiceID {
			active = append(active, token)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Before(active[j]) })

	var changed []models.Token
	for i, token := range active {
		position := i + 1
		wait := EstimateWait(position, service)
		if token.QueuePosition == position && token.EstimatedWaitSeconds == wait {
			continue
		}
		token.QueuePosition = position
		token.EstimatedWaitSeconds = wait
		changed = append(changed, token)
	}
	return changed
}
