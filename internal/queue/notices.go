package queue

import "qms/queue-engine/internal/models"

type cancelNotice struct {
	token  models.Token
	reason string
}

// notices collects what a committed unit of work has to announce. A token touched
// more than once keeps only its final state.
type notices struct {
	tokens   map[string]models.Token
	order    []string
	turns    []models.Token
	cancels  []cancelNotice
	services []string
}

func newNotices() *notices {
	return &notices{tokens: make(map[string]models.Token)}
}

func (n *notices) updated(token models.Token) {
	if _, seen := n.tokens[token.TokenID]; !seen {
		n.order = append(n.order, token.TokenID)
	}
	n.tokens[token.TokenID] = token
}

func (n *notices) updatedAll(tokens []models.Token) {
	for _, token := range tokens {
		n.updated(token)
	}
}

func (n *notices) yourTurn(token models.Token) {
	n.turns = append(n.turns, token)
}

func (n *notices) cancelled(token models.Token, reason string) {
	n.cancels = append(n.cancels, cancelNotice{token: token, reason: reason})
}

func (n *notices) queue(serviceID string) {
	for _, id := range n.services {
		if id == serviceID {
			return
		}
	}
	n.services = append(n.services, serviceID)
}
