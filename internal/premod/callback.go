package premod

import (
	"strings"

	"modbot/internal/domain"
)

// Callback payloads carried by the accept/decline buttons. The record id may
// contain '!' but never ':', so a fixed 3-part split is safe.
const callbackPrefix = "premod"

func AcceptCallback(recordID string) string {
	return callbackPrefix + ":" + string(domain.DecisionAccept) + ":" + recordID
}

func DeclineCallback(recordID string) string {
	return callbackPrefix + ":" + string(domain.DecisionDecline) + ":" + recordID
}

// ParseCallback recognizes a decision button payload. ok is false for any
// payload this engine did not produce.
func ParseCallback(data string) (recordID string, decision domain.Decision, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", "", false
	}
	switch domain.Decision(parts[1]) {
	case domain.DecisionAccept, domain.DecisionDecline:
		return parts[2], domain.Decision(parts[1]), true
	}
	return "", "", false
}
