package agent

import "agentd/message"

// truncateOldest drops roughly the older half of the history when the
// provider rejects it for exceeding the context window. The cut is moved
// forward to the next user message so no assistant turn or tool response
// is left without its antecedent.
func truncateOldest(history []message.Message) []message.Message {
	if len(history) <= 1 {
		return history
	}
	start := len(history) / 2
	for start < len(history)-1 && history[start].Role != message.RoleUser {
		start++
	}
	// Tool responses directly after the cut belong to a dropped assistant
	// turn; a user message satisfies the check above, so only verify we
	// still end up with something.
	if start >= len(history) {
		start = len(history) - 1
	}
	return history[start:]
}
