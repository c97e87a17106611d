package budget

import (
	"ctxproxy/internal/storage"
)

// Token cost constants for the estimation heuristic.
const (
	charsPerToken  = 4
	imageTokenCost = 1000
	roleOverhead   = 1
)

// Estimator approximates token counts. The heuristic is deterministic and
// never fails: ~4 characters per token for text, a fixed cost for opaque
// blocks such as images, plus a small per-message overhead.
type Estimator struct{}

// NewEstimator creates a new Estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// EstimateText estimates the token count of a text string.
func (e *Estimator) EstimateText(text string) int {
	return len(text) / charsPerToken
}

// EstimateContent estimates the token count of a message's content,
// without role or field overhead.
func (e *Estimator) EstimateContent(msg *storage.Message) int {
	if len(msg.Blocks) == 0 {
		return e.EstimateText(msg.Content)
	}

	total := 0
	for _, b := range msg.Blocks {
		switch b.Type {
		case storage.BlockText:
			total += e.EstimateText(b.Text)
		case storage.BlockImage:
			// Images cost a variable number of tokens; estimate conservatively.
			total += imageTokenCost
		case storage.BlockToolUse:
			total += e.EstimateText(b.Name) + e.EstimateText(string(b.Input))
		case storage.BlockToolResult:
			total += e.EstimateText(string(b.Content))
		default:
			total += e.EstimateText(b.Text)
		}
	}
	return total
}

// EstimateMessage estimates the full cost of one message, including role
// and named-field overhead.
func (e *Estimator) EstimateMessage(msg *storage.Message) int {
	total := roleOverhead
	total += e.EstimateContent(msg)
	if msg.Name != "" {
		total += e.EstimateText(msg.Name)
	}
	return total
}

// EstimateMessages sums per-message costs for a batch.
func (e *Estimator) EstimateMessages(messages []storage.Message) int {
	total := 0
	for i := range messages {
		total += e.EstimateMessage(&messages[i])
	}
	return total
}
