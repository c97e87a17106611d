// Package budget decides when and how much conversation history to evict
// from the active context window.
package budget

import (
	"fmt"
	"sync"

	"ctxproxy/internal/config"
	"ctxproxy/internal/storage"
)

// Limits holds the token budget parameters.
type Limits struct {
	MaxActiveTokens  int
	MaxTotalTokens   int
	TargetFillRatio  float64
	PreserveRecent   int
	SummaryRatio     float64
	MinSummaryTokens int
	MaxSummaryTokens int
}

// LimitsFromConfig builds Limits from the cache configuration.
func LimitsFromConfig(cfg config.CacheConfig) Limits {
	return Limits{
		MaxActiveTokens:  cfg.MaxActiveTokens,
		MaxTotalTokens:   cfg.MaxTotalTokens,
		TargetFillRatio:  cfg.TargetFillRatio,
		PreserveRecent:   cfg.PreserveRecent,
		SummaryRatio:     cfg.SummaryRatio,
		MinSummaryTokens: cfg.MinSummaryTokens,
		MaxSummaryTokens: cfg.MaxSummaryTokens,
	}
}

// DefaultLimits returns the reference limits.
func DefaultLimits() Limits {
	return Limits{
		MaxActiveTokens:  config.DefaultMaxActiveTokens,
		MaxTotalTokens:   config.DefaultMaxTotalTokens,
		TargetFillRatio:  config.DefaultTargetFillRatio,
		PreserveRecent:   config.DefaultPreserveRecent,
		SummaryRatio:     config.DefaultSummaryRatio,
		MinSummaryTokens: config.DefaultMinSummaryTokens,
		MaxSummaryTokens: config.DefaultMaxSummaryTokens,
	}
}

// Manager applies the token budget. Limits can be swapped at runtime via
// SetLimits (config hot reload), so reads go through the mutex.
type Manager struct {
	mu        sync.RWMutex
	limits    Limits
	estimator *Estimator
}

// NewManager creates a budget manager.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:    limits,
		estimator: NewEstimator(),
	}
}

// Estimator returns the token estimator.
func (m *Manager) Estimator() *Estimator {
	return m.estimator
}

// Limits returns the current limits.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// SetLimits replaces the current limits.
func (m *Manager) SetLimits(limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// ShouldEvict reports whether the active token count has reached the
// budget.
func (m *Manager) ShouldEvict(activeTokens int) bool {
	return activeTokens >= m.Limits().MaxActiveTokens
}

// PlanEviction decides how many messages to evict from the head of the
// log. It walks candidates oldest-first, accumulating estimated tokens
// until the target reduction is met; the greedy prefix may overshoot but
// never undershoots. The last PreserveRecent messages are never
// candidates; when the candidate pool is empty the plan is (0, 0) and
// the session stays over budget until recent messages age out of the
// preserve window.
func (m *Manager) PlanEviction(messages []storage.Message, activeTokens int) (count, tokens int) {
	limits := m.Limits()

	if activeTokens < limits.MaxActiveTokens {
		return 0, 0
	}

	var candidates []storage.Message
	if len(messages) > limits.PreserveRecent {
		candidates = messages[:len(messages)-limits.PreserveRecent]
	}
	if len(candidates) == 0 {
		return 0, 0
	}

	target := int(float64(limits.MaxActiveTokens) * limits.TargetFillRatio)
	toRemove := activeTokens - target

	for i := range candidates {
		tokens += m.estimator.EstimateContent(&candidates[i])
		count++
		if tokens >= toRemove {
			break
		}
	}
	return count, tokens
}

// SummaryTarget computes the target token count for a summary of a batch
// with the given original cost, clamped to the configured bounds.
func (m *Manager) SummaryTarget(originalTokens int) int {
	limits := m.Limits()
	target := int(float64(originalTokens) * limits.SummaryRatio)
	if target < limits.MinSummaryTokens {
		return limits.MinSummaryTokens
	}
	if target > limits.MaxSummaryTokens {
		return limits.MaxSummaryTokens
	}
	return target
}

// ValidationResult reports budget compliance.
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

// Validate checks the counters against both limits. Reaching 100% of
// either limit marks the result invalid; 80% active or 90% total are
// warnings only.
func (m *Manager) Validate(activeTokens, totalTokens int) ValidationResult {
	limits := m.Limits()
	result := ValidationResult{Valid: true}

	switch {
	case activeTokens >= limits.MaxActiveTokens:
		result.Valid = false
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("active tokens (%d) exceed limit (%d)", activeTokens, limits.MaxActiveTokens))
		result.Recommendations = append(result.Recommendations, "trigger archival")
	case float64(activeTokens) >= float64(limits.MaxActiveTokens)*0.8:
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("active tokens (%d) at 80%% of limit", activeTokens))
		result.Recommendations = append(result.Recommendations, "consider archival soon")
	}

	switch {
	case totalTokens >= limits.MaxTotalTokens:
		result.Valid = false
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("total tokens (%d) exceed limit (%d)", totalTokens, limits.MaxTotalTokens))
		result.Recommendations = append(result.Recommendations, "delete old archives or start a new session")
	case float64(totalTokens) >= float64(limits.MaxTotalTokens)*0.9:
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("total tokens (%d) at 90%% of limit", totalTokens))
		result.Recommendations = append(result.Recommendations, "consider cleaning up old archives")
	}

	return result
}

// ContextSummary describes the current budget state of one session.
type ContextSummary struct {
	ActiveTokens     int     `json:"active_tokens"`
	ActiveLimit      int     `json:"active_limit"`
	ActivePercentage float64 `json:"active_percentage"`
	TotalTokens      int     `json:"total_tokens"`
	TotalLimit       int     `json:"total_limit"`
	TotalPercentage  float64 `json:"total_percentage"`
	MessageCount     int     `json:"message_count"`
	ArchiveCount     int     `json:"archive_count"`
	ShouldArchive    bool    `json:"should_archive"`
	Health           string  `json:"health"`
}

// Summary returns the budget state for the given counters.
func (m *Manager) Summary(activeTokens, totalTokens, messageCount, archiveCount int) ContextSummary {
	limits := m.Limits()
	activePct := float64(activeTokens) / float64(limits.MaxActiveTokens) * 100
	totalPct := float64(totalTokens) / float64(limits.MaxTotalTokens) * 100

	return ContextSummary{
		ActiveTokens:     activeTokens,
		ActiveLimit:      limits.MaxActiveTokens,
		ActivePercentage: activePct,
		TotalTokens:      totalTokens,
		TotalLimit:       limits.MaxTotalTokens,
		TotalPercentage:  totalPct,
		MessageCount:     messageCount,
		ArchiveCount:     archiveCount,
		ShouldArchive:    m.ShouldEvict(activeTokens),
		Health:           healthStatus(activePct, totalPct),
	}
}

func healthStatus(activePct, totalPct float64) string {
	switch {
	case activePct > 95 || totalPct > 95:
		return "critical"
	case activePct > 80 || totalPct > 80:
		return "warning"
	case activePct > 60 || totalPct > 60:
		return "good"
	default:
		return "healthy"
	}
}
