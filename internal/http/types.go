package http

import "github.com/fyrsmithlabs/patternd/internal/patterns"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RecordOutcomeResponse is the response body for POST /api/v1/outcomes.
type RecordOutcomeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PatternsResponse is the response body for GET /api/v1/users/:user/patterns.
type PatternsResponse struct {
	UserID   string               `json:"user_id"`
	Patterns []patterns.Aggregate `json:"patterns"`
}

// InsightsResponse is the response body for GET /api/v1/users/:user/insights.
type InsightsResponse struct {
	UserID   string             `json:"user_id"`
	Insights []patterns.Insight `json:"insights"`
}

// AssembleRequest is the optional body for POST /api/v1/users/:user/context.
type AssembleRequest struct {
	HistoryWindowDays int            `json:"history_window_days"`
	AuxiliaryContext  map[string]any `json:"auxiliary_context"`
}

// SetAvoidRequest is the body for PUT .../patterns/:type/:key/avoid.
type SetAvoidRequest struct {
	Avoid  *bool  `json:"avoid"`
	Reason string `json:"reason"`
}
