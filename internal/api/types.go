package api

import (
	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/queue"
)

// SubmitRequest is the JSON body for POST /changes.
type SubmitRequest struct {
	ResourceID string  `json:"resource_id"`
	ChangeType string  `json:"change_type"`
	Value      float64 `json:"value"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Source     string  `json:"source"`
	Priority   int     `json:"priority,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// SubmitResponse is returned by POST /changes. Duplicate is set when an
// equivalent pending request already existed and its id was returned.
type SubmitResponse struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// ChangeListResponse is returned by GET /changes.
type ChangeListResponse struct {
	Changes []queue.ChangeRequest `json:"changes"`
}

// HistoryResponse is returned by GET /changes/{id}/history.
type HistoryResponse struct {
	ChangeID string         `json:"change_id"`
	Verified bool           `json:"verified"`
	Problem  string         `json:"problem,omitempty"`
	Records  []audit.Record `json:"records"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	// ExistingID is set on 409 responses caused by a duplicate.
	ExistingID string `json:"existing_id,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Counts        map[string]int `json:"counts"`
	EventsDropped int64          `json:"events_dropped"`
}
