// Package models provides data model definitions for the request queue.
package models

import (
	"fmt"
	"strings"
)

// Priority orders queued requests across classes. Within a class,
// insertion order wins.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Normalize maps an empty priority to the default and rejects unknown values.
func (p Priority) Normalize() (Priority, error) {
	switch p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", string(p))
	}
}

// Priorities lists all classes from most to least urgent, the order peek
// walks them.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

// QueuedRequest represents a pending outbound HTTP request.
type QueuedRequest struct {
	ID         string            `db:"id" json:"id"`
	URL        string            `db:"url" json:"url"`
	Method     string            `db:"method" json:"method"`
	Headers    map[string]string `db:"headers_json" json:"headers"`
	Body       Body              `db:"body" json:"body"`
	Timestamp  int64             `db:"timestamp" json:"timestamp"` // epoch milliseconds at enqueue
	RetryCount int               `db:"retry_count" json:"retry_count"`
	Priority   Priority          `db:"priority" json:"priority"`
}

// TableName returns the table name for QueuedRequest.
func (QueuedRequest) TableName() string {
	return "request_queue"
}

// NormalizeMethod upper-cases an HTTP method and rejects ones the queue
// does not replay.
func NormalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	switch m {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
		return m, nil
	default:
		return "", fmt.Errorf("unsupported method %q", method)
	}
}
