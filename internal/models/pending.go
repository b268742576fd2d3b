package models

import (
	"time"
)

// PendingEntry is a request waiting for a human or programmatic decision.
type PendingEntry struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Scheme     string    `json:"scheme"`
	Host       string    `json:"host"`
	Path       string    `json:"path"`
	URL        string    `json:"url"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
