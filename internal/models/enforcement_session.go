package models

import (
	"time"
)

// Enforcement session states.
const (
	SessionActive   = "active"
	SessionOrphaned = "orphaned"
	SessionClosed   = "closed"
)

// EnforcementSession records the packet-filter rules installed for one
// workload so they can be removed exactly, even after a crash.
type EnforcementSession struct {
	ID        uint       `json:"-" gorm:"primaryKey"`
	UUID      string     `json:"uuid" gorm:"uniqueIndex"`
	Workload  string     `json:"workload" gorm:"index"`
	Owner     string     `json:"owner" gorm:"index"` // process that applied the rules
	IP        string     `json:"ip"`
	Chain     string     `json:"chain"`
	ProxyPort int        `json:"proxy_port"`
	DNSPort   int        `json:"dns_port"`
	Rules     string     `json:"rules" gorm:"type:text"` // JSON rule set as installed
	Status    string     `json:"status" gorm:"index"`
	AppliedAt time.Time  `json:"applied_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}
