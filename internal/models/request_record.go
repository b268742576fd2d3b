package models

import (
	"time"
)

// DecisionSource records where a verdict came from.
type DecisionSource string

const (
	SourceRule        DecisionSource = "rule"
	SourceInteractive DecisionSource = "interactive"
	SourceDefault     DecisionSource = "default"
)

// Reasons attached to default-sourced decisions.
const (
	ReasonTimeout      = "timeout"
	ReasonAbandoned    = "abandoned"
	ReasonCancelled    = "cancelled"
	ReasonMalformed    = "malformed"
	ReasonDefaultAllow = "default-allow"
	ReasonQueued       = "queued"
	ReasonQueueFull    = "queue-full"
)

// Decision is what a resolved request receives.
type Decision struct {
	Action     Action         `json:"action"`
	Source     DecisionSource `json:"source"`
	Reason     string         `json:"reason,omitempty"`
	RuleTarget string         `json:"rule_target,omitempty"`
	RecordID   string         `json:"record_id,omitempty"`
}

// Allowed reports whether the request may continue.
func (d Decision) Allowed() bool { return d.Action.Allowed() }

// RequestRecord is one evaluated request as stored in the access ledger.
// Records are immutable once appended.
type RequestRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Method    string         `json:"method"`
	Host      string         `json:"host"`
	Path      string         `json:"path"`
	Decision  Action         `json:"decision"`
	Source    DecisionSource `json:"source"`
	Reason    string         `json:"reason,omitempty"`
}

// DomainCount is one row of the per-domain statistics.
type DomainCount struct {
	Domain  string `json:"domain"`
	Total   int64  `json:"total"`
	Allowed int64  `json:"allowed"`
	Denied  int64  `json:"denied"`
}

// Stats summarizes the access ledger.
type Stats struct {
	Total    int64         `json:"total"`
	Allowed  int64         `json:"allowed"`
	Denied   int64         `json:"denied"`
	ByDomain []DomainCount `json:"by_domain"`
}

// DecisionCounter is the authoritative on-disk total per verdict.
type DecisionCounter struct {
	Decision string `json:"decision" gorm:"primaryKey"`
	Total    int64  `json:"total"`
}

// DomainCounter is the authoritative on-disk total per host.
type DomainCounter struct {
	Domain  string `json:"domain" gorm:"primaryKey"`
	Total   int64  `json:"total" gorm:"index"`
	Allowed int64  `json:"allowed"`
	Denied  int64  `json:"denied"`
}
