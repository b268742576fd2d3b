package models

import (
	"time"
)

// Rule binds a target to an action. Only persistent rules are stored in the
// rule file; once-scoped rules live only as long as the pending entry they
// resolve.
type Rule struct {
	Target     string    `json:"target"`
	Action     Action    `json:"action"`
	Persistent bool      `json:"persistent"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsURL reports whether the rule matches an exact URL rather than a domain.
func (r Rule) IsURL() bool { return IsURLTarget(r.Target) }

// RuleSnapshot is the serialized form of the rule set used by export/import
// and by the rule file itself. Rules maps target to action string.
type RuleSnapshot struct {
	Rules   map[string]string    `json:"rules" yaml:"rules"`
	Created map[string]time.Time `json:"created,omitempty" yaml:"created,omitempty"`
}
