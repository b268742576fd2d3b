package enforcement

import (
	"errors"

	"github.com/Wikid82/netgate/internal/models"
)

var (
	// ErrEnforcementUnavailable is returned by Apply when the host cannot
	// install packet-filter rules and the bridge runs in advisory mode.
	ErrEnforcementUnavailable = errors.New("enforcement unavailable")
	// ErrInvalidWorkload means the workload could not be resolved to an
	// IPv4 address.
	ErrInvalidWorkload = errors.New("invalid workload")
)

// Modes reported by Status.
const (
	ModeEnforced = "enforced"
	ModeAdvisory = "advisory"
)

// ChainPrefix starts the name of every chain this package creates.
const ChainPrefix = "NETGATE-"

// Status describes whether packets are actually being filtered.
type Status struct {
	Mode     string                      `json:"mode"`
	Reason   string                      `json:"reason,omitempty"`
	Sessions []models.EnforcementSession `json:"sessions"`
}
