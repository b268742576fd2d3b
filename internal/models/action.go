package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAction is returned when an action string cannot be parsed.
var ErrInvalidAction = errors.New("invalid action")

// Direction is the verdict half of an Action.
type Direction string

const (
	DirectionAllow Direction = "allow"
	DirectionDeny  Direction = "deny"
)

// Scope controls whether a verdict is persisted and what it is bound to.
type Scope string

const (
	ScopeOnce   Scope = "once"
	ScopeURL    Scope = "url"
	ScopeDomain Scope = "domain"
)

// Action is an allow/deny verdict tagged with a persistence scope.
// The zero value is invalid; use ParseAction or the predefined values.
type Action struct {
	Direction Direction
	Scope     Scope
}

var (
	AllowOnce   = Action{Direction: DirectionAllow, Scope: ScopeOnce}
	DenyOnce    = Action{Direction: DirectionDeny, Scope: ScopeOnce}
	AllowURL    = Action{Direction: DirectionAllow, Scope: ScopeURL}
	DenyURL     = Action{Direction: DirectionDeny, Scope: ScopeURL}
	AllowDomain = Action{Direction: DirectionAllow, Scope: ScopeDomain}
	DenyDomain  = Action{Direction: DirectionDeny, Scope: ScopeDomain}
)

// AllActions lists the six valid combinations in display order.
var AllActions = []Action{AllowOnce, AllowURL, AllowDomain, DenyOnce, DenyURL, DenyDomain}

// String renders the action as "<direction>-<scope>".
func (a Action) String() string {
	if !a.Valid() {
		return "invalid"
	}
	return string(a.Direction) + "-" + string(a.Scope)
}

// Valid reports whether both halves of the action are known values.
func (a Action) Valid() bool {
	switch a.Direction {
	case DirectionAllow, DirectionDeny:
	default:
		return false
	}
	switch a.Scope {
	case ScopeOnce, ScopeURL, ScopeDomain:
		return true
	}
	return false
}

// Allowed reports whether the action lets the request through.
func (a Action) Allowed() bool { return a.Direction == DirectionAllow }

// Persistent reports whether the action is stored as a rule.
func (a Action) Persistent() bool { return a.Scope == ScopeURL || a.Scope == ScopeDomain }

// WithScope returns a copy of the action bound to a different scope.
func (a Action) WithScope(s Scope) Action { return Action{Direction: a.Direction, Scope: s} }

// ParseAction parses one of the six "<direction>-<scope>" strings.
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	dir, scope, ok := strings.Cut(s, "-")
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	a := Action{Direction: Direction(dir), Scope: Scope(scope)}
	if !a.Valid() {
		return Action{}, fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// ParseRuleAction parses an action stored against target in a rule file.
// Besides the six canonical forms it accepts the bare "allow"/"deny" values
// older rule files used, inferring the scope from the target's shape.
func ParseRuleAction(target, s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return AllowDomain.WithScope(ScopeForTarget(target)), nil
	case "deny":
		return DenyDomain.WithScope(ScopeForTarget(target)), nil
	}
	a, err := ParseAction(s)
	if err != nil {
		return Action{}, err
	}
	if err := CheckRuleAction(target, a); err != nil {
		return Action{}, err
	}
	return a, nil
}

// CheckRuleAction reports whether a can be stored against target: once
// actions are never stored, url actions need a URL target and domain actions
// a domain target.
func CheckRuleAction(target string, a Action) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %s/%s", ErrInvalidAction, a.Direction, a.Scope)
	}
	if !a.Persistent() {
		return fmt.Errorf("%w: %s cannot be stored", ErrInvalidAction, a)
	}
	if a.Scope != ScopeForTarget(target) {
		return fmt.Errorf("%w: %s does not apply to %q", ErrInvalidAction, a, target)
	}
	return nil
}

// MarshalJSON encodes the action as its string form.
func (a Action) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidAction, a.Direction, a.Scope)
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (a *Action) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
