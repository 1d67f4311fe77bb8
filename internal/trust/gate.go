// Package trust implements the node-wide deploy approval policy.
package trust

import (
	"fmt"
	"strings"
)

// Level is the node-wide trust policy for skill deploys.
type Level int

const (
	// ApproveEach requires a human approval for every deploy.
	ApproveEach Level = iota
	// ApproveNew auto-approves updates to known skills as long as they do
	// not escalate permissions; new skills and escalations wait for a human.
	ApproveNew
	// Peacock auto-approves everything. Full plumage, zero caution.
	Peacock
)

// ParseLevel accepts the wire spellings of a trust level, case-insensitive:
// "approve_each", "approve_new", "peacock".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve_each":
		return ApproveEach, nil
	case "approve_new":
		return ApproveNew, nil
	case "peacock":
		return Peacock, nil
	}
	return ApproveEach, fmt.Errorf("unknown trust level %q", s)
}

func (l Level) String() string {
	switch l {
	case ApproveEach:
		return "approve_each"
	case ApproveNew:
		return "approve_new"
	case Peacock:
		return "peacock"
	}
	return fmt.Sprintf("trust.Level(%d)", int(l))
}

// ShouldAutoApprove decides whether a deploy proceeds without a human.
// ApproveEach never auto-approves; Peacock always does; ApproveNew approves
// only updates to already-installed skills that request nothing new.
func ShouldAutoApprove(level Level, isNewSkill, hasEscalation bool) bool {
	switch level {
	case Peacock:
		return true
	case ApproveNew:
		return !isNewSkill && !hasEscalation
	default:
		return false
	}
}
