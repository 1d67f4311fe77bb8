package node

import (
	"fmt"
	"strings"
)

// Deploy result statuses. Expected outcomes (a pending approval, a quota
// refusal) travel as statuses with reasons, not as Go errors; errors are
// reserved for faults the caller could not have anticipated.
const (
	StatusInstalled = "installed"
	StatusUpdated   = "updated"
	StatusPending   = "pending"
	StatusRejected  = "rejected"
	StatusError     = "error"
)

// DeployResult is the outcome of one deploy command, reported upstream and
// returned to the API caller.
type DeployResult struct {
	ID           string   `json:"id"`
	Skill        string   `json:"skill"`
	Version      string   `json:"version,omitempty"`
	Status       string   `json:"status"`
	Reasons      []string `json:"reasons,omitempty"`
	RolledBackTo string   `json:"rolledBackTo,omitempty"`
}

// ValidationError aggregates every problem found in a manifest document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest validation failed: %s", strings.Join(e.Problems, "; "))
}

// CapacityError means a node-wide quota would be exceeded.
type CapacityError struct {
	Quota  string // "skills" or "disk"
	Reason string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %s", e.Quota, e.Reason)
}

// RuntimeError is a guest fault during a single execution. The skill is
// marked error; the node keeps running.
type RuntimeError struct {
	Skill string
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("skill %s runtime fault: %v", e.Skill, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// HealthCheckFailure records a crash inside the post-start health window.
// When the automatic rollback also fails, both reasons are carried.
type HealthCheckFailure struct {
	Skill       string
	Reason      string
	RollbackErr error
}

func (e *HealthCheckFailure) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("skill %s failed health check (%s) and rollback failed: %v",
			e.Skill, e.Reason, e.RollbackErr)
	}
	return fmt.Sprintf("skill %s failed health check: %s", e.Skill, e.Reason)
}

func (e *HealthCheckFailure) Unwrap() error { return e.RollbackErr }
