// Package entity defines the entity graph of the toolkit — suites,
// experiments, simulations, and work items — together with the canonical
// status state machine they all share.
package entity

import (
	"fmt"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
)

// Status is the lifecycle state shared by experiments, simulations, and
// work items. Platform drivers translate their native states onto these.
type Status string

const (
	// StatusNone is the zero state before an entity is constructed in memory.
	StatusNone Status = "none"
	// StatusCreated means constructed locally, not yet submitted.
	StatusCreated Status = "created"
	// StatusRunning covers everything between submission and a terminal
	// state, including back-end queueing and provisioning.
	StatusRunning Status = "running"
	// StatusSucceeded is terminal success.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is terminal non-success, including cancellation and
	// back-end timeouts.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// legal transitions of the state machine. Cancel is modeled as a transition
// to failed from any non-terminal state.
var legalTransitions = map[Status][]Status{
	StatusNone:    {StatusCreated},
	StatusCreated: {StatusRunning, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusFailed},
	// Only failed items may return to created, for rerun.
	StatusFailed: {StatusCreated},
}

// CanTransition reports whether from → to is permitted.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns an error describing an illegal transition, or nil.
func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrIllegalTransition, from, to)
	}
	return nil
}

// Rollup derives a parent status from its children's statuses. It is never
// stored; parents compute it on demand.
//
//	all succeeded            => succeeded
//	any failed, none running => failed
//	any running              => running
//	otherwise                => created
func Rollup(children []Status) Status {
	if len(children) == 0 {
		return StatusCreated
	}
	var anyFailed, anyRunning, anyCreated bool
	for _, s := range children {
		switch s {
		case StatusFailed:
			anyFailed = true
		case StatusRunning:
			anyRunning = true
		case StatusCreated, StatusNone:
			anyCreated = true
		}
	}
	switch {
	case anyRunning:
		return StatusRunning
	case anyFailed:
		return StatusFailed
	case anyCreated:
		return StatusCreated
	default:
		return StatusSucceeded
	}
}
