// Package lifecycle validates and records meeting status transitions. It is
// the only writer of the status column; everything else reads.
package lifecycle

import "github.com/vexa-ai/controlplane/internal/registry"

// transitions is the legal directed graph. Bots may skip intermediate states
// (a startup callback can move REQUESTED straight to ACTIVE), so every
// forward edge is listed; backward edges are not.
var transitions = map[registry.Status][]registry.Status{
	registry.StatusRequested: {
		registry.StatusJoining,
		registry.StatusAwaitingAdmission,
		registry.StatusActive,
		registry.StatusCompleted,
		registry.StatusFailed,
	},
	registry.StatusJoining: {
		registry.StatusAwaitingAdmission,
		registry.StatusActive,
		registry.StatusCompleted,
		registry.StatusFailed,
	},
	registry.StatusAwaitingAdmission: {
		registry.StatusActive,
		registry.StatusCompleted,
		registry.StatusFailed,
	},
	registry.StatusActive: {
		registry.StatusCompleted,
		registry.StatusFailed,
	},
	registry.StatusCompleted: nil,
	registry.StatusFailed:    nil,
}

// Allowed reports whether from → to is a legal edge.
func Allowed(from, to registry.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
