package supervisor

import (
	"strings"

	"github.com/vexa-ai/controlplane/internal/registry"
)

// Completion reasons and failure stages recorded in the data envelope.
const (
	reasonStopped           = "stopped"
	reasonAdmissionTimeout  = "awaiting_admission_timeout"
	reasonLeftAlone         = "left_alone"
	reasonEvicted           = "evicted"
	reasonRemovedByAdmin    = "removed_by_admin"
	reasonAdmissionRejected = "admission_rejected_by_admin"

	stageRequested = "requested"
	stageJoining   = "joining"
	stageActive    = "active"
)

// ExitOutcome is the terminal status and envelope fields derived from a
// bot's exit report.
type ExitOutcome struct {
	Status           registry.Status
	CompletionReason string
	FailureStage     string
}

// MapExitReason translates the bot's exit reason onto the terminal record.
// Exit code zero always completes and code non-zero always fails; the reason
// string refines why, or in the failure case, which stage broke.
func MapExitReason(reason string, exitCode int) ExitOutcome {
	if exitCode == 0 {
		out := ExitOutcome{Status: registry.StatusCompleted}
		switch reason {
		case "self_initiated_leave", "stopped":
			out.CompletionReason = reasonStopped
		case "admission_failed":
			out.CompletionReason = reasonAdmissionTimeout
		case "left_alone":
			out.CompletionReason = reasonLeftAlone
		case "evicted":
			out.CompletionReason = reasonEvicted
		case "removed_by_admin":
			out.CompletionReason = reasonRemovedByAdmin
		case "admission_rejected_by_admin":
			out.CompletionReason = reasonAdmissionRejected
		default:
			out.CompletionReason = reasonStopped
		}
		return out
	}

	out := ExitOutcome{Status: registry.StatusFailed}
	switch {
	case reason == "teams_error" || reason == "google_meet_error" ||
		reason == "post_join_setup_error" || strings.HasPrefix(reason, "joining_"):
		out.FailureStage = stageJoining
	case reason == "missing_meeting_url" || reason == "validation_error":
		out.FailureStage = stageRequested
	default:
		out.FailureStage = stageActive
	}
	return out
}

// stageFor maps the status a meeting died in onto its failure stage; the
// watchdog uses it when no exit report ever arrived.
func stageFor(st registry.Status) string {
	switch st {
	case registry.StatusRequested:
		return stageRequested
	case registry.StatusJoining, registry.StatusAwaitingAdmission:
		return stageJoining
	default:
		return stageActive
	}
}
