package prompts

import (
	"fmt"
	"strings"
	"time"
)

// ManualHint points the user at explicit commands.
const ManualHint = "Need help? Run `help commands` or use `profile show writing` / `reports regenerate` directly."

// AllClear is shown when a suggestion query finds nothing to recommend.
const AllClear = "All systems look good. Ask for new papers or run `profile interview` to keep learning."

// NoMatch is the fallback for a turn that yielded no intents.
func NoMatch(message string) string {
	return fmt.Sprintf("I couldn't route `%s` safely. Try explicit commands like `profile show writing` or `reports regenerate --scope recent`.",
		strings.TrimSpace(message))
}

// NoWorkspace explains why a whole turn was aborted.
func NoWorkspace(workspaceID string) string {
	if workspaceID == "" {
		return "No active workspace. Select or create a workspace before running commands."
	}
	return fmt.Sprintf("Workspace `%s` is not active. Select or create a workspace before running commands.", workspaceID)
}

// Cancellation summarizes the intents skipped after a failure.
func Cancellation(failedAction string, pending int) string {
	return fmt.Sprintf("Cancelled %d queued intent(s) after `%s` failed.", pending, failedAction)
}

// Skipped explains one cancelled intent.
func Skipped(action, failedAction string) string {
	return fmt.Sprintf("Skipped `%s` because `%s` failed earlier in this turn.", action, failedAction)
}

// Success is the line shown after a handler completes.
func Success(action, eventID, details string) string {
	return strings.TrimSpace(fmt.Sprintf("[OK] %s completed (intent event %s). %s", action, eventID, details))
}

// Failure is the line shown when an intent fails.
func Failure(action, eventID, reason string) string {
	return fmt.Sprintf("[ERR] %s failed (intent event %s): %s", action, eventID, reason)
}

// DestructiveConfirmation asks the user to echo the phrase.
func DestructiveConfirmation(action, label, phrase string, expiresAt time.Time) string {
	subject := "run `" + action + "`"
	if label != "" {
		subject = fmt.Sprintf("`%s` on %s", action, label)
	}
	return fmt.Sprintf("Destructive intent detected: %s. Reply with `%s` to approve. The request expires at %s.",
		subject, phrase, expiresAt.UTC().Format(time.RFC3339))
}

// RemoteConfirmation asks for approval of a remote call.
func RemoteConfirmation(action, phrase string, manifestIDs []string, expiresAt time.Time) string {
	return fmt.Sprintf("This intent will send data to a remote AI service (`%s`). Consent manifests on file: %s. Reply with `%s` to approve remote access. The request expires at %s.",
		action, strings.Join(manifestIDs, ", "), phrase, expiresAt.UTC().Format(time.RFC3339))
}

// MissingParameter asks for a required value.
func MissingParameter(action, param string) string {
	return fmt.Sprintf("Which %s should I use before running `%s`?", strings.ReplaceAll(param, "_", " "), action)
}

// LowConfidence asks whether the detected action was meant.
func LowConfidence(action, segment string, confidence, threshold float64) string {
	return fmt.Sprintf("I need more detail before running `%s` (confidence %.2f is below %.2f). Did you mean `%s` for \"%s\"? Reply yes or no.",
		action, confidence, threshold, action, strings.TrimSpace(segment))
}

// Denied explains a denied or mismatched confirmation.
func Denied(phrase string) string {
	return fmt.Sprintf("Confirmation denied: the reply did not match `%s` exactly.", phrase)
}

// Expired explains an expired ticket.
func Expired(ticketID string) string {
	return fmt.Sprintf("Confirmation ticket %s expired before it was approved. Ask again to get a new ticket.", ticketID)
}

// ClarificationExpired explains an unanswered clarification.
func ClarificationExpired(action string) string {
	return fmt.Sprintf("The question about `%s` went unanswered for too long.", action)
}

// ClarificationDeclined explains a declined clarification.
func ClarificationDeclined(action string) string {
	return fmt.Sprintf("Okay, `%s` was not run.", action)
}

// UnknownAction explains an intent with no registered capability.
func UnknownAction(action string) string {
	return fmt.Sprintf("No module handles `%s`.", action)
}

// PendingConsent is the suggestion for manifests waiting for review.
func PendingConsent(count int, paths []string) string {
	return fmt.Sprintf("[Next] %d consent manifest(s) need review. See %s.", count, strings.Join(paths, ", "))
}

// StaleKnowledge is the suggestion for entries needing refresh.
func StaleKnowledge(concepts []string, path string) string {
	preview := concepts
	if len(preview) > 3 {
		preview = preview[:3]
	}
	return fmt.Sprintf("[Next] Knowledge entries need refresh: %s. Source: %s.", strings.Join(preview, ", "), path)
}

// Backlog is the suggestion for library entries without PDFs.
func Backlog(count int) string {
	return fmt.Sprintf("[Next] %d papers still need PDFs. Run `ingest path-a` or attach manually.", count)
}

// Snapshot closes a suggestion response.
func Snapshot(snapshotID string, generatedAt time.Time, evidence int) string {
	return Success("suggestion.snapshot", snapshotID,
		fmt.Sprintf("Generated at %s with %d evidence reference(s).", generatedAt.UTC().Format(time.RFC3339), evidence))
}

// ErrorMessage is the user-facing line for a request the router could not handle.
func ErrorMessage(code, detail string) string {
	switch code {
	case "INVALID_REQUEST":
		return fmt.Sprintf("I couldn't read that request: %s.", detail)
	case "TICKET_ERROR":
		return fmt.Sprintf("That confirmation could not be applied: %s.", detail)
	case "NO_WORKSPACE":
		return detail
	}
	return "I'm sorry, I encountered an error processing your request. Please try again."
}
