package engine

import (
	"fmt"

	"pulseline/internal/domain"
)

// NoEligibleBotsError is recorded in a plan when no bot could take an
// engagement type. It never fails the plan.
type NoEligibleBotsError struct {
	Type domain.EngagementType
}

func (e NoEligibleBotsError) Error() string {
	return fmt.Sprintf("no eligible bots for %s", e.Type)
}

// ActionExecutionError wraps a platform action failure or timeout.
type ActionExecutionError struct {
	Reason string
	Err    error
}

func (e ActionExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("action failed (%s)", e.Reason)
}

func (e ActionExecutionError) Unwrap() error { return e.Err }

// QuotaExceededError means the bot has no remaining daily quota.
type QuotaExceededError struct {
	BotID string
}

func (e QuotaExceededError) Error() string {
	return fmt.Sprintf("bot %s exceeded its daily engagement limit", e.BotID)
}

// TransitionError rejects an intent status change outside the state machine.
type TransitionError struct {
	From, To domain.IntentStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid intent transition %s -> %s", e.From, e.To)
}

// Skip and failure reasons written to intent metadata.
const (
	ReasonBotMissing    = "bot_missing"
	ReasonBotInactive   = "bot_inactive"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonDuplicate     = "duplicate_target"
	ReasonClaimExpired  = "claim_expired"
	ReasonTimeout       = "timeout"
	ReasonActionError   = "action_error"
	ReasonRejected      = "rejected"
	ReasonCanceled      = "canceled"
)

func ensureIntentTransition(from, to domain.IntentStatus) error {
	if from.Due() && (to == domain.StatusExecuted || to == domain.StatusFailed || to == domain.StatusSkipped) {
		return nil
	}
	return TransitionError{From: from, To: to}
}
