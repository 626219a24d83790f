package agent

// MaxRetries is the retry ceiling per turn: one initial generation
// attempt plus at most this many re-generations.
const MaxRetries = 2

// Decision is the outcome of the recovery policy.
type Decision int

const (
	// DecisionRetry re-enters Generate with the error folded into context.
	DecisionRetry Decision = iota
	// DecisionTerminal ends the turn with a persisted error message.
	DecisionTerminal
)

// Decide is the pure recovery policy: given the failure kind and how
// many retries have already been consumed, decide whether the turn is
// retried or terminal. Kept separate from the state machine wiring so
// the retry semantics are testable on their own.
func Decide(kind Kind, attempts int) Decision {
	switch kind {
	case KindGeneration, KindValidation, KindExecution:
		if attempts < MaxRetries {
			return DecisionRetry
		}
		return DecisionTerminal
	default:
		// Persistence and unknown-session failures are reported
		// immediately; retrying a failed write risks duplicate history.
		return DecisionTerminal
	}
}
