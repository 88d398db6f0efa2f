package processor

// Decision is the outcome of the retry policy for one failed attempt.
type Decision int

const (
	// DecisionRetry requeues the message for another attempt.
	DecisionRetry Decision = iota
	// DecisionDeadLetter moves the message to the dead-letter table.
	DecisionDeadLetter
)

// RetryPolicy bounds how many times a message may be attempted before it
// is dead-lettered. The budget applies across restarts because the
// attempts counter lives in the message payload, not in memory.
type RetryPolicy struct {
	MaxAttempts int
}

// DefaultMaxAttempts is the retry budget when none is configured.
const DefaultMaxAttempts = 3

// Decide returns what to do after a failed attempt. attemptNo is the
// 1-based number of the attempt that just failed. permanent short-circuits
// the budget for failures that cannot succeed on retry.
func (p RetryPolicy) Decide(attemptNo int, permanent bool) Decision {
	if permanent {
		return DecisionDeadLetter
	}
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if attemptNo >= max {
		return DecisionDeadLetter
	}
	return DecisionRetry
}
