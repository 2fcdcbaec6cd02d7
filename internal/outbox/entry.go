package outbox

import (
	"fmt"
	"slices"
	"time"
)

// Phase is a step in an entry's life. Only Pending and Failed are stored;
// Acked entries are deleted and Requeued is passed through on retry.
type Phase string

const (
	Pending  Phase = "pending"
	Acked    Phase = "acked"
	Failed   Phase = "failed"
	Requeued Phase = "requeued"
)

// validTransitions defines allowed entry transitions.
var validTransitions = map[Phase][]Phase{
	Pending:  {Acked, Failed},
	Failed:   {Requeued},
	Requeued: {Pending},
}

func transition(from, to Phase) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid outbox transition from %s to %s", from, to)
	}
	return nil
}

// Policy bounds delivery retries.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy is used for zero fields of a Policy.
var DefaultPolicy = Policy{
	MaxAttempts: 8,
	BaseBackoff: time.Second,
	MaxBackoff:  5 * time.Minute,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultPolicy.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultPolicy.MaxBackoff
	}
	return p
}

// Backoff returns the wait before the next attempt after attempts failed
// ones: base * 2^(attempts-1), capped at MaxBackoff.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 1 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}
