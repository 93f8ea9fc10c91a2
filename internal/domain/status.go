package domain

import (
	"fmt"
	"strings"
)

// Status is the transaction lifecycle state.
type Status string

const (
	StatusInit     Status = "INIT"
	StatusPending  Status = "PENDING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusFraud    Status = "FRAUD"
	StatusRefund   Status = "REFUND"
	StatusRefunded Status = "REFUNDED"
)

var statuses = []Status{
	StatusInit, StatusPending, StatusSuccess, StatusFailed, StatusFraud, StatusRefund, StatusRefunded,
}

// Statuses returns every lifecycle state.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// ParseStatus accepts any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Posted reports whether entries of a transaction in this state count toward balances.
func (s Status) Posted() bool {
	return s == StatusSuccess || s == StatusRefunded
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	for _, t := range lifecycle {
		if t.from == s {
			return false
		}
	}
	return true
}

// IsOutcome reports whether s is a valid downstream outcome for a pending transaction.
func (s Status) IsOutcome() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusFraud
}

// Effect is the persistence side effect attached to a transition.
type Effect uint8

const (
	// EffectNone writes the status only.
	EffectNone Effect = iota
	// EffectPostEntries persists the staged debit/credit pair with the status.
	EffectPostEntries
	// EffectPostReversal persists the reversing pair with the status.
	EffectPostReversal
)

// lifecycle is the full set of legal moves. Success is only left through a refund.
var lifecycle = []struct {
	from, to Status
	effect   Effect
}{
	{StatusInit, StatusPending, EffectPostEntries},
	{StatusPending, StatusSuccess, EffectNone},
	{StatusPending, StatusFailed, EffectNone},
	{StatusPending, StatusFraud, EffectNone},
	{StatusSuccess, StatusRefund, EffectNone},
	{StatusRefund, StatusRefunded, EffectPostReversal},
}

// Transition returns the side effect of moving from -> to, or a *TransitionError.
func Transition(from, to Status) (Effect, error) {
	for _, t := range lifecycle {
		if t.from == from && t.to == to {
			return t.effect, nil
		}
	}
	return EffectNone, IllegalTransition(from, to)
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	_, err := Transition(from, to)
	return err == nil
}

// CheckRefundable returns nil when a refund may start (Success) or resume
// (Refund) from s.
func (s Status) CheckRefundable() error {
	switch s {
	case StatusSuccess, StatusRefund:
		return nil
	case StatusRefunded:
		return ErrAlreadyRefunded
	default:
		return IllegalTransition(s, StatusRefund)
	}
}
