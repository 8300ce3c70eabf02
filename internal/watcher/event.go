// Package watcher turns ledger directory activity into bonding checks.
//
// A Source is a cancellable subscription producing ChangeEvents; the
// ThresholdWatcher debounces them per (tier, account) and hands settled
// checks to a callback that must not block.
package watcher

import (
	"context"
	"fmt"
)

// Kind distinguishes change events.
type Kind int

const (
	// KindAccountCreated is a new account directory under a tier.
	KindAccountCreated Kind = iota + 1
	// KindLaneModified is a write to an existing lane file.
	KindLaneModified
)

func (k Kind) String() string {
	switch k {
	case KindAccountCreated:
		return "account_created"
	case KindLaneModified:
		return "lane_modified"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChangeEvent reports activity on one account's ledgers at one tier.
type ChangeEvent struct {
	Tier    string
	Account string
	Kind    Kind

	// Lane is the modified lane for KindLaneModified, -1 otherwise.
	Lane int
}

// key identifies the (tier, account) a check runs for.
func (e ChangeEvent) key() string {
	return e.Tier + "\x00" + e.Account
}

// Source produces change events until ctx is cancelled, then closes the
// channel. Watch may be called again after a subscription ends.
type Source interface {
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}
