package engine

import "sync"

// State is the bonding state of one (account, tier).
//
//	Idle → Checking → Bonding → Validating → Promoting → Idle
//	              └→ Idle (insufficient atoms, or any failure)
type State int

const (
	StateIdle State = iota
	StateChecking
	StateBonding
	StateValidating
	StatePromoting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateBonding:
		return "bonding"
	case StateValidating:
		return "validating"
	case StatePromoting:
		return "promoting"
	default:
		return "unknown"
	}
}

// StateObserver is told about every state transition.
// It runs with the (account, tier) lock held and must not call back into
// the engine.
type StateObserver func(account, tier string, from, to State)

// stateTable tracks non-idle (account, tier) pairs.
type stateTable struct {
	mu       sync.Mutex
	states   map[string]State
	observer StateObserver
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]State)}
}

func (t *stateTable) get(account, tier string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[ledgerLockKey(account, tier)]
}

func (t *stateTable) set(account, tier string, to State) {
	key := ledgerLockKey(account, tier)

	t.mu.Lock()
	from := t.states[key]
	if to == StateIdle {
		delete(t.states, key)
	} else {
		t.states[key] = to
	}
	observer := t.observer
	t.mu.Unlock()

	if observer != nil && from != to {
		observer(account, tier, from, to)
	}
}
