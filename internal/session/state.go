// Package session holds the conversation state machine, the session and turn
// records, and the in-memory session store with TTL-based expiry.
//
// The state machine is pure: it has no session handle and no side effects.
// The store is the only caller allowed to apply a transition to stored state,
// via [Store.TransitionState].
package session

import (
	"fmt"
)

// State is one of the six conversation states a session can occupy.
type State string

const (
	StateIdle        State = "IDLE"
	StateListening   State = "LISTENING"
	StateProcessing  State = "PROCESSING"
	StateSpeaking    State = "SPEAKING"
	StateInterrupted State = "INTERRUPTED"
	StateError       State = "ERROR"
)

// IsValid reports whether s is a recognised conversation state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateListening, StateProcessing, StateSpeaking, StateInterrupted, StateError:
		return true
	}
	return false
}

// transitions is the full legal-transition table. Changing it is a contract
// change and requires updating the tests alongside.
var transitions = map[State]map[State]bool{
	StateIdle: {
		StateListening: true,
		StateError:     true,
	},
	StateListening: {
		StateIdle:        true,
		StateProcessing:  true,
		StateInterrupted: true,
		StateError:       true,
	},
	StateProcessing: {
		StateIdle:        true,
		StateSpeaking:    true,
		StateInterrupted: true,
		StateError:       true,
	},
	StateSpeaking: {
		StateIdle:        true,
		StateInterrupted: true,
		StateError:       true,
	},
	StateInterrupted: {
		StateIdle:      true,
		StateListening: true,
		StateError:     true,
	},
	StateError: {
		StateIdle: true,
	},
}

// CanTransition reports whether moving from one state to the other is legal.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Transition returns to if the move is legal, or an error whose message
// contains "invalid state transition" otherwise.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid state transition: %s → %s", from, to)
	}
	return to, nil
}

// ValidNextStates returns every state reachable from the given state. The
// returned slice is freshly allocated; callers may modify it.
func ValidNextStates(from State) []State {
	// Fixed enumeration order keeps the output deterministic for callers
	// and tests.
	all := []State{StateIdle, StateListening, StateProcessing, StateSpeaking, StateInterrupted, StateError}
	var next []State
	for _, to := range all {
		if transitions[from][to] {
			next = append(next, to)
		}
	}
	return next
}
