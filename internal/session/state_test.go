package session

import (
	"strings"
	"testing"
)

// transitionTable mirrors the documented contract. Any change to the machine
// must be reflected here first.
var transitionTable = map[State]map[State]bool{
	StateIdle:        {StateListening: true, StateError: true},
	StateListening:   {StateIdle: true, StateProcessing: true, StateInterrupted: true, StateError: true},
	StateProcessing:  {StateIdle: true, StateSpeaking: true, StateInterrupted: true, StateError: true},
	StateSpeaking:    {StateIdle: true, StateInterrupted: true, StateError: true},
	StateInterrupted: {StateIdle: true, StateListening: true, StateError: true},
	StateError:       {StateIdle: true},
}

var allStates = []State{StateIdle, StateListening, StateProcessing, StateSpeaking, StateInterrupted, StateError}

func TestCanTransition_MatchesTable(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			want := transitionTable[from][to]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransition(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			got, err := Transition(from, to)
			if transitionTable[from][to] {
				if err != nil {
					t.Errorf("Transition(%s, %s): unexpected error %v", from, to, err)
				}
				if got != to {
					t.Errorf("Transition(%s, %s) = %s, want %s", from, to, got, to)
				}
				continue
			}
			if err == nil {
				t.Errorf("Transition(%s, %s): expected an error", from, to)
				continue
			}
			if !strings.Contains(err.Error(), "invalid state transition") {
				t.Errorf("Transition(%s, %s) error = %q, want it to mention the invalid transition", from, to, err)
			}
		}
	}
}

func TestValidNextStates(t *testing.T) {
	for _, from := range allStates {
		next := ValidNextStates(from)
		seen := make(map[State]bool, len(next))
		for _, s := range next {
			seen[s] = true
		}
		for _, to := range allStates {
			if seen[to] != transitionTable[from][to] {
				t.Errorf("ValidNextStates(%s): %s present=%v, want %v", from, to, seen[to], transitionTable[from][to])
			}
		}
	}
}

func TestState_IsValid(t *testing.T) {
	for _, s := range allStates {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("DANCING").IsValid() {
		t.Error("unknown state should be invalid")
	}
}
