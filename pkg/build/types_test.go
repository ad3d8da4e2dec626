package build

import (
	"reflect"
	"testing"
)

func TestNormalizeSortsAndDedups(t *testing.T) {
	r := Request{
		Vehicle:  "copter",
		Board:    "SPEDIXF405",
		Version:  "stable-4.5",
		Features: []string{"B_FEATURE", "A_FEATURE", "B_FEATURE"},
	}

	n := r.Normalize()
	if !reflect.DeepEqual(n.Features, []string{"A_FEATURE", "B_FEATURE"}) {
		t.Fatalf("unexpected normalized features: %#v", n.Features)
	}
	// The receiver is untouched.
	if !reflect.DeepEqual(r.Features, []string{"B_FEATURE", "A_FEATURE", "B_FEATURE"}) {
		t.Fatalf("normalize mutated the original request: %#v", r.Features)
	}
}

func TestFingerprintStableAcrossOrdering(t *testing.T) {
	a := Request{Vehicle: "copter", Board: "SPEDIXF405", Version: "stable-4.5", Features: []string{"X", "Y"}}
	b := Request{Vehicle: "copter", Board: "SPEDIXF405", Version: "stable-4.5", Features: []string{"Y", "X", "Y"}}

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ for equivalent requests: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}

	c := a
	c.Board = "OtherBoard"
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("fingerprint did not change with board")
	}
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateSuccess, false},
		{StateRunning, StateSuccess, true},
		{StateRunning, StateFailure, true},
		{StateRunning, StateCancelled, true},
		{StateSuccess, StateRunning, false},
		{StateFailure, StateCancelled, false},
		{StateCancelled, StatePending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
