package model

import "testing"

func TestNewPairKeyCanonical(t *testing.T) {
	k1 := NewPairKey("SAT-B", "SAT-A")
	k2 := NewPairKey("SAT-A", "SAT-B")
	if k1 != k2 {
		t.Fatalf("NewPairKey not canonical: %v vs %v", k1, k2)
	}
	if k1.A != "SAT-A" || k1.B != "SAT-B" {
		t.Fatalf("NewPairKey = %+v, want A=SAT-A B=SAT-B", k1)
	}
}

func TestPairKeyResponderIsSmallerID(t *testing.T) {
	cases := []struct {
		x, y string
		want string
	}{
		{"SAT2", "SAT1", "SAT1"},
		{"SAT1", "SAT2", "SAT1"},
		{"ISS", "HST", "HST"},
		{"b", "a", "a"},
	}
	for _, tc := range cases {
		for range 3 {
			if got := NewPairKey(tc.x, tc.y).Responder(); got != tc.want {
				t.Fatalf("Responder(%s,%s) = %s, want %s", tc.x, tc.y, got, tc.want)
			}
		}
	}
}

func TestPairKeyOther(t *testing.T) {
	k := NewPairKey("a", "b")
	if k.Other("a") != "b" || k.Other("b") != "a" {
		t.Fatalf("Other mismatch for %v", k)
	}
	if !k.Contains("a") || k.Contains("c") {
		t.Fatalf("Contains mismatch for %v", k)
	}
}

func TestMessageBefore(t *testing.T) {
	alert := Message{Priority: PriorityAlert, Seq: 5}
	telemetry := Message{Priority: PriorityTelemetry, Seq: 1}
	if !alert.Before(telemetry) {
		t.Fatalf("alert should be ordered before earlier telemetry")
	}
	first := Message{Priority: PriorityTelemetry, Seq: 1}
	second := Message{Priority: PriorityTelemetry, Seq: 2}
	if !first.Before(second) || second.Before(first) {
		t.Fatalf("equal priorities must keep arrival order")
	}
}

func TestParseMitigationMode(t *testing.T) {
	if m, err := ParseMitigationMode("maneuver"); err != nil || m != ModeManeuver {
		t.Fatalf("ParseMitigationMode(maneuver) = %v, %v", m, err)
	}
	if m, err := ParseMitigationMode("pause"); err != nil || m != ModePause {
		t.Fatalf("ParseMitigationMode(pause) = %v, %v", m, err)
	}
	if _, err := ParseMitigationMode("warp"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if ModeManeuver.State() != StateManeuvering || ModePause.State() != StatePaused {
		t.Fatalf("mode to state mapping wrong")
	}
}
