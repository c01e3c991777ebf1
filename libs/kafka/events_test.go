package kafka

import "testing"

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("exchange.deposited", 1, "req-1")
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if env.CorrelationID != "req-1" {
		t.Errorf("correlation id = %s, want req-1", env.CorrelationID)
	}

	if _, err := NewEnvelope("", 1, ""); err == nil {
		t.Error("expected error for empty event type")
	}
	if _, err := NewEnvelope("x", 0, ""); err == nil {
		t.Error("expected error for zero version")
	}
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID("credit", "tr-1")
	b := DeterministicEventID("credit", "tr-1")
	c := DeterministicEventID("credit", "tr-2")

	if a != b {
		t.Errorf("same parts produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different parts produced the same id")
	}
}
