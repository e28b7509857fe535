package events

import (
	"errors"
	"testing"
)

func TestCatalog_AllEventNamesDeduplicated(t *testing.T) {
	c := NewCatalog("t",
		Definition{Name: "a.one"},
		Definition{Name: "b.one"},
		Definition{Name: "a.two"},
		Definition{Name: "a.one", Description: "dup"},
	)
	got := c.AllEventNames()
	want := []Name{"a.one", "a.two", "b.one"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if d, _ := c.Lookup("a.one"); d.Description != "" {
		t.Fatalf("first definition should win, got %+v", d)
	}
}

func TestDefaultCatalog_NamesAreConcreteAndUnique(t *testing.T) {
	c := DefaultCatalog()
	seen := map[Name]bool{}
	for _, n := range c.AllEventNames() {
		if err := ValidateConcrete(n); err != nil {
			t.Fatalf("catalog contains invalid name %q: %v", n, err)
		}
		if seen[n] {
			t.Fatalf("duplicate %q", n)
		}
		seen[n] = true
	}
	for _, n := range []Name{PluginEnabled, PaymentSuccess, UserAfterCreate, ModuleToggled} {
		if !seen[n] {
			t.Fatalf("missing %q", n)
		}
	}
	if len(c.Domains()) < 9 {
		t.Fatalf("expected all domains, got %v", c.Domains())
	}
}

func TestCatalog_ValidatePayload(t *testing.T) {
	c := DefaultCatalog()
	ok := []struct {
		name    Name
		payload any
	}{
		{PaymentSuccess, PaymentPayload{Amount: 100}},
		{PaymentSuccess, &PaymentPayload{Amount: 100}},
		{PaymentSuccess, Fields{"amount": 100}},
		{PaymentSuccess, map[string]any{"amount": 100}},
		{PaymentSuccess, nil},
		{"calc.computed", 42},
	}
	for _, c2 := range ok {
		if err := c.ValidatePayload(c2.name, c2.payload); err != nil {
			t.Fatalf("ValidatePayload(%s, %T): %v", c2.name, c2.payload, err)
		}
	}
	if err := c.ValidatePayload(PaymentSuccess, UserPayload{}); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
