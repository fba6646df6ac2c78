package router

import (
	"context"
	"testing"
)

func TestCapSelectorDefaultsToBest(t *testing.T) {
	s := NewCapSelector()
	got, err := s.SelectLayer(context.Background(), "recv", "send", []string{"q", "h", "f"})
	if err != nil {
		t.Fatalf("SelectLayer: %v", err)
	}
	if got != "f" {
		t.Errorf("layer = %q, want f", got)
	}
}

func TestCapSelectorHonorsCap(t *testing.T) {
	s := NewCapSelector()
	s.SetCap("recv", "h")

	got, _ := s.SelectLayer(context.Background(), "recv", "send", []string{"q", "h", "f"})
	if got != "h" {
		t.Errorf("capped layer = %q, want h", got)
	}

	// Other receivers are unaffected.
	got, _ = s.SelectLayer(context.Background(), "other", "send", []string{"q", "h", "f"})
	if got != "f" {
		t.Errorf("uncapped layer = %q, want f", got)
	}

	s.ClearCap("recv")
	got, _ = s.SelectLayer(context.Background(), "recv", "send", []string{"q", "h", "f"})
	if got != "f" {
		t.Errorf("cleared layer = %q, want f", got)
	}
}

func TestCapSelectorFallsBackWhenCapBelowOffer(t *testing.T) {
	s := NewCapSelector()
	s.SetCap("recv", "q")

	// Only higher layers on offer: degrade to the cheapest rather than none.
	got, _ := s.SelectLayer(context.Background(), "recv", "send", []string{"h", "f"})
	if got != "h" {
		t.Errorf("layer = %q, want h", got)
	}
}
