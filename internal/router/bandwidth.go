package router

import (
	"context"
	"sync"
	"time"
)

// LayerSelector is the bandwidth-estimation collaborator. The router asks it
// which simulcast layer to forward to a receiver right now; it must answer
// within the configured budget or the router falls back to the lowest layer.
type LayerSelector interface {
	SelectLayer(ctx context.Context, receiverID, senderID string, layers []string) (string, error)
}

// LayerSelectorFunc adapts a function to the LayerSelector interface.
type LayerSelectorFunc func(ctx context.Context, receiverID, senderID string, layers []string) (string, error)

func (f LayerSelectorFunc) SelectLayer(ctx context.Context, receiverID, senderID string, layers []string) (string, error) {
	return f(ctx, receiverID, senderID, layers)
}

// CapSelector picks the highest offered layer at or below a per-receiver
// quality cap. Receivers without a cap get the best layer on offer. Caps are
// reported by clients through the API as their downlink conditions change.
type CapSelector struct {
	caps sync.Map // receiverID -> layer
}

func NewCapSelector() *CapSelector { return &CapSelector{} }

// SetCap limits the receiver to the given layer.
func (s *CapSelector) SetCap(receiverID, layer string) {
	s.caps.Store(receiverID, layer)
}

// ClearCap removes the receiver's limit.
func (s *CapSelector) ClearCap(receiverID string) {
	s.caps.Delete(receiverID)
}

func (s *CapSelector) SelectLayer(_ context.Context, receiverID, _ string, layers []string) (string, error) {
	maxRank := layerRank["f"]
	if v, ok := s.caps.Load(receiverID); ok {
		maxRank = layerRank[v.(string)]
	}
	best, bestRank := "", -1
	for _, l := range layers {
		if r := layerRank[l]; r <= maxRank && r > bestRank {
			best, bestRank = l, r
		}
	}
	if best == "" {
		return lowestLayer(layers), nil
	}
	return best, nil
}

// layerRank orders simulcast layers from lowest to highest quality.
var layerRank = map[string]int{"q": 0, "h": 1, "f": 2}

// lowestLayer returns the cheapest of the known layers, the safe default when
// the estimator is unavailable or over budget.
func lowestLayer(layers []string) string {
	if len(layers) == 0 {
		return ""
	}
	best := layers[0]
	for _, l := range layers[1:] {
		if layerRank[l] < layerRank[best] {
			best = l
		}
	}
	return best
}

// selectLayerWithBudget queries the selector under a deadline. Timeouts,
// errors, and answers outside the offered set all degrade to the lowest
// layer rather than stalling forwarding.
func selectLayerWithBudget(ctx context.Context, sel LayerSelector, budget time.Duration, receiverID, senderID string, layers []string) string {
	if sel == nil || len(layers) == 1 {
		return lowestLayer(layers)
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		layer string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		layer, err := sel.SelectLayer(ctx, receiverID, senderID, layers)
		ch <- result{layer, err}
	}()

	select {
	case <-ctx.Done():
		return lowestLayer(layers)
	case res := <-ch:
		if res.err != nil {
			return lowestLayer(layers)
		}
		for _, l := range layers {
			if l == res.layer {
				return res.layer
			}
		}
		return lowestLayer(layers)
	}
}
