package policy

import (
	"fmt"
	"slices"
)

// RoomPolicy is one named room profile: capacity and feature gates, defined
// in YAML and selectable at room creation. Every field is enforced at the
// API surface; epoch timing stays a service-level tunable.
type RoomPolicy struct {
	Name             string   `yaml:"name"`
	MaxMembers       int      `yaml:"max_members"`
	RecordingAllowed bool     `yaml:"recording_allowed"`
	BreakoutsAllowed bool     `yaml:"breakouts_allowed"`
	SimulcastLayers  []string `yaml:"simulcast_layers"`
}

// Validate checks the policy for usable values.
func (p *RoomPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	if p.MaxMembers <= 0 {
		return fmt.Errorf("policy %q: max_members must be positive", p.Name)
	}
	for _, l := range p.SimulcastLayers {
		switch l {
		case "q", "h", "f":
		default:
			return fmt.Errorf("policy %q: unknown simulcast layer %q", p.Name, l)
		}
	}
	return nil
}

// AllowsLayer reports whether receivers under this policy may be served the
// given simulcast layer. An empty simulcast_layers list allows every layer.
func (p *RoomPolicy) AllowsLayer(layer string) bool {
	if len(p.SimulcastLayers) == 0 {
		return true
	}
	return slices.Contains(p.SimulcastLayers, layer)
}
