// Package host is the surface a host application sees when it loads the
// tunnel engine: a read-only panel descriptor, a settings schema with
// validated values, and a stream of connection status frames.
package host

import "github.com/pzverkov/pqtunnel/pkg/version"

// Capability is a feature the panel offers the host.
type Capability string

const (
	CapabilityConfiguration Capability = "configuration"
	CapabilityStreaming     Capability = "streaming"
	CapabilityDashboard     Capability = "dashboard"
)

// Category groups panels in the host UI.
type Category string

const CategorySecurity Category = "security"

// Descriptor is queried by the host at load time.
type Descriptor struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Version      string       `json:"version" yaml:"version"`
	Category     Category     `json:"category" yaml:"category"`
	Icon         string       `json:"icon,omitempty" yaml:"icon,omitempty"`
	Priority     int          `json:"priority" yaml:"priority"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// Describe returns the panel descriptor.
func Describe() Descriptor {
	return Descriptor{
		ID:       version.Name,
		Name:     "VPN & Tunnels",
		Version:  version.String(),
		Category: CategorySecurity,
		Icon:     "\ue839", // shield with lock
		Priority: 10,
		Capabilities: []Capability{
			CapabilityConfiguration,
			CapabilityStreaming,
			CapabilityDashboard,
		},
	}
}

// Has reports whether d lists c.
func (d Descriptor) Has(c Capability) bool {
	for _, got := range d.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}
