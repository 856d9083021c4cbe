package device

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps devices to the backends that own their memory.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[Device]Backend
	factory  func(Device) Backend
}

// NewRegistry returns a registry with the CPU backend registered. Devices
// without a registered backend get a host backend labelled with that device.
func NewRegistry() *Registry {
	r := &Registry{
		backends: make(map[Device]Backend),
		factory:  func(d Device) Backend { return NewHostBackend(d) },
	}
	r.backends[CPU] = NewCPUBackend()
	return r
}

// Register installs b for b.Device(), replacing any previous backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Device()] = b
}

// Backend returns the backend for d, creating it on first use.
// Device existence is not validated.
func (r *Registry) Backend(d Device) Backend {
	r.mu.RLock()
	b, ok := r.backends[d]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[d]; ok {
		return b
	}
	b = r.factory(d)
	r.backends[d] = b
	log.Debug().Str("device", d.String()).Str("backend", b.Name()).Msg("Created backend")
	return b
}

// Devices returns the devices with a backend, in no particular order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.backends))
	for d := range r.backends {
		out = append(out, d)
	}
	return out
}
