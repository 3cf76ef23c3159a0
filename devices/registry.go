// Package devices keeps what the engine knows about the attached equipment:
// which devices exist, whether they take a zone mask in one command and the
// last reported state of each. It also provides a scripted simulator that
// stands in for the serial link.
package devices

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrDeviceNotFound is returned for an unknown device name.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceExists is returned when registering a name twice.
	ErrDeviceExists = errors.New("device already registered")
)

// Device describes one piece of equipment.
type Device struct {
	Name        string `mapstructure:"name" json:"name" yaml:"name"`
	AcceptsMask bool   `mapstructure:"accepts_mask" json:"accepts_mask" yaml:"accepts_mask"`
	State       string `mapstructure:"state" json:"state" yaml:"state"`
}

// Registry is a concurrency-safe device table. It satisfies
// zones.Capabilities and the device-state lookups used by validation and
// predicate evaluation.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRegistry creates a registry holding devs. Later duplicates overwrite
// earlier ones.
func NewRegistry(devs ...Device) *Registry {
	r := &Registry{devices: make(map[string]Device, len(devs))}
	for _, d := range devs {
		r.devices[d.Name] = d
	}
	return r
}

// Register adds a device.
func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Name]; ok {
		return ErrDeviceExists
	}
	r.devices[d.Name] = d
	return nil
}

// Get returns a device by name.
func (r *Registry) Get(name string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

// AcceptsZoneMask reports whether device takes all its zones in one command.
// Unknown devices get one command per zone.
func (r *Registry) AcceptsZoneMask(device string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[device].AcceptsMask
}

// DeviceState returns the last reported state of device.
func (r *Registry) DeviceState(device string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[device]
	if !ok {
		return "", false
	}
	return d.State, true
}

// SetState records a new state for device.
func (r *Registry) SetState(device, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[device]
	if !ok {
		return ErrDeviceNotFound
	}
	d.State = state
	r.devices[device] = d
	return nil
}

// Names lists registered devices in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for name := range r.devices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
