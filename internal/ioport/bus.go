// Package ioport dispatches x86 port I/O from the simulated CPUs to the
// devices that claimed each port.
package ioport

import (
	"fmt"
	"sort"
	"sync"
)

// Handler serves reads and writes to individual I/O ports.
type Handler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// Device is a Handler that knows which ports it decodes.
type Device interface {
	Handler
	Ports() []uint16
}

// Bus routes each port to exactly one device.
type Bus struct {
	mu      sync.RWMutex
	devices map[string]Device
	ports   map[uint16]string
}

func NewBus() *Bus {
	return &Bus{
		devices: make(map[string]Device),
		ports:   make(map[uint16]string),
	}
}

// Register claims every port of dev. Nothing is registered if any port is
// already taken.
func (b *Bus) Register(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("ioport: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("ioport: device %q is nil", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("ioport: device %q already registered", name)
	}
	ports := dev.Ports()
	for _, port := range ports {
		if owner, exists := b.ports[port]; exists {
			return fmt.Errorf("ioport: device %q: port 0x%x already claimed by %q", name, port, owner)
		}
	}
	for _, port := range ports {
		b.ports[port] = name
	}
	b.devices[name] = dev
	return nil
}

// Handle dispatches one access.
func (b *Bus) Handle(port uint16, data []byte, isWrite bool) error {
	b.mu.RLock()
	name, ok := b.ports[port]
	dev := b.devices[name]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ioport: no handler for port 0x%04x", port)
	}
	if isWrite {
		return dev.WriteIOPort(port, data)
	}
	return dev.ReadIOPort(port, data)
}

// In reads one byte.
func (b *Bus) In(port uint16) (byte, error) {
	var buf [1]byte
	if err := b.Handle(port, buf[:], false); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Out writes one byte.
func (b *Bus) Out(port uint16, v byte) error {
	return b.Handle(port, []byte{v}, true)
}

// Devices lists the registered device names in order.
func (b *Bus) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
