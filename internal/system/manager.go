// Package system provides the lifecycle-managed Service contract and a
// Manager that starts and stops registered services deterministically.
package system

import (
	"context"
	"fmt"
)

// Service represents a lifecycle-managed background component (the batch
// sealing ticker, the processing-row janitor, the HTTP server). All such
// components must implement this interface so Manager can start and stop
// them in a fixed order.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager owns the set of registered services and coordinates their
// lifecycle. Services start in registration order and stop in reverse order.
type Manager struct {
	services []Service
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the managed set. Must be called before Start.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("system: cannot register a nil service")
	}
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("system: service %q already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service in registration order, stopping
// already-started services and returning the first error encountered.
func (m *Manager) Start(ctx context.Context) error {
	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.services[j].Stop(ctx)
			}
			return fmt.Errorf("system: start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop stops every registered service in reverse registration order,
// collecting (not short-circuiting on) individual errors.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("system: stop %s: %w", m.services[i].Name(), err)
		}
	}
	return firstErr
}
