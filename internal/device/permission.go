package device

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Capability is an operating-system permission a radio operation needs.
type Capability string

const (
	CapabilityScan    Capability = "scan"
	CapabilityConnect Capability = "connect"
)

// PermissionGate is consulted synchronously before any radio operation.
type PermissionGate interface {
	Granted(c Capability) bool
}

// PermissionFunc adapts a plain function to PermissionGate.
type PermissionFunc func(c Capability) bool

func (f PermissionFunc) Granted(c Capability) bool { return f(c) }

// AllowAll grants every capability.
var AllowAll PermissionGate = PermissionFunc(func(Capability) bool { return true })

// StaticGate holds an explicit grant set that can be changed at runtime.
type StaticGate struct {
	mu      sync.RWMutex
	granted map[Capability]bool
}

// NewStaticGate creates a gate granting exactly the listed capabilities.
func NewStaticGate(granted ...Capability) *StaticGate {
	g := &StaticGate{granted: make(map[Capability]bool, len(granted))}
	for _, c := range granted {
		g.granted[c] = true
	}
	return g
}

func (g *StaticGate) Granted(c Capability) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.granted[c]
}

// Grant adds a capability.
func (g *StaticGate) Grant(c Capability) {
	g.mu.Lock()
	g.granted[c] = true
	g.mu.Unlock()
}

// Revoke removes a capability.
func (g *StaticGate) Revoke(c Capability) {
	g.mu.Lock()
	delete(g.granted, c)
	g.mu.Unlock()
}

type loggedGate struct {
	gate   PermissionGate
	logger *logrus.Entry
}

// NewLoggedGate wraps a gate so that every denial is logged. A nil gate behaves as AllowAll.
func NewLoggedGate(gate PermissionGate, logger *logrus.Logger) PermissionGate {
	if gate == nil {
		gate = AllowAll
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &loggedGate{gate: gate, logger: logger.WithField("component", "permission")}
}

func (g *loggedGate) Granted(c Capability) bool {
	if g.gate.Granted(c) {
		return true
	}
	g.logger.WithField("capability", string(c)).Warn("Permission denied")
	return false
}
