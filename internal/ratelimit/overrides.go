package ratelimit

import "sync"

// PolicySource yields the policy to apply right now. Implementations may
// re-read live-reloaded configuration on every call.
type PolicySource func() Policy

// StaticPolicy adapts a fixed policy to the PolicySource contract.
func StaticPolicy(p Policy) PolicySource {
	return func() Policy { return p }
}

// Overrides holds the reloadable ingress and per-channel policies. The config
// watcher swaps them in place; gates read through the method values.
type Overrides struct {
	mu       sync.RWMutex
	ingress  Policy
	channels Policy
}

func NewOverrides(ingress, channels Policy) *Overrides {
	return &Overrides{ingress: ingress, channels: channels}
}

func (o *Overrides) Ingress() Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ingress
}

func (o *Overrides) Channels() Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.channels
}

func (o *Overrides) Update(ingress, channels Policy) {
	o.mu.Lock()
	o.ingress = ingress
	o.channels = channels
	o.mu.Unlock()
}
