package pool

import (
	"github.com/tass-io/rpool/pkg/lifecycle"
	"github.com/tass-io/rpool/pkg/runner/instance"
	"github.com/tass-io/rpool/pkg/runner/ledger"
)

type Option func(*Pool)

// WithLauncher replaces the process launcher of the host platform
func WithLauncher(l instance.Launcher) Option {
	return func(p *Pool) {
		p.launcher = l
	}
}

// WithHooks registers the shutdown reaper with h instead of lifecycle.Default
func WithHooks(h *lifecycle.Hooks) Option {
	return func(p *Pool) {
		p.hooks = h
	}
}

// WithLedger records every launched server in l
func WithLedger(l *ledger.Ledger) Option {
	return func(p *Pool) {
		p.ledger = l
	}
}

// WithPortAllocator replaces port.Allocate
func WithPortAllocator(allocate func() (int, error)) Option {
	return func(p *Pool) {
		p.allocate = allocate
	}
}
