// Package lifecycle runs cleanup callbacks when the hosting process exits.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Default is the process-wide set of exit hooks
var Default = NewHooks()

type hook struct {
	name string
	fn   func()
}

// Hooks is a set of callbacks invoked exactly once on exit, in reverse registration order
type Hooks struct {
	mu    sync.Mutex
	hooks []hook
	ran   bool
	once  sync.Once
	exit  func(code int)
}

func NewHooks() *Hooks {
	return &Hooks{exit: os.Exit}
}

// Register adds fn. Once the hooks have run, fn is invoked right away instead,
// the process is on its way out and nothing would call it later.
func (h *Hooks) Register(name string, fn func()) {
	h.mu.Lock()
	if !h.ran {
		h.hooks = append(h.hooks, hook{name: name, fn: fn})
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	call(hook{name: name, fn: fn})
}

// Len returns the number of registered hooks
func (h *Hooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run invokes every hook, later calls do nothing
func (h *Hooks) Run() {
	h.once.Do(func() {
		h.mu.Lock()
		h.ran = true
		hooks := h.hooks
		h.hooks = nil
		h.mu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			call(hooks[i])
		}
	})
}

func call(hk hook) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorw("exit hook panicked", "hook", hk.name, "panic", r)
		}
	}()
	zap.S().Debugw("running exit hook", "hook", hk.name)
	hk.fn()
}

// HandleSignals runs the hooks and exits when one of sigs arrives, SIGINT and SIGTERM by default.
// The returned function stops listening.
func (h *Hooks) HandleSignals(sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)
	go func() {
		select {
		case sig := <-ch:
			zap.S().Infow("signal received, running exit hooks", "signal", sig)
			h.Run()
			h.exit(1)
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
