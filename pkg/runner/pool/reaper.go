package pool

// registerReaper makes sure the processes of the pool die with the host, it
// registers with the exit hooks on first use of the pool
func (p *Pool) registerReaper() {
	p.hookOnce.Do(func() {
		p.hooks.Register("rpool "+p.id, p.reap)
	})
}

// reap runs on exit and closes the pool, nothing started afterwards would be stopped.
// A hard kill of the host skips it, the ledger covers that case.
func (p *Pool) reap() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.forceTerminateAll(reasonShutdown)
}
