package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartJanitor terminates processes nobody has been connected to for longer than the TTL,
// until ctx is done. It does nothing when the TTL is not positive.
func (p *Pool) StartJanitor(ctx context.Context) {
	if p.cfg.TTL <= 0 {
		zap.S().Infow("idle Rserve processes are kept until shutdown", "ttl", p.cfg.TTL)
		return
	}
	interval := p.cfg.JanitorInterval
	if interval <= 0 || interval > p.cfg.TTL {
		interval = p.cfg.TTL
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				p.sweep(now)
			}
		}
	}()
}

// sweep prunes dead processes and terminates the ones idle since before now-TTL,
// it returns how many were terminated
func (p *Pool) sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	terminated := 0
	for idx := 0; idx < len(p.instances); {
		ins := p.instances[idx]
		s := ins.Session()
		if s == nil {
			idx++
			continue
		}
		since, disconnected := s.DisconnectedAt()
		if !disconnected || now.Sub(since) < p.cfg.TTL {
			idx++
			continue
		}
		zap.S().Infow("terminating idle Rserve process", "instance", ins.ID(), "pid", ins.Pid(), "idle", now.Sub(since))
		p.removeLocked(idx, reasonIdle)
		ins.Terminate(p.cfg.KillGrace)
		terminated++
	}
	return terminated
}
