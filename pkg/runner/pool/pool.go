// Package pool hands out connections to Rserve processes it starts on demand.
//
// A process is reused once the client that last connected to it has disconnected, every
// connection gets a fresh workspace. Processes are stopped when their session is terminated,
// when they stay idle longer than the TTL and when the host process exits. Once the exit
// hooks ran the pool is closed for good.
package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/opentracing/opentracing-go"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/tass-io/rpool/pkg/lifecycle"
	"github.com/tass-io/rpool/pkg/prom"
	"github.com/tass-io/rpool/pkg/rhome"
	"github.com/tass-io/rpool/pkg/runner/instance"
	"github.com/tass-io/rpool/pkg/runner/ledger"
	"github.com/tass-io/rpool/pkg/runner/port"
	"github.com/tass-io/rpool/pkg/tools/errorutils"
	"go.uber.org/zap"
)

// termination reasons, used as metric label
const (
	reasonTerminated = "terminated"
	reasonExited     = "exited"
	reasonReuse      = "reuse_failed"
	reasonIdle       = "idle"
	reasonAll        = "terminate_all"
	reasonShutdown   = "shutdown"
	reasonSingleUse  = "single_use"
)

// Pool owns every Rserve process it launched. All registry changes happen under one lock,
// so at most one process is started at a time.
type Pool struct {
	id       string
	provider rhome.Provider
	cfg      Config
	launcher instance.Launcher
	allocate func() (int, error)
	hooks    *lifecycle.Hooks
	hookOnce sync.Once
	ledger   *ledger.Ledger

	mu        sync.Mutex
	instances []*instance.Instance
	// retiring holds busy processes TerminateAll stops once their client disconnects
	retiring map[*instance.Instance]bool
	closed   bool
	tempDir  string
}

// InstanceStatus describes one registered process
type InstanceStatus struct {
	ID        string    `json:"id"`
	Pid       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Alive     bool      `json:"alive"`
	Connected bool      `json:"connected"`
	Retiring  bool      `json:"retiring"`
	StartedAt time.Time `json:"startedAt"`
	// RSS is the resident memory in bytes, zero when it could not be read
	RSS uint64 `json:"rss"`
}

func New(provider rhome.Provider, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		id:       xid.New().String(),
		provider: provider,
		cfg:      cfg,
		launcher: instance.NewProcessLauncher(),
		allocate: port.Allocate,
		hooks:    lifecycle.Default,
		retiring: make(map[*instance.Instance]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.Host == "" {
		p.cfg.Host = defaultHost
	}
	if p.cfg.ConnectTimeout <= 0 {
		p.cfg.ConnectTimeout = defaultConnectTimeout
	}
	if p.cfg.ConnectAttempts == 0 {
		p.cfg.ConnectAttempts = defaultConnectAttempts
	}
	if p.cfg.MaxInBufMB <= 0 {
		p.cfg.MaxInBufMB = defaultMaxInBufMB
	}
	return p
}

func (p *Pool) Provider() rhome.Provider {
	return p.provider
}

// CreateConnection returns a Session on an idle process, or on a newly started one when
// every process is in use. ctx bounds dialing and the wait for a new server, waiting for
// the pool lock is not cancellable. A pool whose exit hooks already ran fails with ErrShutdown.
func (p *Pool) CreateConnection(ctx context.Context) (*instance.Session, error) {
	p.registerReaper()
	span, ctx := opentracing.StartSpanFromContext(ctx, "rpool.CreateConnection")
	defer span.Finish()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errorutils.NewRserveUnavailableError(p.cfg.Host, 0, errorutils.ErrShutdown)
	}
	p.pruneLocked()
	for idx := 0; idx < len(p.instances); {
		ins := p.instances[idx]
		if !ins.Reusable() || p.retiring[ins] {
			idx++
			continue
		}
		if p.cfg.SingleUse && ins.Session() != nil {
			zap.S().Debugw("Rserve process served its session, replacing it", "instance", ins.ID(), "pid", ins.Pid())
			p.removeLocked(idx, reasonSingleUse)
			ins.Terminate(p.cfg.KillGrace)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errorutils.NewRserveUnavailableError(ins.Host(), ins.Port(), err)
		}
		s, err := ins.CreateSession(ctx)
		if err == nil {
			prom.Reuses.Inc()
			span.SetTag("reused", true)
			span.SetTag("port", ins.Port())
			zap.S().Debugw("reusing Rserve process", "instance", ins.ID(), "pid", ins.Pid(), "port", ins.Port(), "session", s.ID())
			return s, nil
		}
		if ctx.Err() != nil {
			// the caller gave up, the process is not to blame
			return nil, errorutils.NewRserveUnavailableError(ins.Host(), ins.Port(), err)
		}
		zap.S().Warnw("idle Rserve process refused a connection, replacing it", "instance", ins.ID(), "pid", ins.Pid(), "err", err)
		p.removeLocked(idx, reasonReuse)
		ins.Terminate(p.cfg.KillGrace)
	}

	span.SetTag("reused", false)
	s, err := p.launchLocked(ctx)
	if err != nil {
		span.SetTag("error", true)
		span.LogKV("event", "launch failed", "err", err.Error())
		return nil, err
	}
	span.SetTag("port", s.Port())
	return s, nil
}

// launchLocked starts a server on a fresh port, connects and registers it
func (p *Pool) launchLocked(ctx context.Context) (*instance.Session, error) {
	start := time.Now()
	fail := func(port int, err error) (*instance.Session, error) {
		prom.LaunchFailures.Inc()
		zap.S().Errorw("failed to provide an Rserve process", "host", p.cfg.Host, "port", port, "err", err)
		return nil, errorutils.NewRserveUnavailableError(p.cfg.Host, port, err)
	}

	port, err := p.allocate()
	if err != nil {
		return fail(0, err)
	}
	args, err := p.serverArgsLocked()
	if err != nil {
		return fail(port, err)
	}
	ins, err := p.launcher.Launch(instance.LaunchOptions{
		Provider: p.provider,
		Host:     p.cfg.Host,
		Port:     port,
		Args:     args,
		Env:      p.cfg.Env,
		TempDir:  p.tempDir,
		Debug:    p.cfg.Debug,
	})
	if err != nil {
		return fail(port, err)
	}
	s, err := p.connect(ctx, ins)
	if err != nil {
		ins.Terminate(p.cfg.KillGrace)
		return fail(port, err)
	}

	p.instances = append(p.instances, ins)
	prom.Instances.Set(float64(len(p.instances)))
	prom.Launches.Inc()
	prom.LaunchDuration.Observe(time.Since(start).Seconds())
	p.record(ins)
	zap.S().Infow("Rserve process ready", "instance", ins.ID(), "pid", ins.Pid(), "port", port,
		"session", s.ID(), "elapsed", time.Since(start))
	return s, nil
}

// connect retries with exponential backoff until the server accepts, it gives up
// early once the process died
func (p *Pool) connect(ctx context.Context, ins *instance.Instance) (*instance.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	var s *instance.Session
	err := retry.Do(
		func() error {
			var err error
			s, err = ins.CreateSession(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(p.cfg.ConnectAttempts),
		retry.Delay(firstConnectDelay),
		retry.MaxDelay(maxConnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ins.Alive()
		}),
		retry.OnRetry(func(n uint, err error) {
			zap.S().Debugw("Rserve not reachable yet", "port", ins.Port(), "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		if !ins.Alive() {
			return nil, fmt.Errorf("Rserve process exited during startup (%v): %w", ins.ExitErr(), err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}
	return s, nil
}

// serverArgsLocked writes Rserve.conf on first use and returns the arguments following --RS-host
func (p *Pool) serverArgsLocked() ([]string, error) {
	if p.tempDir == "" {
		dir := p.cfg.TempDir
		if dir == "" {
			var err error
			if dir, err = os.MkdirTemp("", "rpool-r-tmp"); err != nil {
				return nil, fmt.Errorf("create temp dir: %w", err)
			}
		}
		p.tempDir = dir
	}
	if len(p.cfg.Args) > 0 {
		return p.cfg.Args, nil
	}
	conf, err := instance.WriteConfig(p.tempDir, p.cfg.MaxInBufMB, p.cfg.Headless)
	if err != nil {
		return nil, fmt.Errorf("write Rserve config: %w", err)
	}
	return []string{"--RS-conf", conf, "--vanilla"}, nil
}

// Terminate stops the process the Session belongs to. A Session that is no longer the
// current one of any process is ignored.
func (p *Pool) Terminate(s *instance.Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, ins := range p.instances {
		if ins.Session() == s {
			p.removeLocked(idx, reasonTerminated)
			ins.Terminate(p.cfg.KillGrace)
			return
		}
	}
	zap.S().Debugw("terminate of unknown session ignored", "session", s.ID())
}

// TerminateAll stops every idle process of the pool right away. A process somebody is
// still connected to is no longer handed out and stopped as soon as its client disconnects.
// The pool stays usable, it returns how many processes were stopped and how many are retiring.
func (p *Pool) TerminateAll() (terminated, retiring int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var victims []*instance.Instance
	for idx := 0; idx < len(p.instances); {
		ins := p.instances[idx]
		s := ins.Session()
		if s == nil || !s.IsConnected() {
			p.removeLocked(idx, reasonAll)
			victims = append(victims, ins)
			continue
		}
		if !p.retiring[ins] {
			p.retiring[ins] = true
			go p.retireOnDisconnect(ins, s)
		}
		retiring++
		idx++
	}
	if len(victims) > 0 || retiring > 0 {
		zap.S().Infow("terminating Rserve processes", "count", len(victims), "retiring", retiring)
	}
	p.terminateEach(victims)
	return len(victims), retiring
}

// retireOnDisconnect stops ins once s is gone, unless it left the pool in the meantime
func (p *Pool) retireOnDisconnect(ins *instance.Instance, s *instance.Session) {
	<-s.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, registered := range p.instances {
		if registered == ins {
			zap.S().Infow("client disconnected, terminating retired Rserve process", "instance", ins.ID(), "pid", ins.Pid())
			p.removeLocked(idx, reasonAll)
			ins.Terminate(p.cfg.KillGrace)
			return
		}
	}
}

// ForceTerminateAll stops every process of the pool at once, connected clients lose
// their server. The pool stays usable.
func (p *Pool) ForceTerminateAll() {
	p.forceTerminateAll(reasonAll)
}

func (p *Pool) forceTerminateAll(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	victims := p.instances
	p.instances = nil
	p.retiring = make(map[*instance.Instance]bool)
	prom.Instances.Set(0)
	for _, ins := range victims {
		p.forget(ins, reason)
	}
	if len(victims) > 0 {
		zap.S().Infow("terminating Rserve processes", "count", len(victims), "reason", reason)
	}
	p.terminateEach(victims)
}

func (p *Pool) terminateEach(victims []*instance.Instance) {
	var wg sync.WaitGroup
	for _, ins := range victims {
		wg.Add(1)
		go func(ins *instance.Instance) {
			defer wg.Done()
			ins.Terminate(p.cfg.KillGrace)
		}(ins)
	}
	wg.Wait()
}

// RunningProcesses returns the processes of the pool that are still alive
func (p *Pool) RunningProcesses() []*os.Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	procs := make([]*os.Process, 0, len(p.instances))
	for _, ins := range p.instances {
		if ins.Alive() {
			procs = append(procs, ins.Process())
		}
	}
	return procs
}

// Len returns the number of registered processes, dead ones not pruned yet included
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

func (p *Pool) Snapshot() []InstanceStatus {
	p.mu.Lock()
	instances := append([]*instance.Instance(nil), p.instances...)
	retiring := make(map[*instance.Instance]bool, len(p.retiring))
	for ins := range p.retiring {
		retiring[ins] = true
	}
	p.mu.Unlock()

	statuses := make([]InstanceStatus, 0, len(instances))
	for _, ins := range instances {
		status := InstanceStatus{
			ID:        ins.ID(),
			Pid:       ins.Pid(),
			Host:      ins.Host(),
			Port:      ins.Port(),
			Alive:     ins.Alive(),
			Connected: !ins.Reusable(),
			Retiring:  retiring[ins],
			StartedAt: ins.StartedAt(),
		}
		if status.Alive {
			status.RSS = rss(status.Pid)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func rss(pid int) uint64 {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}

// pruneLocked drops processes that died on their own
func (p *Pool) pruneLocked() {
	for idx := 0; idx < len(p.instances); {
		ins := p.instances[idx]
		if ins.Alive() {
			idx++
			continue
		}
		zap.S().Infow("pruning exited Rserve process", "instance", ins.ID(), "pid", ins.Pid(), "err", ins.ExitErr())
		p.removeLocked(idx, reasonExited)
	}
}

func (p *Pool) removeLocked(idx int, reason string) {
	ins := p.instances[idx]
	p.instances = append(p.instances[:idx], p.instances[idx+1:]...)
	delete(p.retiring, ins)
	prom.Instances.Set(float64(len(p.instances)))
	p.forget(ins, reason)
}

func (p *Pool) record(ins *instance.Instance) {
	if p.ledger == nil {
		return
	}
	err := p.ledger.Add(ledger.Entry{
		ID:         ins.ID(),
		Pid:        ins.Pid(),
		Port:       ins.Port(),
		Executable: ins.Command(),
		Owner:      os.Getpid(),
		StartedAt:  ins.StartedAt(),
	})
	if err != nil {
		zap.S().Warnw("failed to record Rserve process in ledger", "path", p.ledger.Path(), "err", err)
	}
}

func (p *Pool) forget(ins *instance.Instance, reason string) {
	prom.Terminations.WithLabelValues(reason).Inc()
	if p.ledger == nil {
		return
	}
	if err := p.ledger.Remove(ins.ID()); err != nil {
		zap.S().Warnw("failed to remove Rserve process from ledger", "path", p.ledger.Path(), "err", err)
	}
}
