package instance

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// killWait bounds how long Terminate waits for the process to disappear after the forceful kill
const killWait = 5 * time.Second

// Instance is one Rserve process together with the Session most recently opened on it.
// The process handle belongs to the Instance, nothing else may signal it.
type Instance struct {
	id        string
	host      string
	port      int
	cmd       *exec.Cmd
	platform  platform
	startedAt time.Time
	exited    chan struct{}

	mu      sync.Mutex
	session *Session
	exitErr error
}

func newInstance(cmd *exec.Cmd, host string, port int, p platform) *Instance {
	i := &Instance{
		id:        xid.New().String(),
		host:      host,
		port:      port,
		cmd:       cmd,
		platform:  p,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	go i.handleCmdExit()
	return i
}

// handleCmdExit reaps the process and disconnects the current Session when it dies
func (i *Instance) handleCmdExit() {
	err := i.cmd.Wait()
	for _, w := range []interface{}{i.cmd.Stdout, i.cmd.Stderr} {
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
	}
	i.mu.Lock()
	i.exitErr = err
	s := i.session
	i.mu.Unlock()
	if s != nil {
		s.markDisconnected()
	}
	close(i.exited)
	zap.S().Infow("Rserve process exited", "instance", i.id, "pid", i.Pid(), "port", i.port, "err", err)
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) Host() string {
	return i.host
}

func (i *Instance) Port() int {
	return i.port
}

func (i *Instance) StartedAt() time.Time {
	return i.startedAt
}

// Command returns the path of the executed binary
func (i *Instance) Command() string {
	return i.cmd.Path
}

func (i *Instance) Process() *os.Process {
	return i.cmd.Process
}

func (i *Instance) Pid() int {
	return i.cmd.Process.Pid
}

// Done is closed once the process has exited and was reaped
func (i *Instance) Done() <-chan struct{} {
	return i.exited
}

// Alive reports whether the process is still running
func (i *Instance) Alive() bool {
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

// ExitErr returns what Wait reported, nil while the process runs
func (i *Instance) ExitErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitErr
}

// CreateSession opens a new connection, which gets a fresh workspace on the server.
// The previous Session is not closed, it stays with whoever holds it.
func (i *Instance) CreateSession(ctx context.Context) (*Session, error) {
	s, err := Dial(ctx, i.host, i.port)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	i.session = s
	i.mu.Unlock()
	if !i.Alive() {
		s.markDisconnected()
	}
	return s, nil
}

// Session returns the most recently opened Session, nil before the first one
func (i *Instance) Session() *Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

// Reusable reports whether nobody holds a connection to the process
func (i *Instance) Reusable() bool {
	s := i.Session()
	return s == nil || !s.IsConnected()
}

// Terminate stops the process, politely first and forcefully if it survives grace.
// Failures are logged, the process may be gone already.
func (i *Instance) Terminate(grace time.Duration) {
	if !i.Alive() {
		return
	}
	p := i.cmd.Process
	if err := i.platform.terminate(p); err != nil {
		zap.S().Debugw("terminate signal failed", "instance", i.id, "pid", p.Pid, "err", err)
	}
	if grace > 0 {
		select {
		case <-i.exited:
			return
		case <-time.After(grace):
		}
	}
	if !i.Alive() {
		return
	}
	zap.S().Debugw("Rserve process survived terminate signal, killing it", "instance", i.id, "pid", p.Pid)
	if err := i.platform.kill(p); err != nil {
		zap.S().Warnw("kill failed", "instance", i.id, "pid", p.Pid, "err", err)
	}
	select {
	case <-i.exited:
	case <-time.After(killWait):
		zap.S().Errorw("Rserve process did not exit after kill", "instance", i.id, "pid", p.Pid)
	}
}
