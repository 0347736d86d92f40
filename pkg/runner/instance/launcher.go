package instance

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tass-io/rpool/pkg/rhome"
	"github.com/tass-io/rpool/pkg/tools/errorutils"
	"github.com/tass-io/rpool/pkg/tools/log"
	"go.uber.org/zap"
)

// waitDelay bounds how long Wait keeps copying output after the server exited,
// forked children of Rserve may hold the pipes open
const waitDelay = 2 * time.Second

// Launcher starts Rserve processes
type Launcher interface {
	Launch(opts LaunchOptions) (*Instance, error)
}

// LaunchOptions describes one Rserve process
type LaunchOptions struct {
	Provider rhome.Provider
	Host     string
	Port     int
	// Args are appended after --RS-port and --RS-host, values are passed unquoted
	Args []string
	// Env holds extra KEY=VALUE pairs, applied last
	Env []string
	// TempDir becomes TMPDIR of the server so everything it writes can be cleaned up
	TempDir string
	// Debug starts the debug build of Rserve
	Debug bool
}

// platform hides how processes are started and stopped on the host os
type platform interface {
	// command returns the binary to execute for the configured Rserve path
	command(executable string, debug bool) string
	// environment makes the R runtime of home discoverable
	environment(env *environ, home string)
	prepare(cmd *exec.Cmd)
	// terminate asks the process to stop
	terminate(p *os.Process) error
	// kill stops the process immediately
	kill(p *os.Process) error
}

// ProcessLauncher is the Launcher for the host platform
type ProcessLauncher struct {
	platform platform
}

func NewProcessLauncher() *ProcessLauncher {
	return &ProcessLauncher{platform: hostPlatform}
}

// Launch starts `<rserve> --RS-port <port> --RS-host <host> <args>` in the installation home.
// It does not wait for the server to accept connections and never retries.
func (l *ProcessLauncher) Launch(opts LaunchOptions) (*Instance, error) {
	exe := l.platform.command(opts.Provider.ServerExecutablePath(), opts.Debug)
	if err := checkExecutable(exe); err != nil {
		return nil, errorutils.NewLaunchError(exe, err)
	}
	home := opts.Provider.InstallationHome()

	args := append([]string{"--RS-port", strconv.Itoa(opts.Port), "--RS-host", opts.Host}, opts.Args...)
	cmd := exec.Command(exe, args...)
	cmd.Dir = home

	env := newEnviron(os.Environ())
	l.platform.environment(env, home)
	if sp, ok := opts.Provider.(rhome.SearchPathProvider); ok {
		if dirs := sp.SearchPath(); len(dirs) > 0 {
			env.Prepend("PATH", dirs...)
		}
	}
	// R_HOME tells Rserve where the default libraries are
	env.Set("R_HOME", home)
	if opts.TempDir != "" {
		env.Set("TMPDIR", opts.TempDir)
	}
	for _, kv := range opts.Env {
		env.SetPair(kv)
	}
	cmd.Env = env.List()

	cmd.Stdout = log.NewLineWriter("Rserve output", "stream", "stdout", "port", opts.Port)
	cmd.Stderr = log.NewLineWriter("Rserve output", "stream", "stderr", "port", opts.Port)
	cmd.WaitDelay = waitDelay
	l.platform.prepare(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errorutils.NewLaunchError(exe, err)
	}
	zap.S().Infow("Rserve process started", "pid", cmd.Process.Pid, "host", opts.Host, "port", opts.Port, "command", exe)
	return newInstance(cmd, opts.Host, opts.Port, l.platform), nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("command not found: %w", err)
	}
	if info.IsDir() {
		return errors.New("command is a directory")
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return errors.New("command is not an executable")
	}
	return nil
}

// environ is an ordered KEY=VALUE list, keys compare case-insensitively on windows
type environ struct {
	vars []string
	fold bool
}

func newEnviron(vars []string) *environ {
	return &environ{
		vars: append([]string(nil), vars...),
		fold: runtime.GOOS == "windows",
	}
}

func (e *environ) index(key string) int {
	for i, kv := range e.vars {
		k := kv
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			k = kv[:eq]
		}
		if k == key || (e.fold && strings.EqualFold(k, key)) {
			return i
		}
	}
	return -1
}

// Key returns the spelling of key already present, or key itself
func (e *environ) Key(key string) string {
	if i := e.index(key); i >= 0 {
		return strings.SplitN(e.vars[i], "=", 2)[0]
	}
	return key
}

func (e *environ) Get(key string) string {
	if i := e.index(key); i >= 0 {
		return strings.SplitN(e.vars[i], "=", 2)[1]
	}
	return ""
}

func (e *environ) Set(key, value string) {
	kv := key + "=" + value
	if i := e.index(key); i >= 0 {
		e.vars[i] = kv
		return
	}
	e.vars = append(e.vars, kv)
}

func (e *environ) SetPair(kv string) {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 {
		return
	}
	e.Set(parts[0], parts[1])
}

// Prepend puts dirs in front of the search path held by key
func (e *environ) Prepend(key string, dirs ...string) {
	key = e.Key(key)
	list := append([]string(nil), dirs...)
	if old := e.Get(key); old != "" {
		list = append(list, old)
	}
	e.Set(key, strings.Join(list, string(os.PathListSeparator)))
}

func (e *environ) List() []string {
	return e.vars
}
