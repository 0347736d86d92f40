//go:build !windows

package instance

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/tass-io/rpool/pkg/rhome"
)

var hostPlatform platform = unixPlatform{}

type unixPlatform struct{}

func (unixPlatform) command(executable string, debug bool) string {
	if debug {
		return executable + ".dbg"
	}
	return executable
}

// the shared libraries of the selected installation must win over any other R on the system
func (unixPlatform) environment(env *environ, home string) {
	env.Prepend("LD_LIBRARY_PATH", filepath.Join(home, "lib"))
	env.Prepend("PATH", rhome.BinDir(home))
}

// Rserve forks a child per connection, a process group lets terminate reach all of them
func (unixPlatform) prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (unixPlatform) terminate(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		return p.Signal(syscall.SIGTERM)
	}
	return nil
}

func (unixPlatform) kill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
