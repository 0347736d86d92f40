//go:build windows

package instance

import (
	"os"
	"os/exec"
	"strings"

	"github.com/tass-io/rpool/pkg/rhome"
)

var hostPlatform platform = windowsPlatform{}

type windowsPlatform struct{}

func (windowsPlatform) command(executable string, debug bool) string {
	if debug {
		return strings.TrimSuffix(executable, ".exe") + "_d.exe"
	}
	return executable
}

// Rserve.exe does not live next to R.dll, so the R bin folder has to be on the path.
// The variable may be spelled Path, PATH or anything in between.
func (windowsPlatform) environment(env *environ, home string) {
	env.Prepend("PATH", home, rhome.BinDir(home))
}

func (windowsPlatform) prepare(cmd *exec.Cmd) {}

// windows has no polite signal for console-less processes
func (windowsPlatform) terminate(p *os.Process) error {
	return p.Kill()
}

func (windowsPlatform) kill(p *os.Process) error {
	return p.Kill()
}
