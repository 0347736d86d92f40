// Package rhome describes an R installation: where it lives and which Rserve binary to start.
package rhome

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/tass-io/rpool/pkg/tools/errorutils"
	"go.uber.org/zap"
)

// lookupTimeout bounds the Rscript run asking R about itself
const lookupTimeout = 30 * time.Second

// Provider is queried by the launcher to build the command line and the environment
type Provider interface {
	// InstallationHome is R_HOME, also used as the working directory of the server
	InstallationHome() string
	// ServerExecutablePath is the absolute path of the Rserve binary
	ServerExecutablePath() string
}

// SearchPathProvider is implemented by providers whose runtime needs extra directories
// on PATH, they go in front of the directories of R itself
type SearchPathProvider interface {
	SearchPath() []string
}

// DefaultProvider derives everything from an R home directory
type DefaultProvider struct {
	home        string
	condaPrefix string
	executable  string

	mu    sync.Mutex
	props Properties
}

// NewDefaultProvider returns a provider for home. An empty executable means the
// Rserve package R reports is used.
func NewDefaultProvider(home, executable string) *DefaultProvider {
	return &DefaultProvider{
		home:       home,
		executable: executable,
	}
}

// NewCondaProvider returns a provider for the R of the conda environment at prefix
func NewCondaProvider(prefix, executable string) *DefaultProvider {
	return &DefaultProvider{
		home:        filepath.Join(prefix, "lib", "R"),
		condaPrefix: prefix,
		executable:  executable,
	}
}

func (p *DefaultProvider) InstallationHome() string {
	return p.home
}

// ServerExecutablePath asks R where the Rserve package is on first use, when that
// fails it assumes the package lives in the library of the home
func (p *DefaultProvider) ServerExecutablePath() string {
	if p.executable != "" {
		return p.executable
	}
	pkg := filepath.Join(p.home, "library", "Rserve")
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if props, err := p.Properties(ctx); err != nil {
		zap.S().Debugw("R properties lookup failed, assuming the default Rserve location", "home", p.home, "err", err)
	} else if props.RservePath() != "" {
		pkg = filepath.FromSlash(props.RservePath())
	}
	libs := filepath.Join(pkg, "libs")
	if runtime.GOOS == "windows" {
		return filepath.Join(libs, archDir(), "Rserve.exe")
	}
	return filepath.Join(libs, "Rserve")
}

// Properties runs Rscript once and caches what R reported, failed lookups are retried
func (p *DefaultProvider) Properties(ctx context.Context) (Properties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.props != nil {
		return p.props, nil
	}
	props, err := RetrieveProperties(ctx, p.RscriptPath(), "")
	if err != nil {
		return nil, err
	}
	p.props = props
	return props, nil
}

// RscriptPath is the Rscript binary of the installation
func (p *DefaultProvider) RscriptPath() string {
	if runtime.GOOS == "windows" {
		if p.condaPrefix != "" {
			return filepath.Join(p.condaPrefix, "Scripts", "Rscript.exe")
		}
		return filepath.Join(BinDir(p.home), "Rscript.exe")
	}
	return filepath.Join(BinDir(p.home), "Rscript")
}

// SearchPath returns the library folders of a conda environment on windows,
// R from conda does not find its dlls otherwise
func (p *DefaultProvider) SearchPath() []string {
	if runtime.GOOS != "windows" || p.condaPrefix == "" {
		return nil
	}
	return condaSearchPath(p.condaPrefix)
}

func condaSearchPath(prefix string) []string {
	return []string{
		prefix,
		filepath.Join(prefix, "Library", "bin"),
		filepath.Join(prefix, "Library", "mingw-w64", "bin"),
		filepath.Join(prefix, "Scripts"),
	}
}

// BinDir is the directory holding the R executables of the installation
func BinDir(home string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "bin", archDir())
	}
	return filepath.Join(home, "bin")
}

func archDir() string {
	if runtime.GOARCH == "386" {
		return "i386"
	}
	return "x64"
}

// Check validates that home looks like the root of an R installation
func Check(home string) error {
	info, err := os.Stat(home)
	if err != nil {
		return &errorutils.InvalidHomeError{Home: home, Reason: "does not exist"}
	}
	if !info.IsDir() {
		return &errorutils.InvalidHomeError{Home: home, Reason: "is not a directory"}
	}
	bin := filepath.Join(home, "bin")
	if !isDir(bin) {
		return &errorutils.InvalidHomeError{Home: home, Reason: "does not contain a folder with name 'bin'"}
	}
	if !isDir(filepath.Join(home, "library")) {
		return &errorutils.InvalidHomeError{Home: home, Reason: "does not contain a folder with name 'library'"}
	}
	if runtime.GOOS == "windows" && !isDir(filepath.Join(bin, archDir())) {
		return &errorutils.InvalidHomeError{Home: home, Reason: "does not contain a folder with name 'bin\\" + archDir() + "'"}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
