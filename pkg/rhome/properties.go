package rhome

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magiconair/properties"
	"github.com/tass-io/rpool/pkg/tools/errorutils"
	"github.com/tass-io/rpool/pkg/tools/log"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// property keys written by the lookup script, besides the names of R.Version()
const (
	keyMajor         = "major"
	keyMinor         = "minor"
	keyRservePath    = "Rserve.path"
	keyRserveVersion = "Rserve.version"
	keyCairoPath     = "Cairo.path"
	keyHome          = "rhome"
)

// propertiesScript asks R about itself, %s is the file the answers are appended to
const propertiesScript = `props <- '%s'
put <- function(key, value) write(paste(key, value, sep='='), file=props, ncolumns=1, append=TRUE, sep='\n')
put(names(R.Version()), R.Version())
put('memory.limit', tryCatch(memory.limit(), error=function(e) Inf))
put('Rserve.path', find.package('Rserve', quiet=TRUE))
put('Cairo.path', find.package('Cairo', quiet=TRUE))
put('rhome', R.home())
put('Rserve.version', tryCatch(as.character(packageVersion('Rserve')), error=function(e) ''))
q()
`

// Properties describe an R installation as reported by R itself
type Properties map[string]string

// Version is major.minor of R, e.g. 4.1.2, empty when unknown
func (p Properties) Version() string {
	if p[keyMajor] == "" {
		return ""
	}
	return strings.ReplaceAll(p[keyMajor]+"."+p[keyMinor], " ", "")
}

// RservePath is the directory of the installed Rserve package, empty when it is missing
func (p Properties) RservePath() string {
	return p[keyRservePath]
}

func (p Properties) RserveVersion() string {
	return p[keyRserveVersion]
}

// ParseProperties reads the key=value lines written by the lookup script
func ParseProperties(data []byte) (Properties, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := l.LoadBytes(data)
	if err != nil {
		return nil, err
	}
	return props.Map(), nil
}

// RetrieveProperties runs the lookup script with rscript in dir. A failing script is
// an error, its output ends up in the debug log.
func RetrieveProperties(ctx context.Context, rscript, dir string) (Properties, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	out, err := os.CreateTemp(dir, "R-props-*.properties")
	if err != nil {
		return nil, err
	}
	out.Close()
	defer os.Remove(out.Name())

	script, err := os.CreateTemp(dir, "R-props-*.R")
	if err != nil {
		return nil, err
	}
	defer os.Remove(script.Name())
	_, err = fmt.Fprintf(script, propertiesScript, filepath.ToSlash(out.Name()))
	if cerr := script.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, rscript, "--vanilla", filepath.Base(script.Name()))
	cmd.Dir = dir
	stdout := log.NewLineWriter("Rscript output", "stream", "stdout")
	stderr := log.NewLineWriter("Rscript output", "stream", "stderr")
	cmd.Stdout, cmd.Stderr = stdout, stderr
	err = cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", rscript, err)
	}

	data, err := os.ReadFile(out.Name())
	if err != nil {
		return nil, err
	}
	return ParseProperties(data)
}

// CheckProperties validates what R reported about home. A broken installation is an
// InvalidHomeError, the warnings describe installations that work with restrictions.
func CheckProperties(props Properties, home string) ([]string, error) {
	if props[keyMajor] == "" {
		return nil, &errorutils.InvalidHomeError{Home: home, Reason: "contains an invalid R executable"}
	}
	var warnings []string
	if props.RservePath() == "" {
		warnings = append(warnings, fmt.Sprintf("%s does not contain the package 'Rserve'. "+
			"Please install it in R using: \"install.packages('Rserve')\"", home))
	}
	version := props.Version()
	if version == "3.1.0" {
		warnings = append(warnings, fmt.Sprintf("%s contains an R 3.1.0 installation which can cause problems with some functions", home))
	}
	if runtime.GOOS == "darwin" && props[keyCairoPath] == "" {
		warnings = append(warnings, fmt.Sprintf("%s does not contain the package 'Cairo'. "+
			"The package is needed for bitmap graphics devices to work properly. "+
			"Please install it in R using \"install.packages('Cairo')\"", home))
	}
	if rserve := props.RserveVersion(); rserve != "" &&
		compareVersions(version, "3.5.0") >= 0 && compareVersions(rserve, "1.8.6") < 0 {
		warnings = append(warnings, fmt.Sprintf("%s contains R %s and Rserve %s, "+
			"Rserve before 1.8.6 has known issues with R 3.5.0 and later", home, version, rserve))
	}
	return warnings, nil
}

// compareVersions compares R style versions like 3.5.1 or 1.7-3
func compareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

func canonicalVersion(v string) string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '-' })
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "v" + strings.Join(parts, ".")
}

// CheckEnvironment validates the installation behind p and asks R about it
func CheckEnvironment(ctx context.Context, p *DefaultProvider) ([]string, error) {
	if err := Check(p.InstallationHome()); err != nil {
		return nil, err
	}
	props, err := p.Properties(ctx)
	if err != nil {
		zap.S().Debugw("R properties lookup failed", "home", p.InstallationHome(), "err", err)
	}
	return CheckProperties(props, p.InstallationHome())
}
