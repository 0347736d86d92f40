package rservetest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"
)

// RscriptKey turns a test binary into a fake Rscript, its value is appended to the
// properties file named by the script it is given
const RscriptKey = "RPOOL_FAKE_RSCRIPT"

var propsFile = regexp.MustCompile(`props <- '([^']*)'`)

// InstallRscript links the test binary to path and makes it answer with props.
// Tests calling it cannot run in parallel.
func InstallRscript(t testing.TB, path, props string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake Rscript needs symlinks")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create %s: %v", filepath.Dir(path), err)
	}
	if err := os.Symlink(exe, path); err != nil {
		t.Fatalf("link fake Rscript: %v", err)
	}
	t.Setenv(RscriptKey, props)
}

// rscript mimics `Rscript --vanilla <script>`
func rscript(props string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing script in %v", args)
	}
	script, err := os.ReadFile(args[len(args)-1])
	if err != nil {
		return err
	}
	m := propsFile.FindSubmatch(script)
	if m == nil {
		return fmt.Errorf("script does not name a properties file")
	}
	f, err := os.OpenFile(filepath.FromSlash(string(m[1])), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(props); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
