package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFileName is written into the temp dir and passed with --RS-conf
const ConfigFileName = "Rserve.conf"

// WriteConfig writes the Rserve configuration into dir and returns its path.
// maxInBufMB is converted to kB as Rserve expects.
func WriteConfig(dir string, maxInBufMB int, headless bool) (string, error) {
	bufferKB := maxInBufMB * 1024
	var b strings.Builder
	fmt.Fprintf(&b, "maxinbuf %d\n", bufferKB)
	fmt.Fprintf(&b, "maxsendbuf %d\n", bufferKB)
	b.WriteString("encoding utf8\n")
	// Rserve only understands the misspelled key, the correct one is kept in case that changes
	b.WriteString("deamon disable\n")
	b.WriteString("daemon disable\n")
	if headless {
		b.WriteString("interactive no\n")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
