// Package ledger records launched Rserve processes in a yaml file, so a later run
// can kill the servers a crashed host left behind.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Entry is one launched server
type Entry struct {
	ID         string `yaml:"id"`
	Pid        int    `yaml:"pid"`
	Port       int    `yaml:"port"`
	Executable string `yaml:"executable"`
	// Owner is the pid of the host process that launched the server
	Owner     int       `yaml:"owner"`
	StartedAt time.Time `yaml:"startedAt"`
}

type document struct {
	Entries []Entry `yaml:"entries"`
}

// Ledger is safe for concurrent use within one process, writes replace the file atomically
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries []Entry
}

// Open loads path, a missing file is an empty ledger
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	doc := document{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	l.entries = doc.Entries
	return l, nil
}

func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) Add(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return l.saveLocked()
}

// Remove drops the entry with id, unknown ids are ignored
func (l *Ledger) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return l.saveLocked()
		}
	}
	return nil
}

func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// ReapOrphans kills every recorded server whose owner is gone and drops its entry.
// A pid is only killed when it still runs the recorded executable, pids get reused.
// Entries of live owners are kept, so are entries whose kill failed, the next run retries them.
func (l *Ledger) ReapOrphans() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0:0]
	killed := 0
	for _, e := range l.entries {
		if e.Owner == os.Getpid() || alive(e.Owner) {
			kept = append(kept, e)
			continue
		}
		ok, err := reap(e)
		if err != nil {
			zap.S().Warnw("failed to reap orphaned Rserve process", "pid", e.Pid, "port", e.Port, "err", err)
			kept = append(kept, e)
			continue
		}
		if ok {
			zap.S().Infow("reaped orphaned Rserve process", "pid", e.Pid, "port", e.Port, "owner", e.Owner)
			killed++
		}
	}
	l.entries = kept
	return killed, l.saveLocked()
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

var killProcess = func(p *process.Process) error {
	return p.Kill()
}

func reap(e Entry) (bool, error) {
	if !alive(e.Pid) {
		return false, nil
	}
	p, err := process.NewProcess(int32(e.Pid))
	if err != nil {
		return false, nil
	}
	exe, err := p.Exe()
	if err != nil || !sameFile(exe, e.Executable) {
		return false, nil
	}
	// forked workers first, they are reparented once the server dies
	if children, err := p.Children(); err == nil {
		for _, c := range children {
			_ = c.Kill()
		}
	}
	if err := killProcess(p); err != nil {
		return false, err
	}
	return true, nil
}

func sameFile(a, b string) bool {
	if a == b {
		return true
	}
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		return false
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		return false
	}
	return ra == rb
}

func (l *Ledger) saveLocked() error {
	data, err := yaml.Marshal(document{Entries: l.entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}
