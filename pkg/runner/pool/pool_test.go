package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
	"github.com/tass-io/rpool/pkg/env"
	"github.com/tass-io/rpool/pkg/lifecycle"
	"github.com/tass-io/rpool/pkg/rhome"
	"github.com/tass-io/rpool/pkg/runner/instance"
	"github.com/tass-io/rpool/pkg/runner/ledger"
	"github.com/tass-io/rpool/pkg/runner/rservetest"
	"github.com/tass-io/rpool/pkg/tools/errorutils"
	_ "github.com/tass-io/rpool/pkg/tools/log"
)

func TestMain(m *testing.M) {
	rservetest.MainIfRequested()
	os.Exit(m.Run())
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Env = rservetest.Env(false)
	cfg.TempDir = filepath.Join(t.TempDir(), "r-tmp")
	cfg.ConnectTimeout = 10 * time.Second
	cfg.KillGrace = 2 * time.Second
	cfg.SingleUse = false
	return cfg
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) *Pool {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	opts = append([]Option{WithHooks(lifecycle.NewHooks())}, opts...)
	p := New(rhome.NewDefaultProvider(t.TempDir(), exe), cfg, opts...)
	t.Cleanup(p.ForceTerminateAll)
	return p
}

func connect(p *Pool) *instance.Session {
	s, err := p.CreateConnection(context.Background())
	So(err, ShouldBeNil)
	So(s.IsConnected(), ShouldBeTrue)
	return s
}

func eval(s *instance.Session, command string) string {
	reply, err := rservetest.NewClient(s.Conn()).Eval(command)
	So(err, ShouldBeNil)
	return reply
}

func pidOf(s *instance.Session) int {
	pid, err := strconv.Atoi(eval(s, "PID"))
	So(err, ShouldBeNil)
	return pid
}

// gone reports whether the process has exited and was reaped
func gone(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) != nil
}

// waitFor polls cond for up to five seconds
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}

func TestCreateConnection(t *testing.T) {
	Convey("test handing out connections", t, func() {
		p := newTestPool(t, testConfig(t))
		Reset(p.ForceTerminateAll)

		a := connect(p)
		pidA := pidOf(a)
		So(p.Len(), ShouldEqual, 1)
		procs := p.RunningProcesses()
		So(procs, ShouldHaveLength, 1)
		So(procs[0].Pid, ShouldEqual, pidA)

		Convey("a closed session hands its process to the next caller with a clean workspace", func() {
			So(eval(a, "SET x 1"), ShouldEqual, "OK")
			So(a.Close(), ShouldBeNil)

			b := connect(p)
			defer b.Close()
			So(pidOf(b), ShouldEqual, pidA)
			So(b.Port(), ShouldEqual, a.Port())
			So(eval(b, "LS"), ShouldEqual, "0")
			So(p.Len(), ShouldEqual, 1)
		})

		Convey("a busy process makes the pool start another one", func() {
			b := connect(p)
			defer b.Close()
			So(pidOf(b), ShouldNotEqual, pidA)
			So(b.Port(), ShouldNotEqual, a.Port())
			So(p.Len(), ShouldEqual, 2)
			So(p.RunningProcesses(), ShouldHaveLength, 2)
		})

		Convey("terminating a session stops its process", func() {
			proc := procs[0]
			p.Terminate(a)
			So(gone(proc), ShouldBeTrue)
			So(a.IsConnected(), ShouldBeFalse)
			So(p.Len(), ShouldEqual, 0)
			So(p.RunningProcesses(), ShouldBeEmpty)

			Convey("and the next caller gets a new process", func() {
				c := connect(p)
				defer c.Close()
				So(pidOf(c), ShouldNotEqual, pidA)
				So(p.Len(), ShouldEqual, 1)
			})
		})

		Convey("terminating an unknown or stale session does nothing", func() {
			p.Terminate(nil)
			a.Close()
			b := connect(p)
			defer b.Close()
			p.Terminate(a)
			So(p.Len(), ShouldEqual, 1)
			So(b.IsConnected(), ShouldBeTrue)
			So(pidOf(b), ShouldEqual, pidA)
		})

		Convey("a process that died on its own is pruned", func() {
			So(procs[0].Kill(), ShouldBeNil)
			deadline := time.Now().Add(5 * time.Second)
			for a.IsConnected() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			So(a.IsConnected(), ShouldBeFalse)

			b := connect(p)
			defer b.Close()
			So(pidOf(b), ShouldNotEqual, pidA)
			So(p.Len(), ShouldEqual, 1)
		})

		Convey("the server gets the generated Rserve.conf", func() {
			conf := filepath.Join(p.cfg.TempDir, instance.ConfigFileName)
			So(eval(a, "ARGS"), ShouldEndWith, "--RS-conf "+conf+" --vanilla")
			So(eval(a, "ENV TMPDIR"), ShouldEqual, p.cfg.TempDir)
			content, err := os.ReadFile(conf)
			So(err, ShouldBeNil)
			So(string(content), ShouldStartWith, "maxinbuf 262144\n")
		})
	})

	Convey("test custom server arguments replace the defaults", t, func() {
		cfg := testConfig(t)
		cfg.Args = []string{"--no-save"}
		p := newTestPool(t, cfg)
		Reset(p.ForceTerminateAll)

		s := connect(p)
		So(eval(s, "ARGS"), ShouldEndWith, "--RS-host 127.0.0.1 --no-save")
	})
}

func TestConcurrentCallers(t *testing.T) {
	Convey("test concurrent callers each get their own process", t, func() {
		const callers = 4
		p := newTestPool(t, testConfig(t))
		Reset(p.ForceTerminateAll)

		type result struct {
			session *instance.Session
			err     error
		}
		grab := func() []*instance.Session {
			results := make(chan result, callers)
			for i := 0; i < callers; i++ {
				go func() {
					s, err := p.CreateConnection(context.Background())
					results <- result{session: s, err: err}
				}()
			}
			sessions := make([]*instance.Session, 0, callers)
			for i := 0; i < callers; i++ {
				r := <-results
				So(r.err, ShouldBeNil)
				sessions = append(sessions, r.session)
			}
			return sessions
		}

		first := grab()
		pids := map[int]bool{}
		for _, s := range first {
			pids[pidOf(s)] = true
		}
		So(pids, ShouldHaveLength, callers)
		So(p.Len(), ShouldEqual, callers)
		So(p.RunningProcesses(), ShouldHaveLength, callers)

		Convey("released processes are reused instead of starting new ones", func() {
			for _, s := range first {
				s.Close()
			}
			second := grab()
			seen := map[int]bool{}
			for _, s := range second {
				pid := pidOf(s)
				So(pids[pid], ShouldBeTrue)
				seen[pid] = true
			}
			So(seen, ShouldHaveLength, callers)
			So(p.Len(), ShouldEqual, callers)
		})
	})
}

func TestLaunchFailures(t *testing.T) {
	Convey("test a missing Rserve binary", t, func() {
		home := t.TempDir()
		p := New(rhome.NewDefaultProvider(home, filepath.Join(home, "Rserve")), testConfig(t),
			WithHooks(lifecycle.NewHooks()))

		_, err := p.CreateConnection(context.Background())
		So(errorutils.IsUnavailable(err), ShouldBeTrue)
		var unavailable *errorutils.RserveUnavailableError
		So(errors.As(err, &unavailable), ShouldBeTrue)
		So(unavailable.Transient(), ShouldBeFalse)
		var launchErr *errorutils.LaunchError
		So(errors.As(err, &launchErr), ShouldBeTrue)
		So(p.Len(), ShouldEqual, 0)
	})

	Convey("test a server that dies during startup", t, func() {
		cfg := testConfig(t)
		cfg.Env = append(cfg.Env, rservetest.CrashKey+"=1")
		p := newTestPool(t, cfg)

		start := time.Now()
		_, err := p.CreateConnection(context.Background())
		So(errorutils.IsUnavailable(err), ShouldBeTrue)
		var unavailable *errorutils.RserveUnavailableError
		So(errors.As(err, &unavailable), ShouldBeTrue)
		So(unavailable.Transient(), ShouldBeTrue)
		So(unavailable.Port, ShouldBeGreaterThan, 0)
		So(time.Since(start), ShouldBeLessThan, cfg.ConnectTimeout)
		So(p.Len(), ShouldEqual, 0)
		So(p.RunningProcesses(), ShouldBeEmpty)
	})

	Convey("test no free port", t, func() {
		p := newTestPool(t, testConfig(t), WithPortAllocator(func() (int, error) {
			return 0, errorutils.NewPortAllocationError(errors.New("too many open files"))
		}))

		_, err := p.CreateConnection(context.Background())
		So(errorutils.IsUnavailable(err), ShouldBeTrue)
		var portErr *errorutils.PortAllocationError
		So(errors.As(err, &portErr), ShouldBeTrue)
		So(p.Len(), ShouldEqual, 0)
	})

	Convey("test a cancelled caller leaves idle processes alone", t, func() {
		p := newTestPool(t, testConfig(t))
		Reset(p.ForceTerminateAll)
		a := connect(p)
		pidA := pidOf(a)
		a.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.CreateConnection(ctx)
		So(errorutils.IsUnavailable(err), ShouldBeTrue)
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
		So(p.Len(), ShouldEqual, 1)

		b := connect(p)
		defer b.Close()
		So(pidOf(b), ShouldEqual, pidA)
	})
}

func TestShutdownReaper(t *testing.T) {
	Convey("test exit hooks stop every process", t, func() {
		hooks := lifecycle.NewHooks()
		p := newTestPool(t, testConfig(t), WithHooks(hooks))
		So(hooks.Len(), ShouldEqual, 0)

		connect(p)
		connect(p)
		So(hooks.Len(), ShouldEqual, 1)
		procs := p.RunningProcesses()
		So(procs, ShouldHaveLength, 2)

		hooks.Run()
		So(p.Len(), ShouldEqual, 0)
		for _, proc := range procs {
			So(gone(proc), ShouldBeTrue)
		}
	})

	Convey("test a pool first used after the exit hooks ran starts nothing", t, func() {
		hooks := lifecycle.NewHooks()
		hooks.Run()
		p := newTestPool(t, testConfig(t), WithHooks(hooks))

		_, err := p.CreateConnection(context.Background())
		So(errorutils.IsUnavailable(err), ShouldBeTrue)
		So(errors.Is(err, errorutils.ErrShutdown), ShouldBeTrue)
		var unavailable *errorutils.RserveUnavailableError
		So(errors.As(err, &unavailable), ShouldBeTrue)
		So(unavailable.Transient(), ShouldBeFalse)
		So(p.Len(), ShouldEqual, 0)
		So(p.RunningProcesses(), ShouldBeEmpty)
	})

	Convey("test a pool stays closed once the exit hooks ran", t, func() {
		hooks := lifecycle.NewHooks()
		p := newTestPool(t, testConfig(t), WithHooks(hooks))
		connect(p).Close()
		hooks.Run()

		_, err := p.CreateConnection(context.Background())
		So(errors.Is(err, errorutils.ErrShutdown), ShouldBeTrue)
		So(p.Len(), ShouldEqual, 0)
		So(p.RunningProcesses(), ShouldBeEmpty)
	})

	Convey("test TerminateAll stops idle processes and retires busy ones", t, func() {
		p := newTestPool(t, testConfig(t))
		Reset(p.ForceTerminateAll)
		idle := connect(p)
		idleProc := p.RunningProcesses()[0]
		busy := connect(p)
		busyPid := pidOf(busy)
		idle.Close()

		terminated, retiring := p.TerminateAll()
		So(terminated, ShouldEqual, 1)
		So(retiring, ShouldEqual, 1)
		So(gone(idleProc), ShouldBeTrue)
		So(p.Len(), ShouldEqual, 1)
		So(busy.IsConnected(), ShouldBeTrue)
		So(eval(busy, "LS"), ShouldEqual, "0")
		So(p.Snapshot()[0].Retiring, ShouldBeTrue)

		Convey("a retiring process is not handed out again", func() {
			c := connect(p)
			defer c.Close()
			So(pidOf(c), ShouldNotEqual, busyPid)
			So(p.Len(), ShouldEqual, 2)

			terminated, retiring = p.TerminateAll()
			So(terminated, ShouldEqual, 0)
			So(retiring, ShouldEqual, 2)
		})

		Convey("a retiring process stops once its client disconnects", func() {
			busyProc := p.RunningProcesses()[0]
			So(busyProc.Pid, ShouldEqual, busyPid)
			busy.Close()
			So(waitFor(func() bool { return p.Len() == 0 }), ShouldBeTrue)
			So(waitFor(func() bool { return gone(busyProc) }), ShouldBeTrue)

			c := connect(p)
			defer c.Close()
			So(p.Len(), ShouldEqual, 1)
		})

		Convey("ForceTerminateAll stops busy processes too", func() {
			busyProc := p.RunningProcesses()[0]
			p.ForceTerminateAll()
			So(p.Len(), ShouldEqual, 0)
			So(gone(busyProc), ShouldBeTrue)
			So(waitFor(func() bool { return !busy.IsConnected() }), ShouldBeTrue)

			c := connect(p)
			defer c.Close()
			So(p.Len(), ShouldEqual, 1)
		})
	})
}

func TestSingleUse(t *testing.T) {
	Convey("test single use processes are replaced instead of reused", t, func() {
		cfg := testConfig(t)
		cfg.SingleUse = true
		p := newTestPool(t, cfg)
		Reset(p.ForceTerminateAll)

		a := connect(p)
		pidA := pidOf(a)
		procA := p.RunningProcesses()[0]
		So(eval(a, "SET x 1"), ShouldEqual, "OK")
		a.Close()

		b := connect(p)
		defer b.Close()
		So(pidOf(b), ShouldNotEqual, pidA)
		So(eval(b, "LS"), ShouldEqual, "0")
		So(gone(procA), ShouldBeTrue)
		So(p.Len(), ShouldEqual, 1)
	})
}

func TestIdleJanitor(t *testing.T) {
	Convey("test sweeping idle processes", t, func() {
		cfg := testConfig(t)
		cfg.TTL = time.Minute
		p := newTestPool(t, cfg)
		Reset(p.ForceTerminateAll)

		idle := connect(p)
		busy := connect(p)
		defer busy.Close()
		idle.Close()
		So(p.Len(), ShouldEqual, 2)

		So(p.sweep(time.Now()), ShouldEqual, 0)
		So(p.Len(), ShouldEqual, 2)

		So(p.sweep(time.Now().Add(2*time.Minute)), ShouldEqual, 1)
		So(p.Len(), ShouldEqual, 1)
		So(busy.IsConnected(), ShouldBeTrue)
		So(eval(busy, "LS"), ShouldEqual, "0")
	})

	Convey("test the janitor runs until its context is done", t, func() {
		cfg := testConfig(t)
		cfg.TTL = 100 * time.Millisecond
		cfg.JanitorInterval = 20 * time.Millisecond
		p := newTestPool(t, cfg)
		Reset(p.ForceTerminateAll)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		p.StartJanitor(ctx)

		s := connect(p)
		proc := p.RunningProcesses()[0]
		s.Close()

		deadline := time.Now().Add(5 * time.Second)
		for p.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		So(p.Len(), ShouldEqual, 0)
		So(gone(proc), ShouldBeTrue)
	})
}

func TestSnapshot(t *testing.T) {
	Convey("test describing the registered processes", t, func() {
		p := newTestPool(t, testConfig(t))
		Reset(p.ForceTerminateAll)
		So(p.Snapshot(), ShouldBeEmpty)

		s := connect(p)
		pid := pidOf(s)
		statuses := p.Snapshot()
		So(statuses, ShouldHaveLength, 1)
		So(statuses[0].Pid, ShouldEqual, pid)
		So(statuses[0].Port, ShouldEqual, s.Port())
		So(statuses[0].Host, ShouldEqual, "127.0.0.1")
		So(statuses[0].Alive, ShouldBeTrue)
		So(statuses[0].Connected, ShouldBeTrue)
		So(statuses[0].RSS, ShouldBeGreaterThan, 0)

		s.Close()
		So(p.Snapshot()[0].Connected, ShouldBeFalse)
	})
}

func TestLedger(t *testing.T) {
	Convey("test launched processes are recorded until terminated", t, func() {
		l, err := ledger.Open(filepath.Join(t.TempDir(), "instances.yaml"))
		So(err, ShouldBeNil)
		p := newTestPool(t, testConfig(t), WithLedger(l))
		Reset(p.ForceTerminateAll)

		s := connect(p)
		entries := l.Entries()
		So(entries, ShouldHaveLength, 1)
		So(entries[0].Pid, ShouldEqual, pidOf(s))
		So(entries[0].Port, ShouldEqual, s.Port())
		So(entries[0].Owner, ShouldEqual, os.Getpid())
		exe, _ := os.Executable()
		So(entries[0].Executable, ShouldEqual, exe)

		p.Terminate(s)
		So(l.Entries(), ShouldBeEmpty)
	})
}

func TestConfigFromViper(t *testing.T) {
	Convey("test reading the pool configuration", t, func() {
		Reset(viper.Reset)

		So(NewConfigFromViper(), ShouldResemble, DefaultConfig())

		viper.Set(env.RserveArgs, []string{"--no-save"})
		viper.Set(env.MaxInBufMB, 16)
		viper.Set(env.Headless, false)
		viper.Set(env.ConnectTimeout, "5s")
		viper.Set(env.KillGrace, "1s")
		viper.Set(env.TTL, "0s")
		viper.Set(env.SingleUse, true)
		cfg := NewConfigFromViper()
		So(cfg.Args, ShouldResemble, []string{"--no-save"})
		So(cfg.MaxInBufMB, ShouldEqual, 16)
		So(cfg.Headless, ShouldBeFalse)
		So(cfg.ConnectTimeout, ShouldEqual, 5*time.Second)
		So(cfg.KillGrace, ShouldEqual, time.Second)
		So(cfg.TTL, ShouldEqual, time.Duration(0))
		So(cfg.SingleUse, ShouldBeTrue)
		So(cfg.JanitorInterval, ShouldEqual, defaultJanitorInterval)
	})
}
