package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tass-io/rpool/pkg/collector"
	"github.com/tass-io/rpool/pkg/env"
	"github.com/tass-io/rpool/pkg/http"
	"github.com/tass-io/rpool/pkg/lifecycle"
	"github.com/tass-io/rpool/pkg/rhome"
	"github.com/tass-io/rpool/pkg/runner/ledger"
	"github.com/tass-io/rpool/pkg/runner/pool"
	"github.com/tass-io/rpool/pkg/tools/log"
	"github.com/tass-io/rpool/pkg/trace"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "rpool",
	Short: "Rserve process pool",
	Long:  "rpool starts Rserve processes on demand, reuses idle ones and serves their status over http.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(viper.GetBool(env.Debug))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
	SilenceUsage: true,
}

func serve() error {
	provider, warnings, err := newProvider()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		zap.S().Warnw("R installation has known issues", "warning", w)
	}
	trace.TraceInit()

	var opts []pool.Option
	if l, err := openLedger(); err != nil {
		return err
	} else if l != nil {
		if n, err := l.ReapOrphans(); err != nil {
			zap.S().Warnw("failed to reap orphaned Rserve processes", "ledger", l.Path(), "err", err)
		} else if n > 0 {
			zap.S().Infow("reaped orphaned Rserve processes", "ledger", l.Path(), "count", n)
		}
		opts = append(opts, pool.WithLedger(l))
	}
	p := pool.New(provider, pool.NewConfigFromViper(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartJanitor(ctx)
	c := collector.New(p, viper.GetDuration(env.CollectInterval))
	c.Start()
	defer c.Stop()
	stop := lifecycle.Default.HandleSignals()
	defer stop()
	defer lifecycle.Default.Run()

	r := gin.Default()
	http.RegisterRoute(r, p)
	addr := fmt.Sprintf(":%d", viper.GetInt(env.Port))
	zap.S().Infow("serving rpool api", "addr", addr, "rHome", provider.InstallationHome(),
		"rserve", provider.ServerExecutablePath())
	return r.Run(addr)
}

// newProvider validates the configured R installation, a conda prefix wins over the R home.
// The warnings describe an installation that works with restrictions.
func newProvider() (*rhome.DefaultProvider, []string, error) {
	var provider *rhome.DefaultProvider
	if prefix := viper.GetString(env.CondaPrefix); prefix != "" {
		provider = rhome.NewCondaProvider(prefix, viper.GetString(env.RserveExecutable))
	} else {
		provider = rhome.NewDefaultProvider(viper.GetString(env.RHome), viper.GetString(env.RserveExecutable))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	warnings, err := rhome.CheckEnvironment(ctx, provider)
	if err != nil {
		return nil, nil, err
	}
	return provider, warnings, nil
}

// openLedger returns nil when no ledger is configured
func openLedger() (*ledger.Ledger, error) {
	path := viper.GetString(env.LedgerPath)
	if path == "" {
		return nil, nil
	}
	return ledger.Open(path)
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaults := pool.DefaultConfig()

	persistent := rootCmd.PersistentFlags()
	persistent.BoolP("debug", "d", false, "development logging")
	persistent.String("r-home", os.Getenv("R_HOME"), "root of the R installation")
	persistent.String("conda-prefix", "", "conda environment providing R, replaces the R home")
	persistent.String("rserve", "", "Rserve binary, defaults to the Rserve package R reports")
	persistent.String("ledger", "", "yaml file recording launched processes, enables orphan reaping")

	flags := rootCmd.Flags()
	flags.IntP("port", "p", 8080, "http port of the api")
	flags.Bool("rserve-debug", false, "start the debug build of Rserve")
	flags.StringSlice("rserve-args", nil, "arguments replacing the default --RS-conf <tmp>/Rserve.conf --vanilla")
	flags.String("temp-dir", "", "TMPDIR of the servers, a fresh directory by default")
	flags.Int("max-inbuf", defaults.MaxInBufMB, "maxinbuf and maxsendbuf of Rserve.conf in MB")
	flags.Bool("headless", defaults.Headless, "write 'interactive no' into Rserve.conf")
	flags.Bool("single-use", defaults.SingleUse, "replace a server once its session ended instead of reusing it")
	flags.Duration("connect-timeout", defaults.ConnectTimeout, "how long to wait for a new server")
	flags.Uint("connect-attempts", defaults.ConnectAttempts, "connection attempts for a new server")
	flags.Duration("kill-grace", defaults.KillGrace, "time between the terminate signal and the kill")
	flags.Duration("ttl", defaults.TTL, "terminate servers idle for this long, 0 keeps them")
	flags.Duration("janitor-interval", defaults.JanitorInterval, "how often idle servers are looked for")
	flags.Duration("collect-interval", 10*time.Second, "how often process memory is sampled into metrics")
	flags.String("trace-agent", "", "jaeger agent host:port, tracing is off when empty")

	for key, flag := range map[string]string{
		env.Debug:            "debug",
		env.RHome:            "r-home",
		env.CondaPrefix:      "conda-prefix",
		env.RserveExecutable: "rserve",
		env.LedgerPath:       "ledger",
	} {
		_ = viper.BindPFlag(key, persistent.Lookup(flag))
	}
	for key, flag := range map[string]string{
		env.Port:               "port",
		env.RserveDebug:        "rserve-debug",
		env.RserveArgs:         "rserve-args",
		env.TempDir:            "temp-dir",
		env.MaxInBufMB:         "max-inbuf",
		env.Headless:           "headless",
		env.SingleUse:          "single-use",
		env.ConnectTimeout:     "connect-timeout",
		env.ConnectAttempts:    "connect-attempts",
		env.KillGrace:          "kill-grace",
		env.TTL:                "ttl",
		env.JanitorInterval:    "janitor-interval",
		env.CollectInterval:    "collect-interval",
		env.TraceAgentHostPort: "trace-agent",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
	viper.SetEnvPrefix("rpool")
	viper.AutomaticEnv()

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(reapCmd)
}
