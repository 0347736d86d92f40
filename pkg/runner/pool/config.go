package pool

import (
	"runtime"
	"time"

	"github.com/spf13/viper"
	"github.com/tass-io/rpool/pkg/env"
)

const (
	defaultHost            = "127.0.0.1"
	defaultMaxInBufMB      = 256
	defaultConnectTimeout  = 30 * time.Second
	defaultConnectAttempts = 20
	defaultKillGrace       = 200 * time.Millisecond
	defaultTTL             = 60 * time.Second
	defaultJanitorInterval = 10 * time.Second

	firstConnectDelay = 100 * time.Millisecond
	maxConnectDelay   = 5 * time.Second
)

// Config tunes how the pool starts, reaches and stops Rserve processes
type Config struct {
	// Host the servers bind to and the pool connects to
	Host string
	// Args replace the default `--RS-conf <TempDir>/Rserve.conf --vanilla` when set
	Args []string
	// Env holds extra KEY=VALUE pairs for every server
	Env []string
	// TempDir is TMPDIR of the servers and holds Rserve.conf, a fresh directory when empty
	TempDir    string
	MaxInBufMB int
	Headless   bool
	// Debug starts the debug build of Rserve
	Debug bool
	// SingleUse replaces a server once its session ended instead of reusing it. Rserve on
	// windows serves every connection from one process, so the workspace outlives the session there.
	SingleUse bool

	ConnectTimeout  time.Duration
	ConnectAttempts uint
	// KillGrace is the time a server gets between the terminate signal and the kill
	KillGrace time.Duration
	// TTL terminates servers nobody has been connected to for this long, zero disables
	TTL             time.Duration
	JanitorInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:            defaultHost,
		MaxInBufMB:      defaultMaxInBufMB,
		Headless:        true,
		SingleUse:       runtime.GOOS == "windows",
		ConnectTimeout:  defaultConnectTimeout,
		ConnectAttempts: defaultConnectAttempts,
		KillGrace:       defaultKillGrace,
		TTL:             defaultTTL,
		JanitorInterval: defaultJanitorInterval,
	}
}

// NewConfigFromViper reads the pool keys of package env, unset keys keep their defaults
func NewConfigFromViper() Config {
	cfg := DefaultConfig()
	if viper.IsSet(env.RserveArgs) {
		cfg.Args = viper.GetStringSlice(env.RserveArgs)
	}
	if viper.IsSet(env.TempDir) {
		cfg.TempDir = viper.GetString(env.TempDir)
	}
	if viper.IsSet(env.MaxInBufMB) {
		cfg.MaxInBufMB = viper.GetInt(env.MaxInBufMB)
	}
	if viper.IsSet(env.Headless) {
		cfg.Headless = viper.GetBool(env.Headless)
	}
	cfg.Debug = viper.GetBool(env.RserveDebug)
	if viper.IsSet(env.SingleUse) {
		cfg.SingleUse = viper.GetBool(env.SingleUse)
	}
	if viper.IsSet(env.ConnectTimeout) {
		cfg.ConnectTimeout = viper.GetDuration(env.ConnectTimeout)
	}
	if viper.IsSet(env.ConnectAttempts) {
		cfg.ConnectAttempts = viper.GetUint(env.ConnectAttempts)
	}
	if viper.IsSet(env.KillGrace) {
		cfg.KillGrace = viper.GetDuration(env.KillGrace)
	}
	if viper.IsSet(env.TTL) {
		cfg.TTL = viper.GetDuration(env.TTL)
	}
	if viper.IsSet(env.JanitorInterval) {
		cfg.JanitorInterval = viper.GetDuration(env.JanitorInterval)
	}
	return cfg
}
