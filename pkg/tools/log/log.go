package log

import (
	"go.uber.org/zap"
)

// init installs a development logger so packages can use zap.S() right away,
// Setup replaces it once the configuration has been read
func init() {
	Setup(true)
}

// Setup replaces the global zap logger, debug enables the development config
func Setup(debug bool) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}
