package trace

import (
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/viper"
	"github.com/tass-io/rpool/pkg/env"
	"github.com/uber/jaeger-client-go"
	tracer_config "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

// TraceInit installs a jaeger tracer as the global opentracing tracer.
// Without an agent address spans go to the default noop tracer.
func TraceInit() {
	agent := viper.GetString(env.TraceAgentHostPort)
	if agent == "" {
		zap.S().Debug("no jaeger agent configured, tracing disabled")
		return
	}
	cfg := &tracer_config.Configuration{}
	cfg.Sampler = &tracer_config.SamplerConfig{
		Type:  jaeger.SamplerTypeConst,
		Param: 1.0,
	}
	zap.S().Infow("use jaeger agent host and port", "HostAndPort", agent)
	cfg.Reporter = &tracer_config.ReporterConfig{
		QueueSize:           100,
		BufferFlushInterval: 1 * time.Second,
		LogSpans:            false,
		LocalAgentHostPort:  agent,
	}

	_, err := cfg.InitGlobalTracer("rpool") // closer ignored, the tracer lives as long as the process
	if err != nil {
		panic(err)
	}
}

// GetSpanContextFromHeaders extracts the caller's span, opentracing.ErrSpanContextNotFound when there is none
func GetSpanContextFromHeaders(header http.Header) (opentracing.SpanContext, error) {
	carrier := opentracing.HTTPHeadersCarrier(header)
	return opentracing.GlobalTracer().Extract(opentracing.HTTPHeaders, carrier)
}
