package app

import (
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
)

// jaegerLogger routes tracer diagnostics to the process logger.
type jaegerLogger struct{}

func (jaegerLogger) Error(msg string) {
	sglog.Zero.Error().Str("component", "jaeger").Msg(msg)
}

func (jaegerLogger) Infof(msg string, args ...any) {
	sglog.Zero.Debug().Str("component", "jaeger").Msg(fmt.Sprintf(msg, args...))
}

// InitTracer installs a global jaeger tracer. Batch flushes and statement
// executions are reported as spans.
func InitTracer(jcfg config.JaegerCfg) (io.Closer, error) {
	service := jcfg.ServiceName
	if service == "" {
		service = "shardgate"
	}
	cfg := jaegercfg.Configuration{
		ServiceName: service,
		Sampler: &jaegercfg.SamplerConfig{
			Type:              "const",
			Param:             1,
			SamplingServerURL: jcfg.URL,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: false,
		},
		Gen128Bit: true,
		Tags: []opentracing.Tag{
			{Key: "span.kind", Value: "client"},
		},
	}

	return cfg.InitGlobalTracer(
		service,
		jaegercfg.Logger(jaegerLogger{}),
		jaegercfg.Metrics(metrics.NullFactory),
	)
}
