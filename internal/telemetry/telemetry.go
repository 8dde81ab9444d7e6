// Package telemetry はOpenTelemetryによるトレーシングの初期化とHTTP計装を提供する。
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

// DefaultServiceName はOTEL_SERVICE_NAME未設定時のサービス名。
const DefaultServiceName = "leadman"

// Config はトレーシングの設定。config.Loadで環境変数から組み立てる。
type Config struct {
	ServiceName string
	Endpoint    string            // OTEL_EXPORTER_OTLP_ENDPOINT。空の場合はエクスポートしない
	Headers     map[string]string // OTEL_EXPORTER_OTLP_HEADERS
	Insecure    bool              // OTEL_EXPORTER_OTLP_INSECURE
	Timeout     time.Duration
	Sampler     string // OTEL_TRACES_SAMPLER
	SamplerArg  string // OTEL_TRACES_SAMPLER_ARG
	Required    bool   // trueの場合、エクスポーター生成失敗で起動を中止する
}

// ShutdownFunc はトレーサープロバイダーを停止し、未送信のスパンをフラッシュする。
type ShutdownFunc func(ctx context.Context) error

// Init はグローバルなトレーサープロバイダーとプロパゲーターを設定する。
// エンドポイント未設定の場合はスパンを生成するがエクスポートしない。
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	sampler := ParseSampler(cfg.Sampler, cfg.SamplerArg)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporter, err := newExporter(ctx, cfg, endpoint)
		if err != nil {
			if cfg.Required {
				return nil, fmt.Errorf("otel exporter: %w", err)
			}
			slog.Warn("otel exporter disabled", slog.String("error", err.Error()))
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config, endpoint string) (*otlptrace.Exporter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(timeout),
	}
	// スキーム付きの場合はURLとして、なければhost:portとして扱う
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// ParseSampler はOTEL_TRACES_SAMPLERの値からサンプラーを生成する。
// 比率は[0, 1]に丸める。未知の値は親ベースの比率サンプラーとして扱う。
func ParseSampler(name, arg string) sdktrace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}

	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// ParseHeaders は "k1=v1,k2=v2" 形式のヘッダー指定を解析する。不正な要素は無視する。
func ParseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// HTTPMiddleware は受信HTTPリクエストをスパンとして計装するミドルウェアを返す。
// スパン名はchiのルートパターンを使うため、ルーティング後にSpanNameFormatterで決定する。
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
