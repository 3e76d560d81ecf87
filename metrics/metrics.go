// Package metrics wires the npm core's registry, cache, and translator
// activity into Prometheus via OpenTelemetry's metric SDK.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/a-h/npmcore")

	if m.RegistryFetchesTotal, err = meter.Int64Counter("registry_fetches_total", metric.WithDescription("Total number of registry metadata fetches, by outcome")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create registry_fetches_total counter: %w", err)
	}
	if m.CacheLookupsTotal, err = meter.Int64Counter("cache_lookups_total", metric.WithDescription("Total number of package cache lookups, by hit/miss")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create cache_lookups_total counter: %w", err)
	}
	if m.TarballBytesTotal, err = meter.Int64Counter("tarball_bytes_total", metric.WithDescription("Total tarball bytes downloaded from the registry")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create tarball_bytes_total counter: %w", err)
	}
	if m.TranslationsTotal, err = meter.Int64Counter("translations_total", metric.WithDescription("Total number of CJS->ESM translator invocations, by outcome")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create translations_total counter: %w", err)
	}
	if m.ResolutionErrorsTotal, err = meter.Int64Counter("resolution_errors_total", metric.WithDescription("Total number of resolution engine failures, by error kind")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create resolution_errors_total counter: %w", err)
	}

	return m, nil
}

// Metrics holds the counters tracking registry fetches, cache hits/misses,
// downloaded tarball bytes, and translator invocations.
type Metrics struct {
	RegistryFetchesTotal  metric.Int64Counter
	CacheLookupsTotal     metric.Int64Counter
	TarballBytesTotal     metric.Int64Counter
	TranslationsTotal     metric.Int64Counter
	ResolutionErrorsTotal metric.Int64Counter
}

// ListenAndServe exposes the Prometheus scrape endpoint on addr.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

// RecordRegistryFetch increments RegistryFetchesTotal tagged with outcome
// ("hit", "miss", "error").
func (m Metrics) RecordRegistryFetch(ctx context.Context, outcome string) {
	if m.RegistryFetchesTotal == nil {
		return
	}
	m.RegistryFetchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheLookup increments CacheLookupsTotal tagged with result ("hit"
// or "miss") and, on a miss that triggers a download, adds the downloaded
// tarball byte count to TarballBytesTotal.
func (m Metrics) RecordCacheLookup(ctx context.Context, result string, downloadedBytes int64) {
	if m.CacheLookupsTotal != nil {
		m.CacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if downloadedBytes > 0 && m.TarballBytesTotal != nil {
		m.TarballBytesTotal.Add(ctx, downloadedBytes)
	}
}

// RecordTranslation increments TranslationsTotal tagged with outcome ("ok"
// or "error").
func (m Metrics) RecordTranslation(ctx context.Context, outcome string) {
	if m.TranslationsTotal == nil {
		return
	}
	m.TranslationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordResolutionError increments ResolutionErrorsTotal tagged with the
// error kind (e.g. "VersionNotFound", "BadVersionReq", "BadAliasForm").
func (m Metrics) RecordResolutionError(ctx context.Context, kind string) {
	if m.ResolutionErrorsTotal == nil {
		return
	}
	m.ResolutionErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
