// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry provides built-in OpenTelemetry metrics for the
// connector, exported to Cloud Monitoring unless a caller opts out.
package telemetry

import (
	"context"
	"errors"
	"time"

	cmexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/api/option"
)

const (
	meterName         = "sqladmin.googleapis.com/client/connector"
	monitoredResource = "sqladmin.googleapis.com/InstanceClient"

	dialCount       = "dial_count"
	dialLatency     = "dial_latencies"
	openConnections = "open_connections"
	refreshCount    = "refresh_count"

	attrProjectID = "project_id"
	attrRegion    = "region"
	attrInstance  = "instance_id"
	attrClientID  = "client_uid"
	attrAuthType  = "auth_type"
	attrStatus    = "status"
	attrRefresh   = "refresh_type"

	// DialSuccess tags a successful dial attempt.
	DialSuccess = "success"
	// DialFailure tags a failed dial attempt.
	DialFailure = "failure"
	// RefreshAheadType tags metrics from a RefreshAheadCache.
	RefreshAheadType = "refresh-ahead"
	// RefreshLazyType tags metrics from a LazyRefreshCache.
	RefreshLazyType = "lazy"
)

// Config configures a MetricRecorder.
type Config struct {
	Enabled   bool
	Version   string
	ClientID  string
	ProjectID string
	Region    string
	Instance  string
}

// NullExporter is an OpenTelemetry sdkmetric.Exporter that discards
// everything. It backs a MetricRecorder when built-in telemetry is opted
// out of, so the rest of the recording code path stays the same either way.
type NullExporter struct{}

// Temporality implements sdkmetric.Exporter.
func (NullExporter) Temporality(ik sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(ik)
}

// Aggregation implements sdkmetric.Exporter.
func (NullExporter) Aggregation(ik sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(ik)
}

// Export implements sdkmetric.Exporter by discarding metrics.
func (NullExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }

// ForceFlush implements sdkmetric.Exporter.
func (NullExporter) ForceFlush(context.Context) error { return nil }

// Shutdown implements sdkmetric.Exporter.
func (NullExporter) Shutdown(context.Context) error { return nil }

// MetricRecorder holds the instruments backing one Dialer's built-in
// telemetry.
type MetricRecorder struct {
	exporter sdkmetric.Exporter
	provider *sdkmetric.MeterProvider

	mDialCount    metric.Int64Counter
	mDialLatency  metric.Float64Histogram
	mOpenConns    metric.Int64UpDownCounter
	mRefreshCount metric.Int64Counter
}

// NewMetricRecorder constructs a MetricRecorder. When cfg.Enabled is false,
// a NullExporter backs the recorder so the calling code need not branch on
// whether telemetry is active.
func NewMetricRecorder(ctx context.Context, cfg Config, opts ...option.ClientOption) (*MetricRecorder, error) {
	var (
		exp sdkmetric.Exporter = NullExporter{}
		err error
	)
	if cfg.Enabled {
		exp, err = cmexporter.New(
			cmexporter.WithCreateServiceTimeSeries(),
			cmexporter.WithProjectID(cfg.ProjectID),
			cmexporter.WithMonitoringClientOptions(opts...),
			cmexporter.WithMetricDescriptorTypeFormatter(func(m metricdata.Metrics) string {
				return "sqladmin.googleapis.com/client/connector/" + m.Name
			}),
			cmexporter.WithMonitoredResourceDescription(monitoredResource, []string{
				attrProjectID, attrRegion, attrInstance, attrClientID,
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	res := resource.NewWithAttributes(monitoredResource,
		attribute.String("gcp.resource_type", monitoredResource),
		attribute.String(attrProjectID, cfg.ProjectID),
		attribute.String(attrRegion, cfg.Region),
		attribute.String(attrInstance, cfg.Instance),
		attribute.String(attrClientID, cfg.ClientID),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(60*time.Second))),
		sdkmetric.WithResource(res),
	)
	m := provider.Meter(meterName, metric.WithInstrumentationVersion(cfg.Version))

	mDialCount, err := m.Int64Counter(dialCount)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mDialLatency, err := m.Float64Histogram(dialLatency)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mOpenConns, err := m.Int64UpDownCounter(openConnections)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mRefreshCount, err := m.Int64Counter(refreshCount)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}

	return &MetricRecorder{
		exporter:      exp,
		provider:      provider,
		mDialCount:    mDialCount,
		mDialLatency:  mDialLatency,
		mOpenConns:    mOpenConns,
		mRefreshCount: mRefreshCount,
	}, nil
}

// Shutdown flushes and closes the recorder's exporter and provider.
func (m *MetricRecorder) Shutdown(ctx context.Context) error {
	return errors.Join(m.exporter.Shutdown(ctx), m.provider.Shutdown(ctx))
}

// Attributes carries the per-call metadata attached to a recorded metric.
type Attributes struct {
	IAMAuthN    bool
	DialStatus  string
	RefreshType string
}

func authTypeValue(iamAuthN bool) string {
	if iamAuthN {
		return "iam"
	}
	return "built-in"
}

// RecordDialCount increments the dial-attempt counter.
func (m *MetricRecorder) RecordDialCount(ctx context.Context, a Attributes) {
	m.mDialCount.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(attrAuthType, authTypeValue(a.IAMAuthN)),
		attribute.String(attrStatus, a.DialStatus),
	)))
}

// RecordDialLatency records the latency, in milliseconds, of a Dial call.
func (m *MetricRecorder) RecordDialLatency(ctx context.Context, latencyMS int64) {
	m.mDialLatency.Record(ctx, float64(latencyMS))
}

// RecordOpenConnection increments the open-connections gauge.
func (m *MetricRecorder) RecordOpenConnection(ctx context.Context, a Attributes) {
	m.mOpenConns.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(attrAuthType, authTypeValue(a.IAMAuthN)),
	)))
}

// RecordClosedConnection decrements the open-connections gauge.
func (m *MetricRecorder) RecordClosedConnection(ctx context.Context, a Attributes) {
	m.mOpenConns.Add(ctx, -1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(attrAuthType, authTypeValue(a.IAMAuthN)),
	)))
}

// RecordRefreshCount increments the refresh-attempt counter.
func (m *MetricRecorder) RecordRefreshCount(ctx context.Context, status string, a Attributes) {
	m.mRefreshCount.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(attrStatus, status),
		attribute.String(attrRefresh, a.RefreshType),
	)))
}
