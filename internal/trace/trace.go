// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trace provides OpenCensus tracing and metrics helpers shared by
// the dialer and the internal refresh caches.
package trace

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
)

// EndSpanFunc ends the span started by StartSpan, recording err (if any) as
// the span's status.
type EndSpanFunc func(err error)

// StartOption customizes the span started by StartSpan.
type StartOption func(ctx context.Context) context.Context

// AddInstanceName attaches an instance name tag to the span's context.
func AddInstanceName(instance string) StartOption {
	return func(ctx context.Context) context.Context {
		newCtx, err := tag.New(ctx, tag.Upsert(keyInstanceName, instance))
		if err != nil {
			return ctx
		}
		return newCtx
	}
}

// AddDialerID attaches a dialer ID tag to the span's context.
func AddDialerID(id string) StartOption {
	return func(ctx context.Context) context.Context {
		newCtx, err := tag.New(ctx, tag.Upsert(keyDialerID, id))
		if err != nil {
			return ctx
		}
		return newCtx
	}
}

// StartSpan starts an OpenCensus span named name, applying any StartOptions
// to the returned context, and returns a func that ends the span.
func StartSpan(ctx context.Context, name string, opts ...StartOption) (context.Context, EndSpanFunc) {
	for _, o := range opts {
		ctx = o(ctx)
	}
	ctx, span := trace.StartSpan(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(trace.Status{Code: int32(trace.StatusCodeUnknown), Message: err.Error()})
		}
		span.End()
	}
}

var (
	keyInstanceName = tag.MustNewKey("instance_name")
	keyDialerID     = tag.MustNewKey("dialer_id")
	keyStatus       = tag.MustNewKey("status")

	mDialLatency = stats.Int64("cloudsqlconn/dial_latency", "Latency of a Dial call in milliseconds", stats.UnitMilliseconds)
	mOpenConns   = stats.Int64("cloudsqlconn/open_connections", "Current number of open connections", stats.UnitDimensionless)
	mDialError   = stats.Int64("cloudsqlconn/dial_failure_count", "Number of failed Dial calls", stats.UnitDimensionless)
	mRefresh     = stats.Int64("cloudsqlconn/refresh_count", "Number of refresh attempts", stats.UnitDimensionless)
)

// InitMetrics registers the OpenCensus views backing the package's
// measures. It's safe to call more than once; repeated registration of the
// same view is a no-op.
func InitMetrics() error {
	views := []*view.View{
		{Measure: mDialLatency, Aggregation: view.Distribution(0, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000)},
		{Measure: mOpenConns, Aggregation: view.LastValue(), TagKeys: []tag.Key{keyInstanceName, keyDialerID}},
		{Measure: mDialError, Aggregation: view.Count(), TagKeys: []tag.Key{keyInstanceName, keyDialerID}},
		{Measure: mRefresh, Aggregation: view.Count(), TagKeys: []tag.Key{keyInstanceName, keyDialerID, keyStatus}},
	}
	return view.Register(views...)
}

// RecordDialError records a failed Dial call, if err is non-nil.
func RecordDialError(ctx context.Context, instance, dialerID string, err error) {
	if err == nil {
		return
	}
	ctx, tagErr := tag.New(ctx, tag.Upsert(keyInstanceName, instance), tag.Upsert(keyDialerID, dialerID))
	if tagErr != nil {
		return
	}
	stats.Record(ctx, mDialError.M(1))
}

// RecordDialLatency records the latency, in milliseconds, of a successful
// Dial call.
func RecordDialLatency(ctx context.Context, instance, dialerID string, ms int64) {
	ctx, err := tag.New(ctx, tag.Upsert(keyInstanceName, instance), tag.Upsert(keyDialerID, dialerID))
	if err != nil {
		return
	}
	stats.Record(ctx, mDialLatency.M(ms))
}

// RecordOpenConnections records the current number of open connections for
// an instance.
func RecordOpenConnections(ctx context.Context, n int64, dialerID, instance string) {
	ctx, err := tag.New(ctx, tag.Upsert(keyInstanceName, instance), tag.Upsert(keyDialerID, dialerID))
	if err != nil {
		return
	}
	stats.Record(ctx, mOpenConns.M(n))
}

// RecordRefreshResult records the result of a refresh attempt for an
// instance, tagging the measure success or failure based on err.
func RecordRefreshResult(ctx context.Context, instance, dialerID string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	ctx, tagErr := tag.New(ctx,
		tag.Upsert(keyInstanceName, instance),
		tag.Upsert(keyDialerID, dialerID),
		tag.Upsert(keyStatus, status),
	)
	if tagErr != nil {
		return
	}
	stats.Record(ctx, mRefresh.M(1))
}
