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

package cloudsql

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/mock"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

type lazyStubTokenSource struct{}

func (lazyStubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "my-token"}, nil
}

func testConnName() instance.ConnName {
	return instance.ConnName{Project: "my-project", Region: "my-region", Name: "my-instance"}
}

func unlimitedRateLimiter() *RateLimiter {
	return NewRateLimiter(100, rate.Inf)
}

func mustLazyKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return k
}

func newTestSQLAdminClient(t *testing.T, requests ...*mock.Request) (*sqladmin.Service, func() error) {
	t.Helper()
	hc, url, cleanup := mock.HTTPClient(requests...)
	client, err := sqladmin.NewService(context.Background(), option.WithHTTPClient(hc), option.WithEndpoint(url))
	if err != nil {
		t.Fatalf("sqladmin.NewService: %v", err)
	}
	return client, cleanup
}

func TestLazyRefreshCacheConnectionInfo(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_15")
	client, cleanup := newTestSQLAdminClient(t,
		mock.InstanceGetSuccess(inst, 1),
		mock.GenerateEphemeralCertSuccess(inst, 1),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cache := NewLazyRefreshCache(
		testConnName(), debug.ToContextLogger(debug.Discard), client,
		mustLazyKey(t), 30*time.Second, unlimitedRateLimiter(), lazyStubTokenSource{}, false,
	)

	ci, err := cache.ConnectionInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ci.ConnectionName != testConnName() {
		t.Fatalf("want = %v, got = %v", testConnName(), ci.ConnectionName)
	}
	// A second call must be served from the cache, not trigger another
	// refresh: the mock answers any admin API call beyond the two it was
	// given with an error, which would fail this call.
	if _, err := cache.ConnectionInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestLazyRefreshCacheForceRefresh(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_15")
	client, cleanup := newTestSQLAdminClient(t,
		mock.InstanceGetSuccess(inst, 2),
		mock.GenerateEphemeralCertSuccess(inst, 2),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cache := NewLazyRefreshCache(
		testConnName(), debug.ToContextLogger(debug.Discard), client,
		mustLazyKey(t), 30*time.Second, unlimitedRateLimiter(), lazyStubTokenSource{}, false,
	)

	if _, err := cache.ConnectionInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	cache.ForceRefresh()

	// ForceRefresh dropped the cached result, so this call must perform a
	// second refresh, consuming the mock's second pair of requests.
	if _, err := cache.ConnectionInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestLazyRefreshCacheForceRefreshFailureSurfacesError(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance(
		"my-project", "my-region", "my-instance", "POSTGRES_15",
		mock.WithCertExpiry(time.Now().Add(time.Hour)),
	)
	client, cleanup := newTestSQLAdminClient(t,
		mock.InstanceGetSuccess(inst, 1),
		mock.GenerateEphemeralCertSuccess(inst, 1),
		mock.InstanceGetFailure(inst, 500, 1),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cache := NewLazyRefreshCache(
		testConnName(), debug.ToContextLogger(debug.Discard), client,
		mustLazyKey(t), 30*time.Second, unlimitedRateLimiter(), lazyStubTokenSource{}, false,
	)

	if _, err := cache.ConnectionInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	cache.ForceRefresh()

	// The refresh behind this call fails (InstanceGetFailure). ForceRefresh
	// dropped the previous result, so even though it hasn't expired yet,
	// ConnectionInfo must surface the failure rather than serve it again.
	_, err := cache.ConnectionInfo(context.Background())
	if err == nil {
		t.Fatal("want the refresh failure surfaced after ForceRefresh, got nil error")
	}
	var refreshErr *errtype.RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("got = %T, want *errtype.RefreshError", err)
	}
}

func TestLazyRefreshCacheUpdateRefreshIAMToggle(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_15")
	client, cleanup := newTestSQLAdminClient(t,
		mock.InstanceGetSuccess(inst, 2),
		mock.GenerateEphemeralCertSuccess(inst, 2),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cache := NewLazyRefreshCache(
		testConnName(), debug.ToContextLogger(debug.Discard), client,
		mustLazyKey(t), 30*time.Second, unlimitedRateLimiter(), lazyStubTokenSource{}, false,
	)

	if _, err := cache.ConnectionInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	enable := true
	cache.UpdateRefresh(&enable)

	// Toggling useIAMAuthN invalidates the cached result, so this call must
	// perform a second refresh, consuming the mock's second pair of requests.
	if _, err := cache.ConnectionInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
}
