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

package cloudsqlconn

import (
	"context"
	"errors"
	"io"
	"testing"

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/mock"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

const testInstanceURI = "my-project:my-region:my-instance"

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "my-token"}, nil
}

// newTestDialer builds a Dialer wired to a fake admin API server, returning
// it along with a cleanup func that tears down both the admin server and
// the fake server-side proxy.
func newTestDialer(t *testing.T, inst mock.FakeCloudSQLInstance, extra ...Option) (*Dialer, func()) {
	t.Helper()
	ctx := context.Background()
	hc, url, cleanup := mock.HTTPClient(
		mock.InstanceGetSuccess(inst, 1),
		mock.GenerateEphemeralCertSuccess(inst, 1),
	)
	stopProxy := mock.StartServerProxy(t, inst)

	opts := append([]Option{
		WithTokenSource(stubTokenSource{}),
		WithOptOutOfBuiltInTelemetry(),
	}, extra...)
	d, err := NewDialer(ctx, opts...)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	client, err := sqladmin.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(url))
	if err != nil {
		t.Fatalf("sqladmin.NewService: %v", err)
	}
	d.sqladmin = client

	return d, func() {
		stopProxy()
		if err := cleanup(); err != nil {
			t.Errorf("cleanup: %v", err)
		}
		_ = d.Close()
	}
}

func TestDialerCanConnectToInstance(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_15")
	d, cleanup := newTestDialer(t, inst)
	defer cleanup()

	conn, err := d.Dial(context.Background(), testInstanceURI)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "my-instance" {
		t.Fatalf("got = %q, want %q", string(data), "my-instance")
	}
}

func TestDialerWithLazyRefresh(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "MYSQL_8_0")
	d, cleanup := newTestDialer(t, inst, WithLazyRefresh())
	defer cleanup()

	conn, err := d.Dial(context.Background(), testInstanceURI)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "my-instance" {
		t.Fatalf("got = %q, want %q", string(data), "my-instance")
	}
}

func TestDialerWithPrivateIP(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance(
		"my-project", "my-region", "my-instance", "POSTGRES_15",
		mock.WithPrivateIP("127.0.0.1"),
	)
	d, cleanup := newTestDialer(t, inst)
	defer cleanup()

	conn, err := d.Dial(context.Background(), testInstanceURI, WithPrivateIP())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestDialerNoIPTypeAdvertised(t *testing.T) {
	// The fake instance only advertises a public IP; requesting the private
	// one should surface a config error before ever attempting to connect.
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_15")
	ctx := context.Background()
	hc, url, cleanup := mock.HTTPClient(
		mock.InstanceGetSuccess(inst, 1),
		mock.GenerateEphemeralCertSuccess(inst, 1),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Errorf("cleanup: %v", err)
		}
	}()

	d, err := NewDialer(ctx, WithTokenSource(stubTokenSource{}), WithOptOutOfBuiltInTelemetry())
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	defer d.Close()
	client, err := sqladmin.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(url))
	if err != nil {
		t.Fatalf("sqladmin.NewService: %v", err)
	}
	d.sqladmin = client

	_, err = d.Dial(ctx, testInstanceURI, WithPrivateIP())
	if err == nil {
		t.Fatal("expected Dial to fail for an IP type the instance doesn't advertise")
	}
	var cfgErr *errtype.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got = %T, want *errtype.ConfigError", err)
	}
}

func TestDialerInvalidInstanceURI(t *testing.T) {
	ctx := context.Background()
	d, err := NewDialer(ctx, WithTokenSource(stubTokenSource{}), WithOptOutOfBuiltInTelemetry())
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	defer d.Close()

	_, err = d.Dial(ctx, "not-a-valid-instance-uri")
	if err == nil {
		t.Fatal("expected Dial to fail for a malformed instance URI")
	}
}

func TestDialerEngineVersion(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "MYSQL_8_0")
	d, cleanup := newTestDialer(t, inst)
	defer cleanup()

	v, err := d.EngineVersion(context.Background(), testInstanceURI)
	if err != nil {
		t.Fatalf("EngineVersion: %v", err)
	}
	if v != "MYSQL_8_0" {
		t.Fatalf("got = %q, want %q", v, "MYSQL_8_0")
	}
}

func TestDialerUsesIAMAuthNRejectsSQLServer(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "SQLSERVER_2019_STANDARD")
	ctx := context.Background()
	hc, url, cleanup := mock.HTTPClient(
		mock.InstanceGetSuccess(inst, 1),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Errorf("cleanup: %v", err)
		}
	}()

	d, err := NewDialer(ctx,
		WithIAMAuthNTokenSources(stubTokenSource{}, stubTokenSource{}),
		WithIAMAuthN(),
		WithOptOutOfBuiltInTelemetry(),
	)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	defer d.Close()
	client, err := sqladmin.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(url))
	if err != nil {
		t.Fatalf("sqladmin.NewService: %v", err)
	}
	d.sqladmin = client

	_, err = d.Dial(ctx, testInstanceURI)
	if err == nil {
		t.Fatal("expected Dial to fail: SQL Server does not support IAM database authentication")
	}
}

func TestDialerRejectsMismatchedPeerIdentity(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance(
		"my-project", "my-region", "my-instance", "POSTGRES_15",
		mock.WithMismatchedIdentity(),
	)
	d, cleanup := newTestDialer(t, inst)
	defer cleanup()

	_, err := d.Dial(context.Background(), testInstanceURI)
	if err == nil {
		t.Fatal("expected Dial to fail: server leaf certificate identity does not match the dialed instance")
	}
	var dialErr *errtype.DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("got = %T, want *errtype.DialError", err)
	}
	if dialErr.Reason != errtype.ReasonPeerIdentity {
		t.Fatalf("got Reason = %q, want %q", dialErr.Reason, errtype.ReasonPeerIdentity)
	}
}

func TestDialerUniverseDomainMismatch(t *testing.T) {
	ctx := context.Background()
	d, err := NewDialer(ctx,
		WithTokenSource(stubTokenSource{}),
		WithOptOutOfBuiltInTelemetry(),
		WithUniverseDomain("example.com"),
	)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	defer d.Close()

	_, err = d.Dial(ctx, testInstanceURI)
	if err == nil {
		t.Fatal("expected Dial to fail: instance URI domain does not match configured universe domain")
	}
	var cfgErr *errtype.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("got = %T, want *errtype.ConfigError", err)
	}
}

func TestDialerCachesInstanceAcrossDials(t *testing.T) {
	inst := mock.NewFakeCloudSQLInstance("my-project", "my-region", "my-instance", "POSTGRES_15")
	d, cleanup := newTestDialer(t, inst)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		conn, err := d.Dial(ctx, testInstanceURI)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conn.Close()
	}

	d.lock.RLock()
	n := len(d.instances)
	d.lock.RUnlock()
	if n != 1 {
		t.Fatalf("got %d cached instance entries, want 1", n)
	}
}
