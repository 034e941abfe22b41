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

// Package cloudsqlconn provides functions for authorizing and encrypting
// connections to Cloud SQL instances. It uses the instance's associated
// short-lived client and server certificates to establish a mutual
// TLS-secured connection, without requiring the instance's IP to be
// allowlisted or a password beyond IAM credentials.
package cloudsqlconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"cloud.google.com/go/cloudsqlconn/internal/telemetry"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// serverProxyPort is the fixed port the server-side proxy listens on, per
// spec.md §4.3.
const serverProxyPort = "3307"

const defaultTCPKeepAlive = 30 * time.Second

// version is embedded in the User-Agent sent with every admin API call.
const version = "1.0.0"

// rateEvery30s is the refill rate of the shared RateLimiter: one token
// every 30 seconds, per spec.md §4.2's suggested default.
const rateEvery30s = 1.0 / 30.0

var (
	errUseTokenSource    = errors.New("use WithTokenSource when IAM authentication is not enabled")
	errUseIAMTokenSource = errors.New("use WithIAMAuthNTokenSources instead of WithTokenSource when IAM authentication is enabled")

	// defaultKey is generated once per process and reused by every Dialer
	// that doesn't supply its own key via WithRSAKey, per spec.md §4.6.
	defaultKey    *rsa.PrivateKey
	defaultKeyErr error
	keyOnce       sync.Once
)

func getDefaultKey() (*rsa.PrivateKey, error) {
	keyOnce.Do(func() {
		defaultKey, defaultKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	return defaultKey, defaultKeyErr
}

// connectionInfoCache is the interface both refresh strategies implement,
// letting the Dialer stay agnostic to which one backs a given instance.
type connectionInfoCache interface {
	OpenConns() *uint64
	ConnectionInfo(context.Context) (cloudsql.ConnectionInfo, error)
	UpdateRefresh(*bool)
	ForceRefresh()
	io.Closer
}

// A Dialer is used to create connections to Cloud SQL instances.
//
// Use NewDialer to create a Dialer.
type Dialer struct {
	lock      sync.RWMutex
	instances map[instance.ConnName]connectionInfoCache

	key              *rsa.PrivateKey
	refreshTimeout   time.Duration
	refreshStrat     RefreshStrategy
	handshakeTimeout time.Duration
	limiter          *cloudsql.RateLimiter
	universeDomain   string

	sqladmin *sqladmin.Service

	defaultDialConfig dialConfig

	dialerID string
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	iamTokenSource oauth2.TokenSource

	logger debug.Logger

	metrics *telemetry.MetricRecorder
}

// NewDialer creates a new Dialer.
//
// The first call to NewDialer in a process may take longer than later ones,
// because it generates an RSA keypair if one wasn't supplied with
// WithRSAKey. Later Dialers reuse that same key.
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	cfg := &dialerConfig{
		refreshTimeout:   cloudsql.RefreshTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		dialFunc:         proxy.Dial,
		logger:           debug.Discard,
	}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}

	if cfg.useIAMAuthN && cfg.setCredentials && cfg.iamLoginTokenSrc == nil {
		return nil, errUseIAMTokenSource
	}
	if cfg.iamLoginTokenSrc != nil && !cfg.useIAMAuthN {
		return nil, errUseTokenSource
	}

	ua := "cloud-sql-go-connector/" + version
	for _, extra := range cfg.userAgents {
		ua += " " + extra
	}
	cfg.adminOpts = append(cfg.adminOpts, apiopt.WithUserAgent(ua))

	if !cfg.setCredentials {
		ts, err := google.DefaultTokenSource(ctx, sqlserviceAdminScope)
		if err != nil {
			return nil, fmt.Errorf("failed to create token source: %w", err)
		}
		cfg.adminOpts = append(cfg.adminOpts, apiopt.WithTokenSource(ts))
		scoped, err := google.DefaultTokenSource(ctx, iamLoginScope)
		if err != nil {
			return nil, fmt.Errorf("failed to create scoped IAM login token source: %w", err)
		}
		cfg.iamLoginTokenSrc = scoped
	}

	key := cfg.rsaKey
	if key == nil {
		k, err := getDefaultKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		key = k
	}

	client, err := sqladmin.NewService(ctx, cfg.adminOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqladmin client: %w", err)
	}

	dc := dialConfig{
		ipType:       cloudsql.PublicIP,
		tcpKeepAlive: defaultTCPKeepAlive,
		useIAMAuthN:  cfg.useIAMAuthN,
	}
	for _, opt := range cfg.dialOpts {
		opt(&dc)
	}

	if err := trace.InitMetrics(); err != nil {
		return nil, err
	}

	dialerID := uuid.New().String()
	metrics, err := telemetry.NewMetricRecorder(ctx, telemetry.Config{
		Enabled:   !cfg.disableTelemetry,
		Version:   version,
		ClientID:  dialerID,
		ProjectID: cfg.quotaProject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return &Dialer{
		instances:         make(map[instance.ConnName]connectionInfoCache),
		key:               key,
		refreshTimeout:    cfg.refreshTimeout,
		refreshStrat:      cfg.refreshStrategy,
		handshakeTimeout:  cfg.handshakeTimeout,
		limiter:           cloudsql.NewRateLimiter(2, rateEvery30s),
		universeDomain:    cfg.universeDomain,
		sqladmin:          client,
		defaultDialConfig: dc,
		dialerID:          dialerID,
		iamTokenSource:    cfg.iamLoginTokenSrc,
		dialFunc:          cfg.dialFunc,
		logger:            cfg.logger,
		metrics:           metrics,
	}, nil
}

// Dial returns a net.Conn connected to the specified Cloud SQL instance.
// The icn argument must be the instance's connection name, in the form
// "project:region:instance", "domain:project:region:instance", or a
// DNS-style name.
func (d *Dialer) Dial(ctx context.Context, icn string, opts ...DialOption) (conn net.Conn, err error) {
	startTime := time.Now()
	var endDial trace.EndSpanFunc
	ctx, endDial = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn.Dial",
		trace.AddInstanceName(icn), trace.AddDialerID(d.dialerID))
	defer func() {
		go trace.RecordDialError(context.Background(), icn, d.dialerID, err)
		endDial(err)
	}()

	cn, err := instance.ParseConnName(icn)
	if err != nil {
		return nil, err
	}
	if err := d.checkUniverseDomain(cn); err != nil {
		return nil, err
	}

	cfg := d.defaultDialConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	dctx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	i := d.instanceEntry(cn, &cfg.useIAMAuthN)
	ci, err := i.ConnectionInfo(dctx)
	if err != nil {
		d.evict(cn, i)
		return nil, err
	}

	if invalidClientCert(ci) {
		i.ForceRefresh()
		ci, err = i.ConnectionInfo(dctx)
		if err != nil {
			d.evict(cn, i)
			return nil, err
		}
	}

	addr, err := ci.Addr(cfg.ipType)
	if err != nil {
		return nil, err
	}

	var connectEnd trace.EndSpanFunc
	dctx, connectEnd = trace.StartSpan(dctx, "cloud.google.com/go/cloudsqlconn/internal.Connect")
	defer func() { connectEnd(err) }()

	f := d.dialFunc
	if cfg.dialFunc != nil {
		f = cfg.dialFunc
	}
	hostport := net.JoinHostPort(addr, serverProxyPort)
	tcpConn, err := f(dctx, "tcp", hostport)
	if err != nil {
		i.ForceRefresh()
		if dctx.Err() != nil {
			return nil, errtype.NewDialErrorWithReason("failed to dial", cn.String(), errtype.ReasonTimeout, err)
		}
		return nil, errtype.NewDialError("failed to dial", cn.String(), err)
	}
	if c, ok := tcpConn.(*net.TCPConn); ok {
		_ = c.SetKeepAlive(true)
		_ = c.SetKeepAlivePeriod(cfg.tcpKeepAlive)
	}

	tlsConn := tls.Client(tcpConn, ci.TLSConfig())
	if err := tlsConn.HandshakeContext(dctx); err != nil {
		i.ForceRefresh()
		_ = tlsConn.Close()
		var dialErr *errtype.DialError
		if errors.As(err, &dialErr) {
			return nil, dialErr
		}
		return nil, errtype.NewDialError("handshake failed", cn.String(), err)
	}

	if ci.SupportsMetadataExchange() {
		authType := "PASSWORD"
		if cfg.useIAMAuthN {
			authType = "IAM"
		}
		req := cloudsql.MetadataExchangeRequest{UserAgent: "cloud-sql-go-connector/" + version, AuthType: authType}
		if err := cloudsql.PerformMetadataExchange(tlsConn, req); err != nil {
			_ = tlsConn.Close()
			return nil, errtype.NewDialErrorWithReason("metadata exchange failed", cn.String(), errtype.ReasonMetadataExchange, err)
		}
	}

	latencyMS := time.Since(startTime).Milliseconds()
	refreshType := telemetry.RefreshAheadType
	if d.refreshStrat == RefreshStrategyLazy {
		refreshType = telemetry.RefreshLazyType
	}
	attrs := telemetry.Attributes{IAMAuthN: cfg.useIAMAuthN, DialStatus: telemetry.DialSuccess, RefreshType: refreshType}
	go func() {
		n := atomic.AddUint64(i.OpenConns(), 1)
		trace.RecordOpenConnections(context.Background(), int64(n), d.dialerID, cn.String())
		trace.RecordDialLatency(context.Background(), icn, d.dialerID, latencyMS)
		d.metrics.RecordDialCount(context.Background(), attrs)
		d.metrics.RecordDialLatency(context.Background(), latencyMS)
		d.metrics.RecordOpenConnection(context.Background(), attrs)
	}()

	return newInstrumentedConn(tlsConn, func() {
		n := atomic.AddUint64(i.OpenConns(), ^uint64(0))
		trace.RecordOpenConnections(context.Background(), int64(n), d.dialerID, cn.String())
		d.metrics.RecordClosedConnection(context.Background(), attrs)
	}), nil
}

// checkUniverseDomain enforces WithUniverseDomain: if the Dialer was
// configured with an explicit universe domain, every instance URI dialed
// through it must resolve to that domain (a URI without a domain prefix
// resolves to googleapis.com). Without WithUniverseDomain, no check is made.
func (d *Dialer) checkUniverseDomain(cn instance.ConnName) error {
	if d.universeDomain == "" {
		return nil
	}
	if got := cn.EffectiveDomain(); got != d.universeDomain {
		return errtype.NewConfigError(
			fmt.Sprintf("universe domain %q does not match the configured universe domain %q", got, d.universeDomain),
			cn.String(),
		)
	}
	return nil
}

// invalidClientCert reports whether ci's client certificate has expired,
// which can happen if the process slept (e.g. suspended containers) through
// a scheduled refresh. The TLS handshake itself won't fail on an expired
// client cert; the server only rejects it on the first read.
func invalidClientCert(ci cloudsql.ConnectionInfo) bool {
	return time.Now().After(ci.Expiry())
}

// Warmup starts the background refresh necessary to connect to an instance
// without blocking on it, for callers that want to pay the first-refresh
// cost ahead of the first real Dial. With WithLazyRefresh, Warmup only
// creates the cache entry; no refresh starts until the first Dial.
func (d *Dialer) Warmup(_ context.Context, icn string, opts ...DialOption) error {
	cn, err := instance.ParseConnName(icn)
	if err != nil {
		return err
	}
	if err := d.checkUniverseDomain(cn); err != nil {
		return err
	}
	cfg := d.defaultDialConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	_ = d.instanceEntry(cn, &cfg.useIAMAuthN)
	return nil
}

// EngineVersion returns the database engine and version for the instance
// named by icn.
func (d *Dialer) EngineVersion(ctx context.Context, icn string) (string, error) {
	cn, err := instance.ParseConnName(icn)
	if err != nil {
		return "", err
	}
	if err := d.checkUniverseDomain(cn); err != nil {
		return "", err
	}
	i := d.instanceEntry(cn, nil)
	ci, err := i.ConnectionInfo(ctx)
	if err != nil {
		return "", err
	}
	return ci.DatabaseVersion(), nil
}

// Close closes every instance entry the Dialer has cached, stopping their
// background refreshes. Dial calls already in progress may still complete.
// A later Dial to an instance cached before Close fails with
// errtype.ReasonClosed and evicts that entry; the Dialer keeps no closed
// state of its own, so a Dial after that creates a fresh entry. Close is
// idempotent.
func (d *Dialer) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, i := range d.instances {
		_ = i.Close()
	}
	if d.metrics != nil {
		_ = d.metrics.Shutdown(context.Background())
	}
	return nil
}

// evict removes cn's entry from the registry and closes it, used when an
// entry's ConnectionInfo call fails so a subsequent Dial creates a
// fresh entry rather than reusing a poisoned one.
func (d *Dialer) evict(cn instance.ConnName, i connectionInfoCache) {
	d.lock.Lock()
	defer d.lock.Unlock()
	_ = i.Close()
	delete(d.instances, cn)
}

// instanceEntry returns the connectionInfoCache for cn, creating it if
// necessary. Creation is itself single-flight: two goroutines racing on the
// same cn will only ever construct one entry, because the second checks
// the map again after acquiring the write lock.
func (d *Dialer) instanceEntry(cn instance.ConnName, useIAMAuthN *bool) connectionInfoCache {
	d.lock.RLock()
	i, ok := d.instances[cn]
	d.lock.RUnlock()
	if !ok {
		d.lock.Lock()
		i, ok = d.instances[cn]
		if !ok {
			var dial bool
			if useIAMAuthN != nil {
				dial = *useIAMAuthN
			}
			ctxLogger := debug.ToContextLogger(d.logger)
			if d.refreshStrat == RefreshStrategyLazy {
				i = cloudsql.NewLazyRefreshCache(
					cn, ctxLogger, d.sqladmin, d.key, d.refreshTimeout, d.limiter, d.iamTokenSource, dial,
				)
			} else {
				i = cloudsql.NewRefreshAheadCache(
					cn, d.dialerID, ctxLogger, d.sqladmin, d.key, d.refreshTimeout, d.limiter, d.iamTokenSource, dial,
				)
			}
			d.instances[cn] = i
		}
		d.lock.Unlock()
	}
	i.UpdateRefresh(useIAMAuthN)
	return i
}

// instrumentedConn wraps a net.Conn, invoking closeFunc once Close
// succeeds, used to keep the open-connections gauge accurate.
type instrumentedConn struct {
	net.Conn
	closeFunc func()
}

func newInstrumentedConn(conn net.Conn, closeFunc func()) *instrumentedConn {
	return &instrumentedConn{Conn: conn, closeFunc: closeFunc}
}

// Close closes the underlying connection and, only if that succeeds,
// invokes closeFunc.
func (i *instrumentedConn) Close() error {
	if err := i.Conn.Close(); err != nil {
		return err
	}
	go i.closeFunc()
	return nil
}
