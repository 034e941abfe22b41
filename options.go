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
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
)

// sqlserviceAdminScope is the OAuth2 scope required for the SQL Admin API.
const sqlserviceAdminScope = "https://www.googleapis.com/auth/sqlservice.admin"

// iamLoginScope is the scope used for the token embedded in a client
// certificate for IAM database authentication.
const iamLoginScope = "https://www.googleapis.com/auth/sqlservice.login"

// defaultHandshakeTimeout bounds the TCP+TLS portion of Dial, per spec.md
// §6.
const defaultHandshakeTimeout = 30 * time.Second

// RefreshStrategy selects how a Dialer keeps connection info fresh.
type RefreshStrategy int

const (
	// RefreshStrategyBackground proactively refreshes ahead of certificate
	// expiry using a background timer per instance.
	RefreshStrategyBackground RefreshStrategy = iota
	// RefreshStrategyLazy refreshes synchronously, on demand, only when a
	// dialer finds the cached result missing or expired. Useful where a
	// background timer isn't guaranteed to run, e.g. CPU-throttled
	// serverless containers.
	RefreshStrategyLazy
)

// An Option configures a Dialer constructed by NewDialer.
type Option func(d *dialerConfig)

type dialerConfig struct {
	rsaKey            *rsa.PrivateKey
	adminOpts         []apiopt.ClientOption
	dialOpts          []DialOption
	dialFunc          func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout    time.Duration
	refreshStrategy   RefreshStrategy
	tokenSource       oauth2.TokenSource
	iamLoginTokenSrc  oauth2.TokenSource
	userAgents        []string
	useIAMAuthN       bool
	universeDomain    string
	logger            debug.Logger
	disableTelemetry  bool
	quotaProject      string
	handshakeTimeout  time.Duration
	setCredentials    bool
	err               error
}

// WithOptions composes a list of Options into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentialsFile configures the Dialer to use the service account or
// refresh token JSON credentials file named by filename.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		WithCredentialsJSON(b)(d)
	}
}

// WithCredentialsJSON configures the Dialer to use the service account or
// refresh token JSON credentials in b.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) {
		c, err := google.CredentialsFromJSON(context.Background(), b, sqlserviceAdminScope)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		d.tokenSource = c.TokenSource
		d.setCredentials = true
		d.adminOpts = append(d.adminOpts, apiopt.WithCredentials(c))
	}
}

// WithTokenSource configures the Dialer to use ts for authenticating calls
// to the admin API. Do not use this together with WithIAMAuthN; use
// WithIAMAuthNTokenSources instead.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.tokenSource = ts
		d.setCredentials = true
		d.adminOpts = append(d.adminOpts, apiopt.WithTokenSource(ts))
	}
}

// WithIAMAuthNTokenSources configures the Dialer with two distinct token
// sources when IAM database authentication is enabled: oauth2Ts
// authenticates calls to the admin API, while iamLoginTs supplies the
// scoped token embedded as the client certificate's identity.
func WithIAMAuthNTokenSources(oauth2Ts, iamLoginTs oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.tokenSource = oauth2Ts
		d.iamLoginTokenSrc = iamLoginTs
		d.setCredentials = true
		d.adminOpts = append(d.adminOpts, apiopt.WithTokenSource(oauth2Ts))
	}
}

// WithUserAgent appends ua to the User-Agent header sent with admin API
// calls.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) {
		d.userAgents = append(d.userAgents, ua)
	}
}

// WithDefaultDialOptions sets the default DialOptions applied to every Dial
// call, which individual Dial calls may still override.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(d *dialerConfig) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// WithRSAKey configures the rsa.PrivateKey used as the client identity for
// every instance dialed by this Dialer, instead of generating one.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) {
		d.rsaKey = k
	}
}

// WithRefreshTimeout bounds how long a single refresh cycle (metadata and
// certificate fetch together) may take. Defaults to 60s. Only the
// background refresh strategy applies it; with WithLazyRefresh a refresh is
// bounded by the Dial call's context instead.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *dialerConfig) {
		d.refreshTimeout = t
	}
}

// WithLazyRefresh selects the LAZY refreshStrategy: see RefreshStrategyLazy.
func WithLazyRefresh() Option {
	return func(d *dialerConfig) {
		d.refreshStrategy = RefreshStrategyLazy
	}
}

// WithHandshakeTimeout bounds the TCP+TLS portion of every Dial call.
// Defaults to 30s.
func WithHandshakeTimeout(t time.Duration) Option {
	return func(d *dialerConfig) {
		d.handshakeTimeout = t
	}
}

// WithHTTPClient configures the underlying admin API client to use client.
// Unnecessary except for advanced use cases.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithHTTPClient(client))
	}
}

// WithAdminAPIEndpoint overrides the base URL used for the SQL Admin API.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithEndpoint(url))
	}
}

// WithUniverseDomain sets the expected non-default API universe domain.
// It must match any domain prefix parsed from an instance URI.
func WithUniverseDomain(domain string) Option {
	return func(d *dialerConfig) {
		d.universeDomain = domain
	}
}

// WithQuotaProject sets the project used for billing and quota on admin API
// calls.
func WithQuotaProject(p string) Option {
	return func(d *dialerConfig) {
		d.quotaProject = p
		d.adminOpts = append(d.adminOpts, apiopt.WithQuotaProject(p))
	}
}

// WithDialFunc configures the function used to open the underlying TCP
// connection for every Dial call. To configure one for a single call, use
// WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM database authentication: the client
// certificate's identity is derived from a token scoped for database
// login, and the handshake is forced to TLS 1.3. If no token source has
// been configured, the default application credentials supply one.
func WithIAMAuthN() Option {
	return func(d *dialerConfig) {
		d.useIAMAuthN = true
	}
}

// WithLogger configures l to receive debug-level log output from the
// Dialer. The default is a no-op logger.
func WithLogger(l debug.Logger) Option {
	return func(d *dialerConfig) {
		d.logger = l
	}
}

// WithOptOutOfBuiltInTelemetry disables the Dialer's built-in OpenTelemetry
// metrics export to Cloud Monitoring.
func WithOptOutOfBuiltInTelemetry() Option {
	return func(d *dialerConfig) {
		d.disableTelemetry = true
	}
}

// A DialOption configures an individual call to Dialer.Dial.
type DialOption func(cfg *dialConfig)

type dialConfig struct {
	ipType       string
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	tcpKeepAlive time.Duration
	useIAMAuthN  bool
}

// DialOptions composes a list of DialOptions into a single DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialConfig) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithPublicIP configures the Dialer to connect to the instance's public
// IP, failing ConfigurationInvalid if none is advertised.
func WithPublicIP() DialOption {
	return func(cfg *dialConfig) {
		cfg.ipType = cloudsql.PublicIP
	}
}

// WithPrivateIP configures the Dialer to connect to the instance's private
// IP.
func WithPrivateIP() DialOption {
	return func(cfg *dialConfig) {
		cfg.ipType = cloudsql.PrivateIP
	}
}

// WithPSC configures the Dialer to connect over Private Service Connect.
func WithPSC() DialOption {
	return func(cfg *dialConfig) {
		cfg.ipType = cloudsql.PSC
	}
}

// WithOneOffDialFunc configures the dial function for a single Dial call.
// To configure one across every call, use WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(cfg *dialConfig) {
		cfg.dialFunc = dial
	}
}

// WithTCPKeepAlive sets the TCP keep-alive period for the connection
// returned by Dial.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialConfig) {
		cfg.tcpKeepAlive = d
	}
}

// WithDialIAMAuthN overrides, for a single Dial call, whether IAM database
// authentication is used.
func WithDialIAMAuthN(enabled bool) DialOption {
	return func(cfg *dialConfig) {
		cfg.useIAMAuthN = enabled
	}
}
