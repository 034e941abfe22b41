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
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type nullTokenSource struct{}

func (nullTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "my-token"}, nil
}

func TestWithCredentialsJSON_InvalidJSON(t *testing.T) {
	cfg := &dialerConfig{}
	WithCredentialsJSON([]byte("not-json"))(cfg)
	if cfg.err == nil {
		t.Fatal("expected an error for invalid credentials JSON, got nil")
	}
}

func TestWithTokenSource(t *testing.T) {
	cfg := &dialerConfig{}
	ts := nullTokenSource{}
	WithTokenSource(ts)(cfg)
	if !cfg.setCredentials {
		t.Fatal("expected setCredentials to be true")
	}
	if cfg.tokenSource != ts {
		t.Fatal("expected tokenSource to be set")
	}
}

func TestWithIAMAuthNTokenSources(t *testing.T) {
	cfg := &dialerConfig{}
	adminTS, loginTS := nullTokenSource{}, nullTokenSource{}
	WithIAMAuthNTokenSources(adminTS, loginTS)(cfg)
	if cfg.tokenSource != adminTS {
		t.Fatal("expected tokenSource to be the admin API token source")
	}
	if cfg.iamLoginTokenSrc != loginTS {
		t.Fatal("expected iamLoginTokenSrc to be the login token source")
	}
}

func TestWithLazyRefresh(t *testing.T) {
	cfg := &dialerConfig{}
	WithLazyRefresh()(cfg)
	if cfg.refreshStrategy != RefreshStrategyLazy {
		t.Fatalf("refreshStrategy = %v, want RefreshStrategyLazy", cfg.refreshStrategy)
	}
}

func TestWithHandshakeTimeout(t *testing.T) {
	cfg := &dialerConfig{}
	WithHandshakeTimeout(5 * time.Second)(cfg)
	if cfg.handshakeTimeout != 5*time.Second {
		t.Fatalf("handshakeTimeout = %v, want 5s", cfg.handshakeTimeout)
	}
}

func TestWithOptions_Compose(t *testing.T) {
	cfg := &dialerConfig{}
	combined := WithOptions(WithLazyRefresh(), WithRefreshTimeout(10*time.Second))
	combined(cfg)
	if cfg.refreshStrategy != RefreshStrategyLazy {
		t.Fatal("expected composed WithLazyRefresh to apply")
	}
	if cfg.refreshTimeout != 10*time.Second {
		t.Fatal("expected composed WithRefreshTimeout to apply")
	}
}

func TestDialOptions_Compose(t *testing.T) {
	cfg := &dialConfig{}
	combined := DialOptions(WithPrivateIP(), WithTCPKeepAlive(15*time.Second))
	combined(cfg)
	if cfg.ipType != "PRIVATE" {
		t.Fatalf("ipType = %q, want PRIVATE", cfg.ipType)
	}
	if cfg.tcpKeepAlive != 15*time.Second {
		t.Fatal("expected composed WithTCPKeepAlive to apply")
	}
}

func TestWithDialIAMAuthN(t *testing.T) {
	cfg := &dialConfig{}
	WithDialIAMAuthN(true)(cfg)
	if !cfg.useIAMAuthN {
		t.Fatal("expected useIAMAuthN to be true")
	}
}
