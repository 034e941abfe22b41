// Copyright 2023 Google LLC
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
	"crypto/rsa"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"golang.org/x/oauth2"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// LazyRefreshCache implements the LAZY refreshStrategy: no background
// timer runs. A refresh happens synchronously, on the calling goroutine,
// the first time ConnectionInfo is called and whenever the cached result
// has expired. This trades proactive freshness for not requiring a
// reliably-running background timer, which matters in environments (such
// as a CPU-throttled serverless container) where timers may not fire on
// schedule.
type LazyRefreshCache struct {
	cn  instance.ConnName
	key *rsa.PrivateKey

	openConns uint64

	limiter *RateLimiter
	r       refresher

	mu          sync.Mutex
	useIAMAuthN bool
	cur         ConnectionInfo
	curErr      error
	has         bool
	closed      bool
}

// NewLazyRefreshCache creates a LazyRefreshCache. Unlike
// NewRefreshAheadCache, no refresh is started until the first
// ConnectionInfo call.
func NewLazyRefreshCache(
	cn instance.ConnName,
	logger debug.ContextLogger,
	client *sqladmin.Service,
	key *rsa.PrivateKey,
	_ time.Duration,
	limiter *RateLimiter,
	iamTokenSource oauth2.TokenSource,
	useIAMAuthN bool,
) *LazyRefreshCache {
	return &LazyRefreshCache{
		cn:          cn,
		key:         key,
		limiter:     limiter,
		r:           newRefresher(logger, client, key, iamTokenSource),
		useIAMAuthN: useIAMAuthN,
	}
}

// OpenConns returns a pointer to the open-connection counter.
func (l *LazyRefreshCache) OpenConns() *uint64 {
	return &l.openConns
}

// Close marks the cache closed; further ConnectionInfo calls fail
// immediately.
func (l *LazyRefreshCache) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// ConnectionInfo returns the cached ConnectionInfo, refreshing synchronously
// if none is cached yet or the cached one has expired.
func (l *LazyRefreshCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ConnectionInfo{}, errtype.NewDialErrorWithReason("cache closed", l.cn.String(), errtype.ReasonClosed, nil)
	}
	if l.has && time.Now().Before(l.cur.Expiration) {
		return l.cur, nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return ConnectionInfo{}, errtype.NewDialErrorWithReason(
			"context was canceled or expired before refresh completed",
			l.cn.String(), errtype.ReasonTimeout, nil,
		)
	}
	ci, err := l.r.performRefresh(ctx, l.cn, l.useIAMAuthN)
	if err != nil {
		// Stale tolerance: if a previous result is still valid, keep
		// serving it rather than surfacing this failure.
		if l.has && time.Now().Before(l.cur.Expiration) {
			return l.cur, nil
		}
		l.curErr = err
		return ConnectionInfo{}, err
	}
	l.cur, l.has, l.curErr = ci, true, nil
	return ci, nil
}

// UpdateRefresh drops the cached result when the caller's IAM
// authentication preference changes so the next ConnectionInfo call
// refreshes under the new setting.
func (l *LazyRefreshCache) UpdateRefresh(useIAMAuthN *bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if useIAMAuthN != nil && *useIAMAuthN != l.useIAMAuthN {
		l.useIAMAuthN = *useIAMAuthN
		l.has = false
	}
}

// ForceRefresh drops the cached result so the next ConnectionInfo call
// fetches fresh credentials instead of reusing the one being invalidated.
func (l *LazyRefreshCache) ForceRefresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.has = false
}
