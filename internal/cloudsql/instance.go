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
	"crypto/rsa"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
	"golang.org/x/oauth2"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

const (
	// refreshBuffer is how far ahead of certificate expiry the next refresh
	// is scheduled, once the remaining lifetime drops under an hour.
	refreshBuffer = 4 * time.Minute

	// RefreshTimeout bounds a single refresh cycle, metadata and cert fetch
	// included. It must exceed the rate limiter's fill interval.
	RefreshTimeout = 60 * time.Second

	defaultRefreshBurst = 2
	defaultRefreshEvery = 30 * time.Second
)

// refreshOperation is the pending or completed result of one refresh cycle.
// It is created by scheduleRefresh and is only ever read after ready closes.
type refreshOperation struct {
	ready chan struct{}
	timer *time.Timer

	result ConnectionInfo
	err    error
}

// cancel stops the timer if it hasn't already fired. It returns true if the
// timer was stopped before firing.
func (r *refreshOperation) cancel() bool {
	return r.timer.Stop()
}

// isValid reports whether this refreshOperation finished successfully and
// its result has not yet expired.
func (r *refreshOperation) isValid() bool {
	select {
	default:
		return false
	case <-r.ready:
		if r.err != nil || time.Now().After(r.result.Expiration.Round(0)) {
			return false
		}
		return true
	}
}

// RefreshAheadCache implements the BACKGROUND refreshStrategy: it holds the
// current and next refreshOperation for one instance and proactively
// schedules the next refresh ahead of certificate expiry, per spec.md
// §4.4. Only one refresh runs at a time; ForceRefresh and timer firings
// both funnel through scheduleRefresh so the single-flight guarantee holds
// without any additional locking around the fetch itself.
type RefreshAheadCache struct {
	cn       instance.ConnName
	dialerID string
	key      *rsa.PrivateKey

	openConns uint64

	refreshTimeout time.Duration
	limiter        *RateLimiter
	r              refresher

	mu          sync.RWMutex
	useIAMAuthN bool
	cur         *refreshOperation
	next        *refreshOperation

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefreshAheadCache creates a RefreshAheadCache and immediately schedules
// its first refresh; construction does not block on that refresh
// completing.
func NewRefreshAheadCache(
	cn instance.ConnName,
	dialerID string,
	logger debug.ContextLogger,
	client *sqladmin.Service,
	key *rsa.PrivateKey,
	refreshTimeout time.Duration,
	limiter *RateLimiter,
	iamTokenSource oauth2.TokenSource,
	useIAMAuthN bool,
) *RefreshAheadCache {
	ctx, cancel := context.WithCancel(context.Background())
	if refreshTimeout == 0 {
		refreshTimeout = RefreshTimeout
	}
	i := &RefreshAheadCache{
		cn:             cn,
		dialerID:       dialerID,
		key:            key,
		refreshTimeout: refreshTimeout,
		limiter:        limiter,
		r:              newRefresher(logger, client, key, iamTokenSource),
		useIAMAuthN:    useIAMAuthN,
		ctx:            ctx,
		cancel:         cancel,
	}
	i.mu.Lock()
	// cur == next until the first refresh completes so that callers block
	// for the initial credential material instead of observing a zero value.
	i.cur = i.scheduleRefresh(0)
	i.next = i.cur
	i.mu.Unlock()
	return i
}

// OpenConns returns a pointer to the open-connection counter so the dialer
// can adjust it atomically as connections are established and closed.
func (i *RefreshAheadCache) OpenConns() *uint64 {
	return &i.openConns
}

// Close stops the refresh cycle. ConnectionInfo calls made after Close, and
// calls still waiting on a refresh, fail with errtype.ReasonClosed.
func (i *RefreshAheadCache) Close() error {
	i.cancel()
	return nil
}

// ConnectionInfo returns the current, non-expired ConnectionInfo, waiting
// for the in-flight refresh if necessary.
func (i *RefreshAheadCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	op, err := i.currentOperation(ctx)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return op.result, nil
}

// UpdateRefresh reschedules an immediate refresh when the caller's IAM
// authentication preference differs from the one currently in effect.
func (i *RefreshAheadCache) UpdateRefresh(useIAMAuthN *bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if useIAMAuthN != nil && *useIAMAuthN != i.useIAMAuthN {
		i.cur.cancel()
		i.next.cancel()
		i.useIAMAuthN = *useIAMAuthN
		i.cur = i.scheduleRefresh(0)
		i.next = i.cur
	}
}

// ForceRefresh schedules an immediate refresh (skipping the timer, not the
// rate limiter) and, if the current result is already invalid, makes
// callers wait on that refresh rather than continue serving stale data.
func (i *RefreshAheadCache) ForceRefresh() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.next.cancel() {
		i.next = i.scheduleRefresh(0)
	}
	if !i.cur.isValid() {
		i.cur = i.next
	}
}

func (i *RefreshAheadCache) currentOperation(ctx context.Context) (*refreshOperation, error) {
	if i.ctx.Err() != nil {
		return nil, errtype.NewDialErrorWithReason("cache closed", i.cn.String(), errtype.ReasonClosed, nil)
	}
	i.mu.RLock()
	cur := i.cur
	i.mu.RUnlock()
	select {
	case <-cur.ready:
		if cur.err != nil {
			return nil, cur.err
		}
		return cur, nil
	case <-ctx.Done():
		return nil, errtype.NewDialErrorWithReason("timed out waiting for refresh", i.cn.String(), errtype.ReasonTimeout, ctx.Err())
	case <-i.ctx.Done():
		return nil, errtype.NewDialErrorWithReason("cache closed", i.cn.String(), errtype.ReasonClosed, nil)
	}
}

// refreshDuration computes how long to wait before the next refresh,
// implementing spec.md §4.4 step 1(b) exactly: half the remaining lifetime,
// except once that remaining lifetime drops under an hour, in which case
// the next refresh is scheduled refreshBuffer before expiry (or
// immediately, if already within refreshBuffer of expiry).
func refreshDuration(now, expiry time.Time) time.Duration {
	d := expiry.Sub(now.Round(0))
	if d < time.Hour {
		if d < refreshBuffer {
			return 0
		}
		return d - refreshBuffer
	}
	return d / 2
}

// scheduleRefresh arranges for a refresh to run after d, returning the
// refreshOperation representing it. The operation acquires a rate-limiter
// token before calling out to the refresher, so refresh attempts across all
// instances sharing this limiter are jointly throttled.
func (i *RefreshAheadCache) scheduleRefresh(d time.Duration) *refreshOperation {
	r := &refreshOperation{ready: make(chan struct{})}
	r.timer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(i.ctx, i.refreshTimeout)
		defer cancel()

		if err := i.limiter.Wait(ctx); err != nil {
			r.err = errtype.NewDialErrorWithReason(
				"context was canceled or expired before refresh completed",
				i.cn.String(), errtype.ReasonTimeout, nil,
			)
		} else {
			i.mu.RLock()
			useIAMAuthN := i.useIAMAuthN
			i.mu.RUnlock()
			r.result, r.err = i.r.performRefresh(ctx, i.cn, useIAMAuthN)
		}
		trace.RecordRefreshResult(context.Background(), i.cn.String(), i.dialerID, r.err)
		close(r.ready)

		select {
		case <-i.ctx.Done():
			return
		default:
		}

		i.mu.Lock()
		defer i.mu.Unlock()
		if r.err != nil {
			i.next = i.scheduleRefresh(0)
			if !i.cur.isValid() {
				i.cur = r
			}
			return
		}

		i.cur = r
		i.next = i.scheduleRefresh(refreshDuration(time.Now(), i.cur.result.Expiration))
	})
	return r
}
