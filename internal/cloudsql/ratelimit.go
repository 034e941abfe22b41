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

	"golang.org/x/time/rate"
)

// RateLimiter gates every refresh attempt across all instances owned by one
// Dialer. Unlike a per-instance limiter, this one is shared: every
// RefreshAheadCache and LazyRefreshCache the Dialer creates holds a
// reference to the same RateLimiter so that a caller dialing many instances
// from one Dialer still respects a single admin API budget.
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter returns a RateLimiter admitting burst tokens immediately,
// refilling at every tokens per second thereafter (1.0/30 is one token
// every 30 seconds).
func NewRateLimiter(burst int, every rate.Limit) *RateLimiter {
	return &RateLimiter{l: rate.NewLimiter(every, burst)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.l.Wait(ctx)
}
