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
	"testing"
	"time"
)

func TestRefreshDuration(t *testing.T) {
	now := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	tcs := []struct {
		desc   string
		expiry time.Time
		want   time.Duration
	}{
		{
			desc:   "long-lived cert halves the remaining lifetime",
			expiry: now.Add(4 * time.Hour),
			want:   2 * time.Hour,
		},
		{
			desc:   "under an hour schedules refreshBuffer before expiry",
			expiry: now.Add(45 * time.Minute),
			want:   45*time.Minute - refreshBuffer,
		},
		{
			desc:   "within refreshBuffer of expiry refreshes immediately",
			expiry: now.Add(2 * time.Minute),
			want:   0,
		},
		{
			desc:   "already expired refreshes immediately",
			expiry: now.Add(-time.Minute),
			want:   0,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got := refreshDuration(now, tc.expiry)
			if got != tc.want {
				t.Errorf("refreshDuration(%v, %v) = %v, want %v", now, tc.expiry, got, tc.want)
			}
		})
	}
}

func TestRefreshOperationIsValid(t *testing.T) {
	op := &refreshOperation{ready: make(chan struct{})}
	if op.isValid() {
		t.Error("expected an operation that hasn't completed to be invalid")
	}

	op.result = ConnectionInfo{Expiration: time.Now().Add(time.Hour)}
	close(op.ready)
	if !op.isValid() {
		t.Error("expected a completed, unexpired operation to be valid")
	}

	expired := &refreshOperation{ready: make(chan struct{})}
	expired.result = ConnectionInfo{Expiration: time.Now().Add(-time.Hour)}
	close(expired.ready)
	if expired.isValid() {
		t.Error("expected a completed, expired operation to be invalid")
	}

	errored := &refreshOperation{ready: make(chan struct{}), err: errTest}
	close(errored.ready)
	if errored.isValid() {
		t.Error("expected an operation that finished with an error to be invalid")
	}
}

var errTest = &testError{}

type testError struct{}

func (e *testError) Error() string { return "test error" }
