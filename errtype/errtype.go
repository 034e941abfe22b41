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

// Package errtype wraps all errors returned by users of this module.
package errtype

import "fmt"

// ConfigError is used when the provided instance URI, or associated config,
// is invalid.
type ConfigError struct {
	message  string
	instance string
}

// NewConfigError initializes a ConfigError.
func NewConfigError(m, i string) *ConfigError {
	return &ConfigError{message: m, instance: i}
}

// Error returns a formatted error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("[%v] Invalid config: %v", e.instance, e.message)
}

// DialError is used when the Dialer fails to dial the instance, whether
// because of a failed TCP connection, a TLS handshake failure, a peer
// identity mismatch, or a rejected metadata exchange.
type DialError struct {
	message  string
	instance string
	err      error
	// Reason further categorizes the dial failure when it isn't a plain TCP
	// or handshake failure. "" means no special reason.
	Reason string
}

// Reasons recognized by callers deciding whether to ForceInvalidate before
// retrying.
const (
	// ReasonPeerIdentity means the TLS chain validated but the leaf's CN/SAN
	// did not match the expected instance identity.
	ReasonPeerIdentity = "peer identity mismatch"
	// ReasonMetadataExchange means the post-handshake metadata exchange
	// preamble was rejected by the server-side proxy.
	ReasonMetadataExchange = "metadata exchange failed"
	// ReasonTimeout means the caller's deadline expired before the dial
	// completed.
	ReasonTimeout = "timeout"
	// ReasonClosed means the operation was attempted after the Dialer (or
	// the instance entry backing it) was closed.
	ReasonClosed = "closed"
)

// NewDialError initializes a DialError.
func NewDialError(m, i string, e error) *DialError {
	return &DialError{message: m, instance: i, err: e}
}

// NewDialErrorWithReason initializes a DialError carrying a Reason.
func NewDialErrorWithReason(m, i, reason string, e error) *DialError {
	return &DialError{message: m, instance: i, err: e, Reason: reason}
}

// Error returns a formatted error message.
func (e *DialError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("[%v] Dial error (%v): %v", e.instance, e.Reason, e.message)
	}
	return fmt.Sprintf("[%v] Dial error: %v", e.instance, e.message)
}

// Unwrap returns the underlying cause, if any.
func (e *DialError) Unwrap() error {
	return e.err
}

// RefreshError is used when the refresh loop fails to retrieve instance
// metadata or a signed client certificate from the AdminClient.
type RefreshError struct {
	message  string
	instance string
	err      error
	// Permanent reports whether the failure is classified as not retryable
	// (malformed response, certificate mismatch, authorization failure)
	// rather than transient (network error, 5xx, 429). The refresh caches
	// do not consult it: a RefreshAheadCache schedules another refresh after
	// any failure, and a LazyRefreshCache refreshes again on the next
	// ConnectionInfo call.
	Permanent bool
	// Permission reports whether the admin API rejected the request as
	// unauthorized (401/403), a distinct case from other permanent failures.
	Permission bool
}

// NewRefreshError initializes a transient RefreshError.
func NewRefreshError(m, i string, e error) *RefreshError {
	return &RefreshError{message: m, instance: i, err: e}
}

// NewRefreshErrorPermanent initializes a permanent RefreshError.
func NewRefreshErrorPermanent(m, i string, e error) *RefreshError {
	return &RefreshError{message: m, instance: i, err: e, Permanent: true}
}

// NewRefreshErrorPermission initializes a RefreshError representing an
// authorization failure.
func NewRefreshErrorPermission(m, i string, e error) *RefreshError {
	return &RefreshError{message: m, instance: i, err: e, Permanent: true, Permission: true}
}

// Error returns a formatted error message.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("[%v] Refresh error: %v", e.instance, e.message)
}

// Unwrap returns the underlying cause, if any.
func (e *RefreshError) Unwrap() error {
	return e.err
}
