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

// Package instance parses and represents the identifiers used to name a
// Cloud SQL instance.
package instance

import (
	"fmt"
	"strings"

	"cloud.google.com/go/cloudsqlconn/errtype"
)

// defaultUniverseDomain is the API domain assumed when a ConnName carries no
// explicit domain segment.
const defaultUniverseDomain = "googleapis.com"

// ConnName represents the canonical identifier of a Cloud SQL instance: the
// project, region, and instance name, plus the (possibly non-default) API
// universe domain used to reach it.
//
// Two ConnNames parsed from the project:region:instance or four-segment
// forms are equal (as plain Go values) exactly when their project, region,
// instance name, and effective domain all match. A DNS-style ConnName
// compares by its DNSName, so it never equals the ConnName of the triple
// it resolves to.
type ConnName struct {
	Project string
	Region  string
	Name    string
	// Domain is the API universe domain. Empty means the default
	// (googleapis.com).
	Domain string
	// DNSName holds the original caller-supplied string when it was a
	// DNS-style name rather than a project:region:instance form. In that
	// case Project/Region/Name are empty until resolved by a DNS TXT
	// lookup; see Unresolved.
	DNSName string
}

// Unresolved reports whether this ConnName still needs a metadata lookup to
// discover its canonical project/region/instance triple.
func (c ConnName) Unresolved() bool {
	return c.DNSName != "" && c.Project == ""
}

// EffectiveDomain returns the API universe domain this instance should be
// reached through.
func (c ConnName) EffectiveDomain() string {
	if c.Domain == "" {
		return defaultUniverseDomain
	}
	return c.Domain
}

// String returns the canonical "project:region:instance" form, or DNSName
// for a DNS-style name that has not been resolved.
func (c ConnName) String() string {
	if c.Unresolved() {
		return c.DNSName
	}
	return fmt.Sprintf("%s:%s:%s", c.Project, c.Region, c.Name)
}

// WithResolved returns a copy of c with the canonical triple filled in,
// once a metadata lookup has resolved a DNS-style name.
func (c ConnName) WithResolved(project, region, name string) ConnName {
	c.Project = project
	c.Region = region
	c.Name = name
	return c
}

// ParseConnName parses a textual instance identifier in one of three forms:
//
//   - "project:region:instance"
//   - "domain:project:region:instance" (non-default universe domain)
//   - a DNS-style name (e.g. "custom.example.com"), which cannot be resolved
//     to a canonical triple without a metadata lookup; ParseConnName returns
//     a ConnName with DNSName set and Unresolved() true.
func ParseConnName(cn string) (ConnName, error) {
	if cn == "" {
		return ConnName{}, errtype.NewConfigError("instance URI must not be empty", cn)
	}
	parts := strings.Split(cn, ":")
	switch len(parts) {
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return ConnName{}, invalidURIErr(cn)
		}
		return ConnName{Project: parts[0], Region: parts[1], Name: parts[2]}, nil
	case 4:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
			return ConnName{}, invalidURIErr(cn)
		}
		domain := parts[0]
		if domain == defaultUniverseDomain {
			// Canonicalize to the zero value so this form hashes equal to the
			// three-segment form when used as a map key.
			domain = ""
		}
		return ConnName{
			Domain:  domain,
			Project: parts[1],
			Region:  parts[2],
			Name:    parts[3],
		}, nil
	case 1:
		if strings.Contains(cn, ".") {
			return ConnName{DNSName: cn}, nil
		}
		return ConnName{}, invalidURIErr(cn)
	default:
		return ConnName{}, invalidURIErr(cn)
	}
}

func invalidURIErr(cn string) error {
	return errtype.NewConfigError(
		"invalid instance URI, expected project:region:instance, "+
			"domain:project:region:instance, or a DNS name",
		cn,
	)
}
