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

package instance

import "testing"

func TestParseConnName(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
		want ConnName
	}{
		{
			desc: "vanilla instance connection name",
			in:   "proj:reg:name",
			want: ConnName{Project: "proj", Region: "reg", Name: "name"},
		},
		{
			desc: "with non-default universe domain",
			in:   "example.com:proj:reg:name",
			want: ConnName{Domain: "example.com", Project: "proj", Region: "reg", Name: "name"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseConnName(tc.in)
			if err != nil {
				t.Fatalf("want no error, got = %v", err)
			}
			if got != tc.want {
				t.Fatalf("want = %+v, got = %+v", tc.want, got)
			}
		})
	}
}

func TestParseConnNameDNSForm(t *testing.T) {
	got, err := ParseConnName("custom.example.com")
	if err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	if !got.Unresolved() {
		t.Fatalf("want Unresolved() = true for a DNS-style name")
	}
	if got.DNSName != "custom.example.com" {
		t.Fatalf("want DNSName preserved, got = %v", got)
	}
}

func TestParseConnNameErrors(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
	}{
		{desc: "empty", in: ""},
		{desc: "malformed", in: "not-correct"},
		{desc: "missing project", in: ":reg:name"},
		{desc: "missing region", in: "proj::name"},
		{desc: "too many segments", in: "a:b:c:d:e"},
		{desc: "empty everywhere", in: "::"},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ParseConnName(tc.in)
			if err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestParseConnNameDefaultDomainCanonicalizes(t *testing.T) {
	withDomain, err := ParseConnName("googleapis.com:proj:reg:name")
	if err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	without, err := ParseConnName("proj:reg:name")
	if err != nil {
		t.Fatalf("want no error, got = %v", err)
	}
	if withDomain != without {
		t.Fatalf("want four-segment default-domain form to canonicalize to the three-segment form, got %+v != %+v", withDomain, without)
	}
}

func TestEffectiveDomain(t *testing.T) {
	c := ConnName{Project: "p", Region: "r", Name: "n"}
	if got := c.EffectiveDomain(); got != "googleapis.com" {
		t.Fatalf("want default domain, got = %v", got)
	}
	c.Domain = "example.com"
	if got := c.EffectiveDomain(); got != "example.com" {
		t.Fatalf("want explicit domain, got = %v", got)
	}
}

func TestConnNameString(t *testing.T) {
	c := ConnName{Project: "p", Region: "r", Name: "n"}
	if got, want := c.String(), "p:r:n"; got != want {
		t.Fatalf("String() = %v, want %v", got, want)
	}
}
