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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
)

const (
	// googleManagedCAMode identifies the default Cloud SQL CA, whose leaf
	// certificates embed the instance identity in the Subject CN.
	googleManagedCAMode = "GOOGLE_MANAGED_INTERNAL_CA"
	// customerManagedCAMode identifies a customer-supplied CA, whose leaf
	// certificates carry the instance identity only in a SAN dNSName entry.
	customerManagedCAMode = "CUSTOMER_MANAGED_CAS_CA"
)

// ConnectionInfo holds all the information necessary to connect to a Cloud
// SQL instance: the server's advertised addresses, the server CA used to
// validate the handshake, and the short-lived client certificate binding
// this process's keypair to the caller's identity.
//
// A ConnectionInfo is immutable: none of its fields, including the TLS
// config, are modified after NewConnectionInfo returns.
type ConnectionInfo struct {
	ConnectionName instance.ConnName
	version        string
	dnsName        string
	serverCAMode   string
	supportsMdx    bool

	Expiration time.Time
	ipAddrs    map[string]string
	tlsCfg     *tls.Config
}

// NewConnectionInfo assembles an immutable ConnectionInfo from the results
// of a metadata fetch and an ephemeral certificate fetch. It builds the TLS
// configuration once, pinning the server CA pool, client certificate, and
// the peer-identity verification callback described by the cn's expected
// CN/SAN form.
func NewConnectionInfo(
	cn instance.ConnName,
	dnsName string,
	serverCAMode string,
	version string,
	ipAddrs map[string]string,
	serverCACerts []*x509.Certificate,
	clientCert tls.Certificate,
	enforceTLS13 bool,
	supportsMetadataExchange bool,
) ConnectionInfo {
	pool := x509.NewCertPool()
	for _, c := range serverCACerts {
		pool.AddCert(c)
	}

	minVersion := uint16(tls.VersionTLS12)
	if enforceTLS13 {
		minVersion = tls.VersionTLS13
	}
	cfg := &tls.Config{
		ServerName:            cn.String(),
		InsecureSkipVerify:    true,
		RootCAs:               pool,
		Certificates:          []tls.Certificate{clientCert},
		MinVersion:            minVersion,
		VerifyPeerCertificate: genVerifyPeerCertificateFunc(cn, pool, dnsName, serverCAMode),
	}

	return ConnectionInfo{
		ConnectionName: cn,
		version:        version,
		dnsName:        dnsName,
		serverCAMode:   serverCAMode,
		supportsMdx:    supportsMetadataExchange,
		Expiration:     clientCert.Leaf.NotAfter,
		ipAddrs:        ipAddrs,
		tlsCfg:         cfg,
	}
}

// SupportsMetadataExchange reports whether the instance has advertised
// support for the post-handshake metadata-exchange preamble. Callers that
// see false should treat its absence as the default and skip the preamble
// entirely.
func (c ConnectionInfo) SupportsMetadataExchange() bool {
	return c.supportsMdx
}

// Expiry reports when the client certificate backing this ConnectionInfo
// stops being valid.
func (c ConnectionInfo) Expiry() time.Time {
	return c.Expiration
}

// DatabaseVersion returns the engine/version string reported by the admin
// API (e.g. "MYSQL_8_0", "POSTGRES_15").
func (c ConnectionInfo) DatabaseVersion() string {
	return c.version
}

// Addr returns the address for the preferred IP type, or an error if the
// instance doesn't expose that type. AutoIP returns the public address if
// advertised and the private address otherwise.
func (c ConnectionInfo) Addr(ipType string) (string, error) {
	if ipType == AutoIP {
		if addr, ok := c.ipAddrs[PublicIP]; ok {
			return addr, nil
		}
		ipType = PrivateIP
	}
	addr, ok := c.ipAddrs[ipType]
	if !ok {
		return "", errtype.NewConfigError(
			fmt.Sprintf("instance does not have IP of type %q", ipType),
			c.ConnectionName.String(),
		)
	}
	return addr, nil
}

// TLSConfig returns the prebuilt, pinned TLS configuration for this
// ConnectionInfo. It must never be mutated by callers.
func (c ConnectionInfo) TLSConfig() *tls.Config {
	return c.tlsCfg
}

// genVerifyPeerCertificateFunc creates a VerifyPeerCertificate callback
// implementing spec.md's peer-identity binding: the Google-managed CA path
// checks the leaf Subject CN against "project:instance"; the
// customer-managed CA path instead requires the advertised dnsName appear
// among the leaf's SAN dNSNames. Because tls.Config.InsecureSkipVerify is
// set (the server cert is for a regional proxy shared by many instances,
// so standard hostname verification can't do this job), this callback also
// performs the chain validation standard verification would otherwise do.
func genVerifyPeerCertificateFunc(
	cn instance.ConnName, pool *x509.CertPool, dnsName, serverCAMode string,
) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errtype.NewDialError("no certificate to verify", cn.String(), nil)
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return errtype.NewDialError("failed to parse peer certificate", cn.String(), err)
		}

		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			intermediates.AddCert(c)
		}
		opts := x509.VerifyOptions{Roots: pool, Intermediates: intermediates}
		if _, err := leaf.Verify(opts); err != nil {
			return errtype.NewDialError("failed to verify certificate chain", cn.String(), err)
		}

		if serverCAMode != customerManagedCAMode {
			wantCN := fmt.Sprintf("%s:%s", cn.Project, cn.Name)
			if leaf.Subject.CommonName == wantCN {
				return nil
			}
		}
		if dnsName != "" {
			for _, san := range leaf.DNSNames {
				if strings.EqualFold(san, dnsName) {
					return nil
				}
			}
		}
		return errtype.NewDialErrorWithReason(
			fmt.Sprintf("certificate identity %q does not match expected instance", leaf.Subject.CommonName),
			cn.String(), errtype.ReasonPeerIdentity, nil,
		)
	}
}
