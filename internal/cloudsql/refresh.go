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
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// IP kinds recognized in metadata.ipAddrs and used as the ipType
// argument to ConnectionInfo.Addr.
const (
	PublicIP  = "PUBLIC"
	PrivateIP = "PRIVATE"
	PSC       = "PSC"
	// AutoIP selects PublicIP if advertised, falling back to PrivateIP.
	AutoIP = "AutoIP"
)

// metadata holds everything fetchMetadata retrieves about an instance ahead
// of assembling a ConnectionInfo.
type metadata struct {
	ipAddrs      map[string]string
	serverCACert []*x509.Certificate
	serverCAMode string
	dnsName      string
	version      string
}

// resolveConnName resolves a DNS-style ConnName (see instance.ConnName.
// Unresolved) to its canonical project:region:instance triple by looking up
// a TXT record on the DNS name, mirroring how Cloud SQL's DNS-based instance
// connection names work: the domain owner publishes a TXT record whose
// value is the canonical connection name. ConnNames that are already
// resolved pass through unchanged.
func resolveConnName(ctx context.Context, cn instance.ConnName) (instance.ConnName, error) {
	if !cn.Unresolved() {
		return cn, nil
	}
	records, err := net.DefaultResolver.LookupTXT(ctx, cn.DNSName)
	if err != nil {
		return instance.ConnName{}, errtype.NewRefreshErrorPermanent(
			fmt.Sprintf("failed to resolve DNS name %q via TXT lookup", cn.DNSName), cn.String(), err,
		)
	}
	for _, rec := range records {
		resolved, err := instance.ParseConnName(rec)
		if err == nil && !resolved.Unresolved() {
			return cn.WithResolved(resolved.Project, resolved.Region, resolved.Name), nil
		}
	}
	return instance.ConnName{}, errtype.NewRefreshErrorPermanent(
		fmt.Sprintf("no TXT record for %q resolved to a valid instance connection name", cn.DNSName), cn.String(), nil,
	)
}

// fetchMetadata retrieves the admin API's connect settings for an instance
// and converts them into the fields a ConnectionInfo needs.
func fetchMetadata(ctx context.Context, client *sqladmin.Service, cn instance.ConnName) (metadata, error) {
	db, err := client.Connect.Get(cn.Project, cn.Name).Context(ctx).Do()
	if err != nil {
		if isAdminPermission(err) {
			return metadata{}, errtype.NewRefreshErrorPermission("failed to get instance metadata", cn.String(), err)
		}
		if isAdminTransient(err) {
			return metadata{}, errtype.NewRefreshError("failed to get instance metadata", cn.String(), err)
		}
		return metadata{}, errtype.NewRefreshErrorPermanent("failed to get instance metadata", cn.String(), err)
	}

	if db.Region != cn.Region {
		return metadata{}, errtype.NewConfigError(
			fmt.Sprintf("provided region was mismatched - got %s, want %s", cn.Region, db.Region),
			cn.String(),
		)
	}
	if db.BackendType != "SECOND_GEN" {
		return metadata{}, errtype.NewConfigError(
			"unsupported instance - only Second Generation instances are supported",
			cn.String(),
		)
	}

	ipAddrs := make(map[string]string)
	for _, ip := range db.IpAddresses {
		switch ip.Type {
		case "PRIMARY":
			ipAddrs[PublicIP] = ip.IpAddress
		case "PRIVATE":
			ipAddrs[PrivateIP] = ip.IpAddress
		}
	}
	if db.PscEnabled && db.DnsName != "" {
		ipAddrs[PSC] = db.DnsName
	}
	if len(ipAddrs) == 0 {
		return metadata{}, errtype.NewRefreshErrorPermanent(
			"cannot connect to instance - it has no supported IP addresses",
			cn.String(), nil,
		)
	}

	var caCerts []*x509.Certificate
	rest := []byte(db.ServerCaCert.Cert)
	for {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		c, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return metadata{}, errtype.NewRefreshErrorPermanent(
				fmt.Sprintf("failed to parse server CA certificate: %v", err), cn.String(), err,
			)
		}
		caCerts = append(caCerts, c)
	}
	if len(caCerts) == 0 {
		return metadata{}, errtype.NewRefreshErrorPermanent("failed to decode server CA certificate", cn.String(), nil)
	}

	return metadata{
		ipAddrs:      ipAddrs,
		serverCACert: caCerts,
		serverCAMode: db.ServerCaMode,
		dnsName:      db.DnsName,
		version:      db.DatabaseVersion,
	}, nil
}

// fetchEphemeralCert requests a short-lived client certificate binding key
// to the instance's CA. When tok is non-nil, its value becomes the
// certificate's embedded identity token for IAM database authentication,
// and the certificate's NotAfter is clamped to the token's expiry if that
// expiry comes first.
func fetchEphemeralCert(
	ctx context.Context,
	client *sqladmin.Service,
	cn instance.ConnName,
	key *rsa.PrivateKey,
	tok *oauth2.Token,
) (tls.Certificate, error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	req := &sqladmin.GenerateEphemeralCertRequest{
		PublicKey: string(pem.EncodeToMemory(&pem.Block{Bytes: pub, Type: "RSA PUBLIC KEY"})),
	}
	if tok != nil {
		req.AccessToken = tok.AccessToken
	}

	resp, err := client.Connect.GenerateEphemeralCert(cn.Project, cn.Name, req).Context(ctx).Do()
	if err != nil {
		if isAdminPermission(err) {
			return tls.Certificate{}, errtype.NewRefreshErrorPermission("failed to sign client certificate", cn.String(), err)
		}
		if isAdminTransient(err) {
			return tls.Certificate{}, errtype.NewRefreshError("failed to sign client certificate", cn.String(), err)
		}
		return tls.Certificate{}, errtype.NewRefreshErrorPermanent("failed to sign client certificate", cn.String(), err)
	}

	b, _ := pem.Decode([]byte(resp.EphemeralCert.Cert))
	if b == nil {
		return tls.Certificate{}, errtype.NewRefreshErrorPermanent("failed to decode signed certificate", cn.String(), nil)
	}
	leaf, err := x509.ParseCertificate(b.Bytes)
	if err != nil {
		return tls.Certificate{}, errtype.NewRefreshErrorPermanent(
			fmt.Sprintf("failed to parse signed certificate: %v", err), cn.String(), err,
		)
	}
	if tok != nil && tok.Expiry.Before(leaf.NotAfter) {
		leaf.NotAfter = tok.Expiry
	}

	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// refresher performs the remote half of a refresh: it fetches metadata and
// an ephemeral certificate concurrently and assembles a ConnectionInfo.
type refresher struct {
	logger         debug.ContextLogger
	client         *sqladmin.Service
	key            *rsa.PrivateKey
	iamTokenSource oauth2.TokenSource
}

func newRefresher(
	logger debug.ContextLogger,
	client *sqladmin.Service,
	key *rsa.PrivateKey,
	iamTokenSource oauth2.TokenSource,
) refresher {
	return refresher{logger: logger, client: client, key: key, iamTokenSource: iamTokenSource}
}

func (r refresher) performRefresh(
	ctx context.Context, cn instance.ConnName, useIAMAuthN bool,
) (ConnectionInfo, error) {
	cn, err := resolveConnName(ctx, cn)
	if err != nil {
		return ConnectionInfo{}, err
	}

	r.logger.Debugf(ctx, "[%v] Connection info refresh operation started", cn.String())

	type mdResult struct {
		md  metadata
		err error
	}
	mdCh := make(chan mdResult, 1)
	go func() {
		md, err := fetchMetadata(ctx, r.client, cn)
		mdCh <- mdResult{md, err}
	}()

	type certResult struct {
		cert tls.Certificate
		err  error
	}
	certCh := make(chan certResult, 1)
	go func() {
		var tok *oauth2.Token
		if useIAMAuthN {
			t, err := r.iamTokenSource.Token()
			if err != nil {
				certCh <- certResult{err: errtype.NewRefreshErrorPermission(
					"failed to retrieve IAM authentication token", cn.String(), err,
				)}
				return
			}
			tok = t
		}
		cert, err := fetchEphemeralCert(ctx, r.client, cn, r.key, tok)
		certCh <- certResult{cert, err}
	}()

	var md metadata
	select {
	case res := <-mdCh:
		if res.err != nil {
			return ConnectionInfo{}, res.err
		}
		md = res.md
	case <-ctx.Done():
		return ConnectionInfo{}, errtype.NewRefreshError("refresh canceled", cn.String(), ctx.Err())
	}

	if useIAMAuthN {
		if err := supportsAutoIAMAuthN(md.version); err != nil {
			return ConnectionInfo{}, errtype.NewConfigError(err.Error(), cn.String())
		}
	}

	var cert tls.Certificate
	select {
	case res := <-certCh:
		if res.err != nil {
			return ConnectionInfo{}, res.err
		}
		cert = res.cert
	case <-ctx.Done():
		return ConnectionInfo{}, errtype.NewRefreshError("refresh canceled", cn.String(), ctx.Err())
	}

	r.logger.Debugf(ctx, "[%v] Connection info refresh operation complete", cn.String())
	// The admin API does not yet advertise metadata-exchange support on any
	// field; until it does, the capability is always absent and Dial skips
	// the preamble, per spec.md's Open Question resolution.
	return NewConnectionInfo(
		cn, md.dnsName, md.serverCAMode, md.version, md.ipAddrs, md.serverCACert,
		cert, useIAMAuthN, false,
	), nil
}

// supportsAutoIAMAuthN reports an error when the engine version named by
// version cannot accept IAM database authentication. SQL Server never
// supports it.
func supportsAutoIAMAuthN(version string) error {
	switch {
	case strings.HasPrefix(version, "POSTGRES"):
		return nil
	case strings.HasPrefix(version, "MYSQL"):
		return nil
	default:
		return fmt.Errorf("%s does not support automatic IAM database authentication", version)
	}
}

func isAdminPermission(err error) bool {
	code, ok := statusCode(err)
	return ok && (code == http.StatusUnauthorized || code == http.StatusForbidden)
}

func isAdminTransient(err error) bool {
	code, ok := statusCode(err)
	if !ok {
		// no HTTP status means a network-level failure: transient.
		return true
	}
	return code >= 500 || code == http.StatusTooManyRequests
}

func statusCode(err error) (int, bool) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code, true
	}
	return 0, false
}
