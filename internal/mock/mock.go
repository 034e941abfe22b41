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

// Package mock provides a fake Cloud SQL Admin API server and a fake
// server-side proxy, for exercising the connector without any network
// dependency on real Cloud SQL infrastructure.
package mock

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// googleManagedCAMode and customerManagedCAMode mirror the server CA mode
// strings the admin API reports, matching internal/cloudsql's constants of
// the same name.
const (
	googleManagedCAMode   = "GOOGLE_MANAGED_INTERNAL_CA"
	customerManagedCAMode = "CUSTOMER_MANAGED_CAS_CA"
)

// Option configures a FakeCloudSQLInstance.
type Option func(*FakeCloudSQLInstance)

// WithPublicIP advertises addr as the instance's public IP address.
func WithPublicIP(addr string) Option {
	return func(f *FakeCloudSQLInstance) { f.ipAddrs["PUBLIC"] = addr }
}

// WithPrivateIP advertises addr as the instance's private IP address.
func WithPrivateIP(addr string) Option {
	return func(f *FakeCloudSQLInstance) { f.ipAddrs["PRIVATE"] = addr }
}

// WithPSC enables Private Service Connect and advertises dnsName as the PSC
// DNS name.
func WithPSC(dnsName string) Option {
	return func(f *FakeCloudSQLInstance) {
		f.pscEnabled = true
		f.dnsName = dnsName
	}
}

// WithCustomerManagedCA switches the instance to report a customer-managed
// CA server CA mode. The leaf certificate carries dnsName as a SAN entry;
// its Subject CN stays "project:name" as in the default mode.
func WithCustomerManagedCA(dnsName string) Option {
	return func(f *FakeCloudSQLInstance) {
		f.serverCAMode = customerManagedCAMode
		f.dnsName = dnsName
	}
}

// WithCertExpiry sets the expiration of the fake instance's signed
// certificates.
func WithCertExpiry(expiry time.Time) Option {
	return func(f *FakeCloudSQLInstance) { f.certExpiry = expiry }
}

// WithMetadataExchange makes the fake server-side proxy expect the
// metadata-exchange preamble before it writes any data. The fake admin API
// does not report this capability.
func WithMetadataExchange() Option {
	return func(f *FakeCloudSQLInstance) { f.supportsMetadataExchange = true }
}

// WithMismatchedIdentity makes the server-side proxy's leaf certificate
// bind a different instance's identity than the one the admin API reports
// metadata for: the chain still verifies against the trusted root, but the
// Subject CommonName doesn't match "project:name", simulating a proxy that
// routed the connection to the wrong instance.
func WithMismatchedIdentity() Option {
	return func(f *FakeCloudSQLInstance) { f.mismatchedIdentity = true }
}

// FakeCloudSQLInstance represents a fake Cloud SQL instance, both its admin
// API metadata and the certificate chain backing its server-side proxy.
type FakeCloudSQLInstance struct {
	project string
	region  string
	name    string
	version string

	// ipAddrs maps IP type ("PUBLIC" or "PRIVATE") to address.
	ipAddrs      map[string]string
	pscEnabled   bool
	dnsName      string
	serverCAMode string
	certExpiry   time.Time

	supportsMetadataExchange bool
	mismatchedIdentity       bool

	rootCACert *x509.Certificate
	rootKey    *rsa.PrivateKey

	serverCert *x509.Certificate
	serverKey  *rsa.PrivateKey
}

func (f FakeCloudSQLInstance) String() string {
	return fmt.Sprintf("%s:%s:%s", f.project, f.region, f.name)
}

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

// NewFakeCloudSQLInstance builds a fake instance, generating a root CA and
// a leaf certificate for the server-side proxy. The leaf's identity
// follows serverCAMode: for the default GOOGLE_MANAGED_INTERNAL_CA, the
// leaf's Subject CN is "project:name"; callers that apply
// WithCustomerManagedCA instead get a leaf carrying the given dnsName as a
// SAN.
func NewFakeCloudSQLInstance(project, region, name, version string, opts ...Option) FakeCloudSQLInstance {
	f := FakeCloudSQLInstance{
		project:      project,
		region:       region,
		name:         name,
		version:      version,
		ipAddrs:      map[string]string{"PUBLIC": "127.0.0.1"},
		serverCAMode: googleManagedCAMode,
		certExpiry:   time.Now().Add(24 * time.Hour),
	}
	for _, o := range opts {
		o(&f)
	}

	rootKey := mustGenerateKey()
	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: fmt.Sprintf("root.%s", f),
		},
		NotBefore:             time.Now(),
		NotAfter:              f.certExpiry.AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	signedRoot, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		panic(err)
	}
	rootCert, err := x509.ParseCertificate(signedRoot)
	if err != nil {
		panic(err)
	}

	leafCN := fmt.Sprintf("%s:%s", f.project, f.name)
	if f.mismatchedIdentity {
		leafCN = fmt.Sprintf("wrong-project:wrong-%s", f.name)
	}
	serverKey := mustGenerateKey()
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName: leafCN,
		},
		NotBefore:             time.Now(),
		NotAfter:              f.certExpiry,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	if f.serverCAMode == customerManagedCAMode && f.dnsName != "" {
		serverTemplate.DNSNames = []string{f.dnsName}
	}
	signedServer, err := x509.CreateCertificate(rand.Reader, serverTemplate, rootCert, &serverKey.PublicKey, rootKey)
	if err != nil {
		panic(err)
	}
	serverCert, err := x509.ParseCertificate(signedServer)
	if err != nil {
		panic(err)
	}

	f.rootCACert = rootCert
	f.rootKey = rootKey
	f.serverCert = serverCert
	f.serverKey = serverKey
	return f
}

func (f FakeCloudSQLInstance) rootCAPEM() string {
	buf := new(bytes.Buffer)
	_ = pem.Encode(buf, &pem.Block{Type: "CERTIFICATE", Bytes: f.rootCACert.Raw})
	return buf.String()
}

// signClientCert signs pubKey with the fake instance's root CA, producing a
// short-lived client certificate the way GenerateEphemeralCert would.
func (f FakeCloudSQLInstance) signClientCert(pubKey *rsa.PublicKey) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName: "Google Cloud SQL Client",
		},
		NotBefore:             time.Now(),
		NotAfter:              f.certExpiry,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, f.rootCACert, pubKey, f.rootKey)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if err := pem.Encode(buf, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Request represents one HTTP request the fake admin server knows how to
// answer. Use InstanceGetSuccess and GenerateEphemeralCertSuccess to build
// one; pass the result to HTTPClient.
type Request struct {
	mu sync.Mutex

	reqMethod string
	reqPath   string
	reqCt     int

	handle func(resp http.ResponseWriter, req *http.Request)
}

func (r *Request) matches(hr *http.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reqMethod != "" && r.reqMethod != hr.Method {
		return false
	}
	if r.reqPath != "" && r.reqPath != hr.URL.Path {
		return false
	}
	if r.reqCt <= 0 {
		return false
	}
	r.reqCt--
	return true
}

// InstanceGetSuccess returns a Request answering the `connect.get` admin
// API endpoint ct times with i's current metadata.
//
// https://cloud.google.com/sql/docs/mysql/admin-api/rest/v1beta4/connect/get
func InstanceGetSuccess(i FakeCloudSQLInstance, ct int) *Request {
	var ips []*sqladmin.IpMapping
	if addr, ok := i.ipAddrs["PUBLIC"]; ok {
		ips = append(ips, &sqladmin.IpMapping{IpAddress: addr, Type: "PRIMARY"})
	}
	if addr, ok := i.ipAddrs["PRIVATE"]; ok {
		ips = append(ips, &sqladmin.IpMapping{IpAddress: addr, Type: "PRIVATE"})
	}
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s/connectSettings", i.project, i.name),
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			db := &sqladmin.ConnectSettings{
				BackendType:     "SECOND_GEN",
				DatabaseVersion: i.version,
				Region:          i.region,
				IpAddresses:     ips,
				ServerCaCert:    &sqladmin.SslCert{Cert: i.rootCAPEM()},
				ServerCaMode:    i.serverCAMode,
				PscEnabled:      i.pscEnabled,
				DnsName:         i.dnsName,
			}
			b, err := db.MarshalJSON()
			if err != nil {
				http.Error(resp, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.WriteHeader(http.StatusOK)
			resp.Write(b)
		},
	}
}

// InstanceGetFailure returns a Request that answers the `connect.get`
// endpoint with the given HTTP status code, ct times.
func InstanceGetFailure(i FakeCloudSQLInstance, code int, ct int) *Request {
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s/connectSettings", i.project, i.name),
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			http.Error(resp, fmt.Sprintf("mock failure, code = %d", code), code)
		},
	}
}

// GenerateEphemeralCertSuccess returns a Request answering the
// `connect.generateEphemeralCert` admin API endpoint ct times, signing the
// client's public key with i's root CA.
//
// https://cloud.google.com/sql/docs/mysql/admin-api/rest/v1beta4/connect/generateEphemeralCert
func GenerateEphemeralCertSuccess(i FakeCloudSQLInstance, ct int) *Request {
	return &Request{
		reqMethod: http.MethodPost,
		reqPath:   fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s:generateEphemeralCert", i.project, i.name),
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			b, err := io.ReadAll(req.Body)
			defer req.Body.Close()
			if err != nil {
				http.Error(resp, fmt.Sprintf("unable to read body: %v", err), http.StatusBadRequest)
				return
			}
			var eReq sqladmin.GenerateEphemeralCertRequest
			if err := json.Unmarshal(b, &eReq); err != nil {
				http.Error(resp, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
				return
			}
			block, _ := pem.Decode([]byte(eReq.PublicKey))
			if block == nil {
				http.Error(resp, "unable to decode public key", http.StatusBadRequest)
				return
			}
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				http.Error(resp, fmt.Sprintf("unable to parse public key: %v", err), http.StatusBadRequest)
				return
			}
			rsaPub, ok := pub.(*rsa.PublicKey)
			if !ok {
				http.Error(resp, "public key is not RSA", http.StatusBadRequest)
				return
			}
			certPEM, err := i.signClientCert(rsaPub)
			if err != nil {
				http.Error(resp, fmt.Sprintf("failed to sign client cert: %v", err), http.StatusInternalServerError)
				return
			}
			certResp := sqladmin.GenerateEphemeralCertResponse{
				EphemeralCert: &sqladmin.SslCert{
					Cert:           string(certPEM),
					CommonName:     "Google Cloud SQL Client",
					CreateTime:     time.Now().Format(time.RFC3339),
					ExpirationTime: i.certExpiry.Format(time.RFC3339),
					Instance:       i.name,
				},
			}
			b, err = certResp.MarshalJSON()
			if err != nil {
				http.Error(resp, fmt.Sprintf("unable to encode response: %v", err), http.StatusInternalServerError)
				return
			}
			resp.WriteHeader(http.StatusOK)
			resp.Write(b)
		},
	}
}

// HTTPClient starts an httptest.NewTLSServer dispatching to requests in
// order, returning a client configured to trust it, its URL, and a cleanup
// func that stops the server and reports any Request that was never
// called.
func HTTPClient(requests ...*Request) (*http.Client, string, func() error) {
	s := httptest.NewTLSServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			for _, r := range requests {
				if r.matches(req) {
					r.handle(resp, req)
					return
				}
			}
			resp.WriteHeader(http.StatusNotImplemented)
			resp.Write([]byte(fmt.Sprintf("unexpected request sent to mock admin server: %v", req)))
		},
	))
	cleanup := func() error {
		s.Close()
		for i, r := range requests {
			if r.reqCt > 0 {
				return fmt.Errorf("%d calls left unconsumed for request at position %d: %v", r.reqCt, i, r)
			}
		}
		return nil
	}
	return s.Client(), s.URL, cleanup
}

// StartServerProxy starts a fake server-side proxy listening on the
// spec-mandated fixed port 3307, presenting inst's server certificate and
// requiring a client certificate verified against inst's root CA. If inst
// advertises metadata-exchange support, the fake server performs the
// preamble before handing the connection to the (fake) database protocol.
// Callers should invoke the returned func to tear down the listener.
func StartServerProxy(t *testing.T, inst FakeCloudSQLInstance) func() {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(inst.rootCACert)

	var (
		ln  net.Listener
		err error
	)
	for attempt := 0; attempt < 10; attempt++ {
		ln, err = tls.Listen("tcp", ":3307", &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{inst.serverCert.Raw, inst.rootCACert.Raw},
				PrivateKey:  inst.serverKey,
				Leaf:        inst.serverCert,
			}},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  pool,
		})
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to start fake server proxy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				if inst.supportsMetadataExchange {
					if err := serverMetadataExchange(conn); err != nil {
						conn.Close()
						return
					}
				}
				conn.Write([]byte(inst.name))
				conn.Close()
			}()
		}
	}()
	return func() {
		cancel()
		ln.Close()
	}
}

// serverMetadataExchange mimics the server side of the metadata-exchange
// preamble: read a length-prefixed JSON request, ignore its contents (the
// real server would validate the auth type/token here), then write a
// length-prefixed JSON "OK" response.
func serverMetadataExchange(conn net.Conn) error {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}

	resp := []byte(`{"response_code":"OK"}`)
	out := make([]byte, 4+len(resp))
	binary.BigEndian.PutUint32(out, uint32(len(resp)))
	copy(out[4:], resp)
	_, err := conn.Write(out)
	return err
}
