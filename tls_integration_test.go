//go:build linux

package tcp_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/client"
	"github.com/bkeevil/tcp/reactor"
	"github.com/bkeevil/tcp/server"
	"github.com/bkeevil/tcp/tlsengine"
)

// selfSignedCert generates a throwaway self-signed certificate/key pair
// for 127.0.0.1, PEM-encodes both, and returns the paths of two temp
// files holding them. It doubles as its own CA, so a client that trusts
// this certificate as a CA file trusts a server presenting it.
func selfSignedCert(t *testing.T) (certFile, keyFile string, certPEM []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile, certPEM
}

func writePEM(t *testing.T, data []byte) string {
	t.Helper()
	f := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(f, data, 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return f
}

// startTLSEchoServer starts a TLS-enabled echo server on 127.0.0.1 using
// certFile/keyFile and returns the bound port.
func startTLSEchoServer(t *testing.T, r api.Reactor, certFile, keyFile string) string {
	t.Helper()
	srvCtx, err := tlsengine.NewContext(api.RoleServer)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if !srvCtx.SetCertificateAndKey(certFile, keyFile) {
		t.Fatalf("SetCertificateAndKey failed")
	}

	srv := server.New(r, srvCtx, api.DomainIPv4)
	srv.CreateSession = echoFactory
	if err := srv.Start(0, "127.0.0.1", true, 8); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port, err := srv.Port()
	if err != nil {
		t.Fatalf("Port: %v", err)
	}
	return strconv.Itoa(port)
}

// TestTLSLoopback_Ping verifies that a client trusting the server's CA
// with peer verification enabled round-trips application bytes over TLS.
func TestTLSLoopback_Ping(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	certFile, keyFile, certPEM := selfSignedCert(t)
	port := startTLSEchoServer(t, r, certFile, keyFile)
	caFile := writePEM(t, certPEM)

	clientCtx, err := tlsengine.NewContext(api.RoleClient)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if !clientCtx.SetVerifyPaths(caFile, "") {
		t.Fatalf("SetVerifyPaths failed")
	}

	c := client.New(r, api.DomainIPv4, false)
	c.UseTLS(clientCtx)
	c.VerifyPeer = true

	var received []byte
	c.OnDataAvailable(func(cl *client.Client) {
		buf := make([]byte, cl.Available())
		n := cl.Read(buf)
		received = append(received, buf[:n]...)
	})
	c.OnConnected(func(cl *client.Client) {})

	if ok := c.Connect("127.0.0.1", port); !ok {
		t.Fatalf("Connect returned false")
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.State() != api.StateConnected && time.Now().Before(deadline) {
		if err := r.Poll(50); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if c.State() != api.StateConnected {
		t.Fatalf("State() = %v before TLS handshake completed", c.State())
	}
	if c.TLS() == nil {
		t.Fatalf("TLS() = nil after UseTLS")
	}

	if n := c.Write([]byte("ping")); n != len("ping") {
		t.Fatalf("Write() = %d, want %d", n, len("ping"))
	}

	deadline = time.Now().Add(5 * time.Second)
	for len(received) < len("ping") && time.Now().Before(deadline) {
		if err := r.Poll(50); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}

	if string(received) != "ping" {
		t.Fatalf("received %q, want %q", received, "ping")
	}
	if !c.TLS().VerifyOK() {
		t.Fatalf("VerifyOK() = false after a successful matching-CA handshake")
	}
}

// TestTLSLoopback_MismatchedCA verifies that when the client trusts a CA
// that did not sign the server's certificate, the handshake fails and no
// application bytes are delivered.
func TestTLSLoopback_MismatchedCA(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	certFile, keyFile, _ := selfSignedCert(t)
	port := startTLSEchoServer(t, r, certFile, keyFile)

	// A second, unrelated self-signed cert stands in for a CA that never
	// signed the server's certificate.
	_, _, wrongCAPEM := selfSignedCert(t)
	caFile := writePEM(t, wrongCAPEM)

	clientCtx, err := tlsengine.NewContext(api.RoleClient)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if !clientCtx.SetVerifyPaths(caFile, "") {
		t.Fatalf("SetVerifyPaths failed")
	}

	c := client.New(r, api.DomainIPv4, false)
	c.UseTLS(clientCtx)
	c.VerifyPeer = true

	gotData := false
	c.OnDataAvailable(func(cl *client.Client) { gotData = true })

	if ok := c.Connect("127.0.0.1", port); !ok {
		t.Fatalf("Connect returned false")
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.State() != api.StateDisconnected && time.Now().Before(deadline) {
		if err := r.Poll(50); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}

	if c.State() != api.StateDisconnected {
		t.Fatalf("State() = %v, want DISCONNECTED after a CA-mismatched handshake", c.State())
	}
	if gotData {
		t.Fatalf("data_available fired despite a failed TLS handshake")
	}
}
