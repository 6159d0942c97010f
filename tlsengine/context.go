// Package tlsengine implements the TLS engine: a per-role Context and a
// per-connection Session, built on crypto/tls.
//
// Go's crypto/tls works against a blocking io.ReadWriter, not against
// OpenSSL-style explicit want-read/want-write return codes. This engine
// gets the same retry-when-ready behavior by running each Session's
// handshake and encrypted I/O on a dedicated pair of goroutines parked
// on Go's runtime network poller, and handing results back to the
// owning DataSocket through a per-Session eventfd registered with the
// same Reactor the DataSocket uses. The reactor thread only ever
// touches a Session's exported surface from inside that eventfd's
// HandleEvents, so the rest of this module can keep treating one
// reactor's dispatch as single-threaded.
package tlsengine

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/internal/logging"
)

var log = logging.For("tlsengine")

// Context is the per-role, shared TLS configuration: one per Client
// role, one per Server role, cloned into a per-connection Session at
// Session.New.
type Context struct {
	mu sync.Mutex

	role   api.Role
	cfg    *tls.Config
	closed bool

	certFile, keyFile string
	keyPassword       string

	verifyPeer       bool
	checkSubjectName bool
}

// NewContext builds a TLSContext for role: just a *tls.Config, since
// crypto/tls negotiates the protocol version itself rather than binding
// to a per-role method object.
//
// It also acquires the process-wide TLS library init guard: crypto/tls
// self-initializes, so acquiring has no side effect on its own, but the
// guard still pairs with the matching Close so callers and tests can
// observe the Context lifecycle via LibraryRefCount.
func NewContext(role api.Role) (*Context, error) {
	acquireLibrary()
	return &Context{
		role: role,
		cfg: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}, nil
}

// Close releases the process-wide TLS library init guard this Context
// acquired at NewContext. Idempotent. Sessions cloned from this Context
// keep their own *tls.Config copy, so calling Close does not disturb a
// handshake already in progress.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	releaseLibrary()
}

// SetOptions configures peer verification and the protocol floor.
//
// allowCompression is accepted for interface symmetry but has no
// effect: crypto/tls never implements TLS-level compression (it was
// removed from the protocol's safe subset after CRIME), so there is
// nothing in this stack to toggle.
func (c *Context) SetOptions(verifyPeer, allowCompression, tlsOnly bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verifyPeer = verifyPeer
	if c.role == api.RoleServer {
		if verifyPeer {
			c.cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			c.cfg.ClientAuth = tls.NoClientCert
		}
	} else {
		c.cfg.InsecureSkipVerify = !verifyPeer
	}

	if tlsOnly {
		c.cfg.MinVersion = tls.VersionTLS10
	} else {
		c.cfg.MinVersion = tls.VersionTLS12
	}
	return true
}

// SetVerifyPaths loads CA material from caFile and/or every PEM file
// under caPath; if both are empty, verification falls back to the OS
// default trust store (RootCAs/ClientCAs left nil, which is what
// crypto/tls itself does).
func (c *Context) SetVerifyPaths(caFile, caPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caFile == "" && caPath == "" {
		return true
	}

	pool := x509.NewCertPool()
	ok := true
	if caFile != "" {
		if !addPEMFile(pool, caFile) {
			ok = false
		}
	}
	if caPath != "" {
		entries, err := os.ReadDir(caPath)
		if err != nil {
			log.Error().Str("ca_path", caPath).Err(err).Msg("read CA directory failed")
			ok = false
		} else {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				if !addPEMFile(pool, filepath.Join(caPath, e.Name())) {
					ok = false
				}
			}
		}
	}
	if !ok {
		return false
	}
	if c.role == api.RoleServer {
		c.cfg.ClientCAs = pool
	} else {
		c.cfg.RootCAs = pool
	}
	return true
}

func addPEMFile(pool *x509.CertPool, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Str("file", path).Err(err).Msg("read CA file failed")
		return false
	}
	if !pool.AppendCertsFromPEM(data) {
		log.Error().Str("file", path).Msg("no certificates found in CA file")
		return false
	}
	return true
}

// SetPrivateKeyPassword stores the passphrase used to decrypt an
// encrypted PEM private key loaded by a later SetCertificateAndKey call.
func (c *Context) SetPrivateKeyPassword(password string) {
	c.mu.Lock()
	c.keyPassword = password
	c.mu.Unlock()
}

// SetCertificateAndKey loads a PEM certificate chain and matching PEM
// private key, decrypting the key first if SetPrivateKeyPassword set a
// passphrase. Rejects mismatched pairs, as tls.X509KeyPair already does.
func (c *Context) SetCertificateAndKey(certFile, keyFile string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		log.Error().Str("cert_file", certFile).Err(err).Msg("read certificate failed")
		return false
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		log.Error().Str("key_file", keyFile).Err(err).Msg("read private key failed")
		return false
	}
	if c.keyPassword != "" {
		keyPEM, err = decryptKeyPEM(keyPEM, c.keyPassword)
		if err != nil {
			log.Error().Str("key_file", keyFile).Err(err).Msg("decrypt private key failed")
			return false
		}
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.Error().Str("cert_file", certFile).Str("key_file", keyFile).Err(err).Msg("load certificate/key pair failed")
		return false
	}

	c.cfg.Certificates = []tls.Certificate{pair}
	c.certFile, c.keyFile = certFile, keyFile
	return true
}

// decryptKeyPEM decrypts a legacy encrypted PEM private key block with
// password. Modern deployments issue PKCS#8 keys instead of encrypted
// PEM, in which case the block is not encrypted and is returned as-is.
func decryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return keyPEM, nil
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted PEM format
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck // see above
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// clone produces the *tls.Config a new Session starts from: a shallow
// copy so per-session overrides (SetOptions/SetCertificateAndKey called
// on the Session) never mutate the shared Context.
func (c *Context) clone() *tls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}
