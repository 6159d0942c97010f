package tlsengine

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/buffer"
)

// Owner is the subset of socket.DataSocket a Session needs. It exists so
// tlsengine never imports socket: socket imports tlsengine (a DataSocket
// holds an optional *Session), so the dependency can only run one way.
// Every method here is called by Session only from its eventfd's
// HandleEvents, i.e. on the owning Reactor's thread, never from a pump
// goroutine.
type Owner interface {
	// DeliverInput appends decrypted application bytes to the owner's
	// input buffer and invokes its data-available callback, exactly as
	// a plaintext DataSocket.HandleEvents(Readable) would.
	DeliverInput(p []byte)
	// Disconnected tears the owner down.
	Disconnected()
}

// Session is the per-connection TLS engine, tied to one DataSocket.
// Handshake and encrypted I/O run on dedicated goroutines parked on
// Go's runtime network poller; see the package doc for why.
type Session struct {
	owner   Owner
	reactor api.Reactor
	role    api.Role
	cfg     *tls.Config
	wake    *wakeFD

	verifyPeer       bool
	checkSubjectName bool
	expectedHost     string

	mu            sync.Mutex
	rawConn       net.Conn
	tlsConn       *tls.Conn
	outQueue      *buffer.Queue
	inQueue       *buffer.Queue
	outSignal     chan struct{}
	handshakeDone bool
	handshakeOK   bool
	verifyOK      bool
	fatalPending  bool
	closed        bool
}

// New clones ctx's configuration and allocates a Session bound to owner.
// setFD (below) attaches it to a descriptor once one exists; for a
// Client, that happens once the non-blocking connect completes.
func New(owner Owner, r api.Reactor, ctx *Context) (*Session, error) {
	w, err := newWakeFD()
	if err != nil {
		return nil, api.NewError(api.ErrIoInit, "tlsengine.New", err)
	}
	s := &Session{
		owner:            owner,
		reactor:          r,
		role:             ctx.role,
		cfg:              ctx.clone(),
		wake:             w,
		verifyPeer:       ctx.verifyPeer,
		checkSubjectName: ctx.checkSubjectName,
		outQueue:         buffer.New(),
		inQueue:          buffer.New(),
		outSignal:        make(chan struct{}, 1),
	}
	if err := r.Add(s, api.Readable); err != nil {
		w.close()
		return nil, err
	}
	return s, nil
}

// SetOptions applies a per-session override of the context's defaults.
func (s *Session) SetOptions(verifyPeer, checkSubjectName bool, expectedHost string) {
	s.verifyPeer = verifyPeer
	s.checkSubjectName = checkSubjectName
	s.expectedHost = expectedHost
}

// SetCertificateAndKey overrides the session's certificate/key pair,
// independent of the shared Context.
func (s *Session) SetCertificateAndKey(certFile, keyFile string) bool {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		log.Error().Err(err).Msg("session: read certificate failed")
		return false
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		log.Error().Err(err).Msg("session: read key failed")
		return false
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.Error().Err(err).Msg("session: load certificate/key pair failed")
		return false
	}
	s.cfg.Certificates = []tls.Certificate{pair}
	return true
}

// FD satisfies api.EventHandler: a Session's own descriptor is its wake
// eventfd, not the underlying socket. The socket fd stays registered
// directly by the owning DataSocket for Closed-bit delivery.
func (s *Session) FD() int32 { return s.wake.FD() }

// setFD attaches the session to the already non-blocking fd. Called by
// Connect/Accept, which then start the handshake goroutine.
func (s *Session) setFD(fd int32, serverName string) error {
	dup, err := dupForTLS(fd)
	if err != nil {
		return api.NewError(api.ErrTlsHandshake, "tlsengine.setFD", err)
	}
	s.rawConn = dup
	if s.role == api.RoleClient {
		s.cfg.ServerName = serverName
		s.tlsConn = tls.Client(dup, s.cfg)
	} else {
		s.tlsConn = tls.Server(dup, s.cfg)
	}
	return nil
}

// dupForTLS duplicates fd and hands the runtime its own descriptor via
// os.NewFile/net.FileConn. Go's poller then parks Read/Write on this
// goroutine rather than the OS thread, which is what lets the handshake
// and pump goroutines behave like want-read/want-write re-entry without
// ever blocking the reactor thread that still owns the original fd.
//
// net.FileConn dups the descriptor it's given again internally, so f
// must be closed once conn is obtained; closing conn later does not
// close f on its own, and leaving it open leaks one descriptor per
// session.
func dupForTLS(fd int32) (net.Conn, error) {
	dupFd, err := dupFD(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dupFd), "tls-socket")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect drives the client-side handshake. serverName is used both as
// the SNI value and, when check-subject-name is enabled, as the
// hostname the post-validation wildcard match is checked against.
func (s *Session) Connect(fd int32, serverName string) error {
	s.expectedHost = serverName
	if err := s.setFD(fd, serverName); err != nil {
		return err
	}
	go s.handshakeLoop()
	return nil
}

// Accept drives the server-side handshake.
func (s *Session) Accept(fd int32) error {
	if err := s.setFD(fd, ""); err != nil {
		return err
	}
	go s.handshakeLoop()
	return nil
}

func (s *Session) handshakeLoop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.tlsConn.HandshakeContext(ctx)
	if err == nil && s.role == api.RoleClient && s.verifyPeer {
		err = s.postValidate()
	}

	s.mu.Lock()
	s.handshakeDone = true
	s.handshakeOK = err == nil
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("role", s.role.String()).Msg("tls handshake failed")
		s.wake.signal()
		return
	}
	s.wake.signal()
	go s.readPump()
	go s.writePump()
}

// postValidate runs peer-certificate post-validation: the library's
// verify result must be OK (already enforced by crypto/tls unless
// InsecureSkipVerify is set, which verifyPeer disables), and, when
// check-subject-name is set, the expected hostname must match a
// certificate name.
//
// This checks Subject Alternative Name DNS entries first, falling back
// to the subject Common Name only when the leaf certificate carries no
// SAN DNS entries, matching what crypto/tls's own verifier expects and
// what current deployments require.
func (s *Session) postValidate() error {
	state := s.tlsConn.ConnectionState()
	s.setVerifyOK(true)
	if !s.checkSubjectName || s.expectedHost == "" {
		return nil
	}
	if len(state.PeerCertificates) == 0 {
		return api.NewError(api.ErrTlsVerify, "tlsengine.postValidate", nil)
	}
	leaf := state.PeerCertificates[0]

	names := leaf.DNSNames
	if len(names) == 0 && leaf.Subject.CommonName != "" {
		names = []string{leaf.Subject.CommonName}
	}
	for _, n := range names {
		if matchWildcard(n, s.expectedHost) {
			return nil
		}
	}
	s.setVerifyOK(false)
	return api.NewError(api.ErrTlsVerify, "tlsengine.postValidate", nil)
}

func (s *Session) setVerifyOK(ok bool) {
	s.mu.Lock()
	s.verifyOK = ok
	s.mu.Unlock()
}

// VerifyOK reports the outcome of the last post-validation pass.
func (s *Session) VerifyOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyOK
}

func (s *Session) readPump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.tlsConn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.inQueue.Write(buf[:n])
			s.mu.Unlock()
			s.wake.signal()
		}
		if err != nil {
			s.mu.Lock()
			s.fatalPending = true
			s.mu.Unlock()
			s.wake.signal()
			return
		}
	}
}

func (s *Session) writePump() {
	for range s.outSignal {
		for {
			s.mu.Lock()
			if s.outQueue.Empty() {
				s.mu.Unlock()
				break
			}
			chunk := make([]byte, s.outQueue.Len())
			s.outQueue.Read(chunk)
			s.mu.Unlock()

			if _, err := s.tlsConn.Write(chunk); err != nil {
				s.mu.Lock()
				s.fatalPending = true
				s.mu.Unlock()
				s.wake.signal()
				return
			}
		}
	}
}

// Write stages p for encrypted transmission and wakes the write pump. It
// never blocks and always accepts the full buffer.
func (s *Session) Write(p []byte) int {
	s.mu.Lock()
	n := s.outQueue.Write(p)
	s.mu.Unlock()
	select {
	case s.outSignal <- struct{}{}:
	default:
	}
	return n
}

// HandleEvents satisfies api.EventHandler. It runs on the reactor thread
// and is the only place this package touches the owner's buffers.
func (s *Session) HandleEvents(_ api.Interest) {
	s.wake.drain()

	s.mu.Lock()
	failed := s.handshakeDone && !s.handshakeOK
	fatal := s.fatalPending
	s.fatalPending = false
	var in []byte
	if s.inQueue.Len() > 0 {
		in = make([]byte, s.inQueue.Len())
		s.inQueue.Read(in)
	}
	s.mu.Unlock()

	if len(in) > 0 {
		s.owner.DeliverInput(in)
	}
	if failed || fatal {
		s.owner.Disconnected()
	}
}

// Shutdown initiates a TLS close-notify.
func (s *Session) Shutdown() {
	if s.tlsConn != nil {
		_ = s.tlsConn.Close()
	}
}

// Clear tears the session down, releasing its goroutines and
// descriptors.
func (s *Session) Clear() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.outSignal)
	if s.tlsConn != nil {
		_ = s.tlsConn.Close()
	}
	if s.rawConn != nil {
		_ = s.rawConn.Close()
	}
	_ = s.reactor.Remove(s)
	s.wake.close()
}
