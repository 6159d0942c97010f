package server

import (
	"net/netip"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/socket"
	"github.com/bkeevil/tcp/tlsengine"
)

// Session is one accepted connection: a DataSocket carrying the peer's
// immutable address pair, owned by its Server's session map for as long
// as it is connected.
type Session struct {
	socket.DataSocket

	// Peer is the accepted connection's remote address pair, set once
	// by the Server before accepted() runs and never mutated after.
	Peer netip.AddrPort

	// OnDataAvailable is Session's extension point, invoked after a
	// successful input-buffer fill. The default CreateSessionFunc
	// leaves this nil; a custom factory sets it before returning the
	// Session.
	OnDataAvailable func(*Session)

	server *Server
}

// accepted drives Session straight to CONNECTED, or through a server-
// side TLS handshake first if the owning Server has TLS enabled. The
// TCP-level transition to CONNECTED happens immediately either way,
// mirroring how Client reaches CONNECTED before its own post-connect
// TLS handshake runs: a handshake failure surfaces later as an ordinary
// Disconnected() call, not as a delayed state transition.
func (s *Session) accepted() {
	s.SetState(api.StateConnected)

	if s.server.tlsCtx == nil {
		return
	}

	tlsSession, err := tlsengine.New(s, s.server.reactor, s.server.tlsCtx)
	if err != nil {
		log.Error().Int32("fd", s.FD()).Err(err).Msg("tls session construction failed")
		s.Disconnected()
		return
	}
	s.AttachTLS(tlsSession)
	if err := tlsSession.Accept(s.FD()); err != nil {
		log.Error().Int32("fd", s.FD()).Err(err).Msg("tls accept failed")
		s.Disconnected()
		return
	}
	// Same rationale as Client.onConnectedHook: the TLS session's pump
	// goroutines own the wire now, so the original registration only
	// needs Closed.
	if err := s.SetInterest(api.Closed); err != nil {
		log.Debug().Int32("fd", s.FD()).Err(err).Msg("reduce interest after tls accept failed")
	}
}

// Disconnected overrides DataSocket.Disconnected to remove itself from
// the server's map before tearing down: the map is keyed by FD(), which
// teardown clears to zero, and nothing may touch the Session after this
// runs. Go has no manual free, but the map is what keeps the Session
// reachable from its Server, so the removal below is this language's
// analogue of releasing the record.
func (s *Session) Disconnected() {
	if s.server != nil {
		s.server.removeSession(s)
	}
	s.DataSocket.Disconnected()
}
