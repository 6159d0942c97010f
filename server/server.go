// Package server implements Server and Session: a listening socket that
// accepts connections and hands each one to a Session, a DataSocket
// specialization owned by the Server's session map.
package server

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/internal/logging"
	"github.com/bkeevil/tcp/socket"
	"github.com/bkeevil/tcp/tlsengine"
)

var log = logging.For("server")

// AnyAddress is the literal "any-address" sentinel accepted for the
// server's bind address, alongside an IP literal or an interface name.
const AnyAddress = "any"

// CreateSessionFunc is the abstract session-construction extension
// point: given an accepted descriptor and the peer's address, it
// returns the Session the Server should register. The default, used
// when Server.CreateSession is nil, returns a bare *Session; callers
// that want custom per-connection state set Session.OnDataAvailable
// (and anything else they need) inside this callback, since Go has no
// subclassing to override with.
type CreateSessionFunc func(fd int32, peer netip.AddrPort) *Session

// Server owns a listening socket, an optional TLS context, and the
// descriptor-indexed Session map it is the sole owner of.
type Server struct {
	socket.Socket

	reactor api.Reactor
	domain  api.Domain
	tlsCtx  *tlsengine.Context
	backlog int

	sessions map[int32]*Session

	// CreateSession is the factory extension point; see
	// CreateSessionFunc.
	CreateSession CreateSessionFunc
}

// New constructs a Server bound to r. tlsCtx may be nil for a plaintext
// server; domain selects the address family Start's bind address
// resolves into.
func New(r api.Reactor, tlsCtx *tlsengine.Context, domain api.Domain) *Server {
	return &Server{
		reactor:  r,
		domain:   domain,
		tlsCtx:   tlsCtx,
		sessions: make(map[int32]*Session),
	}
}

// Listening reports whether the server is currently LISTENING.
func (srv *Server) Listening() bool { return srv.State() == api.StateListening }

// Start binds, listens, and registers the listening socket with the
// reactor. useTLS gates whether accepted Sessions get a server-side TLS
// handshake; a Server constructed with a nil tlsCtx ignores useTLS.
// Binding and listen failures leave the server UNCONNECTED.
func (srv *Server) Start(port int, bindAddress string, useTLS bool, backlog int) error {
	if srv.State() != api.StateUnconnected {
		return api.NewError(api.ErrInvalidArgument, "server.Start", nil)
	}
	if !useTLS {
		srv.tlsCtx = nil
	}

	addr, err := resolveBindAddress(bindAddress, srv.domain)
	if err != nil {
		return err
	}

	if err := srv.Socket.Init(srv.reactor, srv, srv.domain, 0, false, api.Readable); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(int(srv.FD()), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		srv.Close()
		return api.NewError(api.ErrIoSyscall, "server.Start", err)
	}

	sa := sockaddrOf(netip.AddrPortFrom(addr, uint16(port)))
	if err := unix.Bind(int(srv.FD()), sa); err != nil {
		srv.Close()
		srv.SetState(api.StateUnconnected)
		return api.NewError(api.ErrIoSyscall, "server.Start", err)
	}
	if err := unix.Listen(int(srv.FD()), backlog); err != nil {
		srv.Close()
		srv.SetState(api.StateUnconnected)
		return api.NewError(api.ErrIoSyscall, "server.Start", err)
	}

	srv.backlog = backlog
	srv.SetState(api.StateListening)
	return nil
}

// Port returns the port the listening socket is actually bound to,
// useful when Start was called with port 0.
func (srv *Server) Port() (int, error) {
	sa, err := unix.Getsockname(int(srv.FD()))
	if err != nil {
		return 0, api.NewError(api.ErrIoSyscall, "server.Port", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, api.NewError(api.ErrInvalidArgument, "server.Port", nil)
	}
}

// HandleEvents runs at most one accept per dispatch.
func (srv *Server) HandleEvents(ready api.Interest) {
	if srv.State() != api.StateListening {
		return
	}
	if ready&api.Readable != 0 {
		srv.acceptConnection()
	}
}

// acceptConnection accepts one peer, builds its Session via the factory
// extension point, and inserts it into the session map.
func (srv *Server) acceptConnection() {
	nfd, sa, err := unix.Accept(int(srv.FD()))
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			log.Warn().Err(err).Msg("accept failed")
		}
		return
	}
	fd := int32(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		log.Warn().Int32("fd", fd).Err(err).Msg("set nonblocking failed")
		_ = unix.Close(nfd)
		return
	}

	// A stale map entry under a reused fd should not happen, but is
	// defended against anyway.
	if existing, ok := srv.sessions[fd]; ok {
		delete(srv.sessions, fd)
		existing.Disconnected()
	}

	peer := addrPortOf(sa)
	session, err := srv.newSession(fd, peer)
	if err != nil {
		log.Warn().Int32("fd", fd).Err(err).Msg("session construction failed")
		_ = unix.Close(nfd)
		return
	}
	srv.sessions[fd] = session
	session.accepted()
}

func (srv *Server) newSession(fd int32, peer netip.AddrPort) (*Session, error) {
	var session *Session
	if srv.CreateSession != nil {
		session = srv.CreateSession(fd, peer)
	} else {
		session = &Session{}
	}
	session.server = srv
	session.Peer = peer

	domain := api.DomainIPv4
	if peer.Addr().Is6() && !peer.Addr().Is4In6() {
		domain = api.DomainIPv6
	}
	if err := session.DataSocket.Init(srv.reactor, session, domain, fd, false, api.Readable|api.Closed); err != nil {
		return nil, err
	}
	session.InitBuffers(func() {
		if session.OnDataAvailable != nil {
			session.OnDataAvailable(session)
		}
	})
	return session, nil
}

// removeSession drops session from the map without touching it again.
func (srv *Server) removeSession(session *Session) {
	delete(srv.sessions, session.FD())
}

// Stop disconnects every session, then the listening socket itself.
func (srv *Server) Stop() {
	for _, session := range srv.sessions {
		session.Disconnect()
	}
	srv.SetState(api.StateDisconnected)
	srv.Socket.Close()
}

// resolveBindAddress selects the server's bind address: the AnyAddress
// sentinel, an IP literal, or an interface name resolved by enumerating
// the OS interface list.
//
// If bindAddress names an interface that has no address in domain,
// Start fails with ErrInvalidArgument rather than silently falling back
// to any-address or leaving the bind address uninitialized.
func resolveBindAddress(bindAddress string, domain api.Domain) (netip.Addr, error) {
	if bindAddress == "" || bindAddress == AnyAddress {
		if domain == api.DomainIPv6 {
			return netip.IPv6Unspecified(), nil
		}
		return netip.IPv4Unspecified(), nil
	}

	if addr, err := netip.ParseAddr(bindAddress); err == nil {
		return addr, nil
	}

	iface, err := net.InterfaceByName(bindAddress)
	if err != nil {
		return netip.Addr{}, api.NewError(api.ErrInvalidArgument, "server.resolveBindAddress", err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, api.NewError(api.ErrInvalidArgument, "server.resolveBindAddress", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		is6 := addr.Is6() && !addr.Is4In6()
		if (domain == api.DomainIPv6) == is6 {
			return addr, nil
		}
	}
	return netip.Addr{}, api.NewError(api.ErrInvalidArgument, "server.resolveBindAddress",
		fmt.Errorf("interface %q has no address in domain %s", bindAddress, domain))
}

func sockaddrOf(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		sa.Addr = addr.Addr().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As16()
	return sa
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}
