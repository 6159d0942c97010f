// Package client implements the Client specialization of DataSocket:
// name resolution, non-blocking connect, completion detection via
// writable-readiness, and an optional post-connect TLS handshake.
package client

import (
	"context"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/internal/logging"
	"github.com/bkeevil/tcp/netutil"
	"github.com/bkeevil/tcp/socket"
	"github.com/bkeevil/tcp/tlsengine"
)

var log = logging.For("client")

// DataAvailableFunc is Client's data-available extension point.
type DataAvailableFunc func(c *Client)

// ConnectedFunc is invoked once the TCP handshake completes, before any
// TLS handshake begins.
type ConnectedFunc func(c *Client)

// Client is a DataSocket that initiates an outbound connection.
type Client struct {
	socket.DataSocket

	reactor  api.Reactor
	domain   api.Domain
	blocking bool

	onData      DataAvailableFunc
	onConnected ConnectedFunc

	tlsCtx *tlsengine.Context

	// Per-instance TLS configuration.
	CertFile             string
	KeyFile              string
	KeyPass              string
	VerifyPeer           bool
	CheckPeerSubjectName bool

	host string
}

// New constructs an unconnected Client bound to r. domain selects the
// address family a subsequent Connect will resolve into; blocking
// selects a blocking descriptor, reserved for test programs.
func New(r api.Reactor, domain api.Domain, blocking bool) *Client {
	return &Client{reactor: r, domain: domain, blocking: blocking}
}

// OnDataAvailable registers the callback invoked after every successful
// input-buffer fill.
func (c *Client) OnDataAvailable(f DataAvailableFunc) { c.onData = f }

// OnConnected registers the callback invoked once the connection
// completes, before any TLS handshake.
func (c *Client) OnConnected(f ConnectedFunc) { c.onConnected = f }

// UseTLS attaches a shared TLSContext; Connect will create a per-
// connection Session from it before starting the non-blocking connect.
func (c *Client) UseTLS(ctx *tlsengine.Context) { c.tlsCtx = ctx }

// Connect resolves host:service, creates the socket, optionally attaches
// TLS, and starts a non-blocking connect. It returns false (leaving the
// Client UNCONNECTED) if resolution, socket creation, or every
// candidate address's connect attempt fails.
func (c *Client) Connect(host, service string) bool {
	if c.State() != api.StateUnconnected {
		return false
	}
	c.host = host

	domain := netutil.DomainOf(host, service, c.domain)
	addrs, err := resolve(host, service, domain)
	if err != nil || len(addrs) == 0 {
		log.Error().Str("host", host).Str("service", service).Err(err).Msg("resolve failed")
		return false
	}

	for _, addr := range addrs {
		if c.tryConnect(addr, host) {
			return true
		}
	}
	c.SetState(api.StateUnconnected)
	return false
}

// resolve looks up host's addresses and service's port, honoring
// domain. No canonical name is requested or logged; domain comes from
// netutil.DomainOf, which resolve's caller already ran.
func resolve(host, service string, domain api.Domain) ([]netip.AddrPort, error) {
	network := "tcp"
	if domain == api.DomainIPv4 {
		network = "tcp4"
	} else if domain == api.DomainIPv6 {
		network = "tcp6"
	}
	ctx := context.Background()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, api.NewError(api.ErrResolveFailed, "client.resolve", err)
	}
	port, err := net.DefaultResolver.LookupPort(ctx, network, service)
	if err != nil {
		return nil, api.NewError(api.ErrResolveFailed, "client.resolve", err)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr.Unmap(), uint16(port)))
	}
	return out, nil
}

// tryConnect attempts a non-blocking connect to one resolved address. On
// EINPROGRESS it registers for R+W+Closed readiness and returns true
// with State CONNECTING; on immediate success it transitions straight
// to CONNECTED.
func (c *Client) tryConnect(addr netip.AddrPort, hostname string) bool {
	domain := api.DomainIPv4
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		domain = api.DomainIPv6
	}

	if err := c.DataSocket.Init(c.reactor, c, domain, 0, c.blocking, api.Readable|api.Writable|api.Closed); err != nil {
		log.Error().Err(err).Msg("socket init failed")
		return false
	}
	c.InitBuffers(func() {
		if c.onData != nil {
			c.onData(c)
		}
	})

	if c.tlsCtx != nil || (c.CertFile != "" && c.KeyFile != "") {
		if err := c.attachTLS(hostname); err != nil {
			log.Error().Err(err).Msg("tls session setup failed")
			c.Close()
			return false
		}
	}

	sa := sockaddrOf(addr)
	err := unix.Connect(int(c.FD()), sa)
	if err == nil {
		c.SetState(api.StateConnected)
		c.onConnectedHook()
		return true
	}
	if err == unix.EINPROGRESS {
		c.SetState(api.StateConnecting)
		return true
	}

	log.Debug().Str("addr", addr.String()).Err(err).Msg("connect failed")
	c.Close()
	return false
}

func (c *Client) attachTLS(hostname string) error {
	if c.CheckPeerSubjectName && !c.VerifyPeer {
		return api.NewError(api.ErrInvalidArgument, "client.attachTLS", nil)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return api.NewError(api.ErrInvalidArgument, "client.attachTLS", nil)
	}
	if c.tlsCtx == nil {
		ctx, err := tlsengine.NewContext(api.RoleClient)
		if err != nil {
			return err
		}
		c.tlsCtx = ctx
	}
	c.tlsCtx.SetOptions(c.VerifyPeer, false, false)
	if c.CertFile != "" && c.KeyFile != "" {
		if c.KeyPass != "" {
			c.tlsCtx.SetPrivateKeyPassword(c.KeyPass)
		}
		if !c.tlsCtx.SetCertificateAndKey(c.CertFile, c.KeyFile) {
			return api.NewError(api.ErrTlsConfig, "client.attachTLS", nil)
		}
	}

	session, err := tlsengine.New(c, c.reactor, c.tlsCtx)
	if err != nil {
		return err
	}
	session.SetOptions(c.VerifyPeer, c.CheckPeerSubjectName, hostname)
	c.AttachTLS(session)
	return nil
}

func (c *Client) onConnectedHook() {
	if c.onConnected != nil {
		c.onConnected(c)
	}
	if c.TLS() == nil {
		return
	}
	if err := c.TLS().Connect(c.FD(), c.host); err != nil {
		log.Error().Err(err).Msg("tls connect failed")
		c.Disconnect()
		return
	}
	// The TLS session's pump goroutines now own the wire over their own
	// duplicated descriptor; drop Readable/Writable on the original
	// registration so epoll stops delivering level-triggered EPOLLOUT
	// for a socket nothing reads/writes directly anymore.
	if err := c.SetInterest(api.Closed); err != nil {
		log.Debug().Err(err).Msg("reduce interest after tls handshake start failed")
	}
}

// HandleEvents implements Client's state-specific readiness handling,
// falling through to DataSocket.HandleEvents once CONNECTED.
func (c *Client) HandleEvents(ready api.Interest) {
	switch c.State() {
	case api.StateConnecting:
		if ready&api.Closed != 0 {
			// The socket is closed rather than left open; State
			// returns to UNCONNECTED so a later Connect starts over
			// with a new socket.
			c.Close()
			c.SetState(api.StateUnconnected)
			return
		}
		if ready&api.Writable != 0 {
			if connectFailed(c.FD()) {
				c.Close()
				c.SetState(api.StateUnconnected)
				return
			}
			c.SetState(api.StateConnected)
			c.onConnectedHook()
		}
		return
	case api.StateConnected:
		c.DataSocket.HandleEvents(ready)
	default:
	}
}

// connectFailed inspects SO_ERROR after writable-readiness fires during
// a non-blocking connect, distinguishing a completed connect from one
// the kernel has since failed (e.g. ECONNREFUSED).
func connectFailed(fd int32) bool {
	errno, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return true
	}
	return errno != 0
}

// Disconnect requests disconnection.
func (c *Client) Disconnect() { c.DataSocket.Disconnect() }

// sockaddrOf converts a resolved netip.AddrPort into the unix.Sockaddr
// the raw connect(2) call needs.
func sockaddrOf(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		a4 := addr.Addr().As4()
		sa.Addr = a4
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port())}
	a16 := addr.Addr().As16()
	sa.Addr = a16
	return sa
}
