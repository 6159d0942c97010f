//go:build linux

package tcp_test

import (
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/client"
	"github.com/bkeevil/tcp/reactor"
	"github.com/bkeevil/tcp/server"
)

// echoFactory is the server.CreateSessionFunc every loopback test here
// uses: whatever the client sends comes straight back.
func echoFactory(_ int32, _ netip.AddrPort) *server.Session {
	s := &server.Session{}
	s.OnDataAvailable = func(sess *server.Session) {
		buf := make([]byte, sess.Available())
		n := sess.Read(buf)
		sess.Write(buf[:n])
	}
	return s
}

func startEchoServer(t *testing.T, r api.Reactor) (*server.Server, string) {
	t.Helper()
	srv := server.New(r, nil, api.DomainIPv4)
	srv.CreateSession = echoFactory
	if err := srv.Start(0, "127.0.0.1", false, 8); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port, err := srv.Port()
	if err != nil {
		t.Fatalf("Port: %v", err)
	}
	return srv, strconv.Itoa(port)
}

// TestLoopback_HelloWorld round-trips a small write through an echo server.
func TestLoopback_HelloWorld(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	_, port := startEchoServer(t, r)

	c := client.New(r, api.DomainIPv4, false)
	var received []byte
	c.OnDataAvailable(func(cl *client.Client) {
		buf := make([]byte, cl.Available())
		n := cl.Read(buf)
		received = append(received, buf[:n]...)
	})
	c.OnConnected(func(cl *client.Client) {
		cl.Write([]byte("hello\n"))
	})

	if ok := c.Connect("127.0.0.1", port); !ok {
		t.Fatalf("Connect returned false")
	}

	pump(t, r, 20, 100)

	if string(received) != "hello\n" {
		t.Fatalf("received %q, want %q", received, "hello\n")
	}
}

// TestLoopback_LargeWrite round-trips a write larger than one read/write
// syscall's usual chunk size, exercising buffering and short writes.
func TestLoopback_LargeWrite(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	_, port := startEchoServer(t, r)

	c := client.New(r, api.DomainIPv4, false)
	var received []byte
	c.OnDataAvailable(func(cl *client.Client) {
		buf := make([]byte, cl.Available())
		n := cl.Read(buf)
		received = append(received, buf[:n]...)
	})

	const total = 10000
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = 'A'
	}
	c.OnConnected(func(cl *client.Client) {
		cl.Write(payload)
	})

	if ok := c.Connect("127.0.0.1", port); !ok {
		t.Fatalf("Connect returned false")
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(received) < total && time.Now().Before(deadline) {
		if err := r.Poll(100); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}

	if len(received) != total {
		t.Fatalf("received %d bytes, want %d", len(received), total)
	}
	for i, b := range received {
		if b != 'A' {
			t.Fatalf("byte %d = %q, want 'A'", i, b)
		}
	}
}

// TestServerStop verifies Stop() takes the server out of LISTENING.
func TestServerStop(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	srv := server.New(r, nil, api.DomainIPv4)
	if err := srv.Start(0, "127.0.0.1", false, 8); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !srv.Listening() {
		t.Fatalf("Listening() = false after Start")
	}

	srv.Stop()
	if srv.Listening() {
		t.Fatalf("Listening() = true after Stop")
	}

	if err := r.Poll(50); err != nil {
		t.Fatalf("Poll after Stop: %v", err)
	}
}

// TestClient_ConnectRefused verifies that a connect to a port nobody is
// listening on does not deliver any bytes and leaves the Client out of
// the CONNECTED state.
func TestClient_ConnectRefused(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	c := client.New(r, api.DomainIPv4, false)
	gotData := false
	c.OnDataAvailable(func(cl *client.Client) { gotData = true })

	if ok := c.Connect("127.0.0.1", "1"); !ok {
		// An immediate false is also an acceptable outcome of a refused
		// connect on a loaded system; nothing else to check.
		return
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if err := r.Poll(50); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if c.State() != api.StateConnecting {
			break
		}
	}

	if c.State() == api.StateConnected {
		t.Fatalf("State() = CONNECTED after connecting to an unused port")
	}
	if gotData {
		t.Fatalf("data_available fired for a refused connect")
	}
}

// pump runs r.Poll n times at the given per-call timeout.
func pump(t *testing.T, r api.Reactor, n int, timeoutMs int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := r.Poll(timeoutMs); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
}
