package socket

import (
	"golang.org/x/sys/unix"

	"github.com/bkeevil/tcp/api"
	"github.com/bkeevil/tcp/buffer"
	"github.com/bkeevil/tcp/tlsengine"
)

// fillBufSize is the stack-sized scratch buffer fillInput loops with.
const fillBufSize = 256

// DataSocket extends Socket with byte-level input/output buffers,
// optional TLS, and the readiness-to-buffer pipeline. Client and Session
// embed DataSocket. Client overrides HandleEvents for CONNECTING, the
// state DataSocket itself does not know about, and falls through to
// DataSocket.HandleEvents once CONNECTED; Session uses it unchanged.
type DataSocket struct {
	Socket

	input  *buffer.Queue
	output *buffer.Queue
	tls    *tlsengine.Session

	onDataAvailable func()
}

// InitBuffers must be called once, after Socket.Init, by every
// constructor that embeds DataSocket.
func (d *DataSocket) InitBuffers(onDataAvailable func()) {
	d.input = buffer.New()
	d.output = buffer.New()
	d.onDataAvailable = onDataAvailable
}

// AttachTLS installs a TLS session. Once attached, reads and writes
// delegate to it: HandleEvents below stops calling fillInput/drainOutput
// and only still reacts to the Closed bit, because the session's pump
// goroutines own the wire over their own duplicated descriptor.
//
// AttachTLS itself does not touch the reactor registration. For a
// Client it runs before the non-blocking connect even starts, so
// Writable interest is still needed to detect connect completion; the
// caller (Client.onConnectedHook, Session.accepted) is responsible for
// reducing interest to Closed once the handshake has actually started,
// or the connected socket's registration would sit with Writable
// permanently set and spin the reactor on level-triggered EPOLLOUT.
func (d *DataSocket) AttachTLS(s *tlsengine.Session) {
	d.tls = s
}

// TLS returns the attached session, or nil.
func (d *DataSocket) TLS() *tlsengine.Session { return d.tls }

// Available returns the number of bytes currently queued for Read.
func (d *DataSocket) Available() int {
	return d.input.Len()
}

// Read drains up to len(dst) bytes from the input buffer. It never
// touches the network.
func (d *DataSocket) Read(dst []byte) int {
	return d.input.Read(dst)
}

// Write appends src to the output buffer and arranges for it to be
// transmitted, returning len(src).
//
// A DataSocket that is not CONNECTED returns 0 silently rather than an
// error; callers that need to distinguish "disconnected" from "nothing
// to send" should check State() first.
func (d *DataSocket) Write(src []byte) int {
	if d.State() != api.StateConnected {
		return 0
	}
	if d.tls != nil {
		return d.tls.Write(src)
	}
	n := d.output.Write(src)
	if n > 0 {
		d.updateWritableInterest()
	}
	return n
}

// DeliverInput satisfies tlsengine.Owner: it appends decrypted bytes to
// the input buffer and runs the same data-available notification the
// plaintext Readable path runs.
func (d *DataSocket) DeliverInput(p []byte) {
	if len(p) == 0 {
		return
	}
	d.input.Write(p)
	if d.onDataAvailable != nil {
		d.onDataAvailable()
	}
}

// HandleEvents drains readiness into the buffers and notifies the
// owner. Client calls this directly once it has handled its own
// CONNECTING-specific bits; Session inherits it as is.
func (d *DataSocket) HandleEvents(ready api.Interest) {
	if d.State() != api.StateConnected {
		return
	}

	if d.tls != nil {
		// The TLS session's own goroutines own the wire; only a
		// peer-closed/HUP/ERR indication still needs to flow through
		// here, since that arrives on the real fd this Socket
		// registered, not the session's duplicated descriptor.
		if ready&api.Closed != 0 {
			d.tls.Shutdown()
			d.disconnectedDispatch()
		}
		return
	}

	if ready&api.Closed != 0 {
		d.disconnectedDispatch()
		return
	}
	if ready&api.Readable != 0 {
		if d.fillInput() > 0 && d.onDataAvailable != nil {
			d.onDataAvailable()
		}
		d.updateWritableInterest()
	}
	if ready&api.Writable != 0 {
		d.drainOutput()
		d.updateWritableInterest()
	}
}

// fillInput loops reading into a small scratch buffer and appending to
// the input queue until a non-positive return indicates no more data is
// available right now. It returns the total number of bytes appended.
func (d *DataSocket) fillInput() int {
	var scratch [fillBufSize]byte
	total := 0
	for {
		n, err := unix.Read(int(d.FD()), scratch[:])
		if n > 0 {
			d.input.Write(scratch[:n])
			total += n
		}
		if n <= 0 {
			if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.EINTR {
				log.Debug().Int32("fd", d.FD()).Err(err).Msg("fill_input read failed")
			}
			return total
		}
	}
}

// drainOutput snapshots the current output length, attempts one raw
// write of that many bytes, and retains any untransmitted suffix at the
// head of the output buffer. It uses sendmsg(2) with MSG_NOSIGNAL rather
// than write(2) so a peer RST never raises SIGPIPE against this process.
func (d *DataSocket) drainOutput() {
	pending := d.output.Len()
	if pending == 0 {
		return
	}
	chunk := make([]byte, pending)
	d.output.Peek(chunk)

	n, err := unix.SendmsgN(int(d.FD()), chunk, nil, nil, unix.MSG_NOSIGNAL)
	if n > 0 {
		d.output.Discard(n)
	}
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		log.Debug().Int32("fd", d.FD()).Err(err).Msg("drain_output write failed")
	}
}

// updateWritableInterest keeps the writable bit in the interest mask iff
// the output buffer is non-empty.
func (d *DataSocket) updateWritableInterest() {
	mask := api.Readable | api.Closed
	if !d.output.Empty() {
		mask |= api.Writable
	}
	if err := d.SetInterest(mask); err != nil {
		log.Debug().Int32("fd", d.FD()).Err(err).Msg("update interest failed")
	}
}

// Disconnect overrides Socket.Disconnect to shut TLS down first: a
// TLS-bearing DataSocket issues a TLS shutdown, performs the same
// half-close Socket.Disconnect does, then runs the Disconnected override
// chain, which releases the TLS session.
//
// This reimplements Socket.Disconnect's half-close rather than calling
// it, because Go embedding has no virtual dispatch: if Socket.Disconnect
// called through to d.Socket.Disconnected() directly, it would run the
// base Disconnected instead of DataSocket's override below, and the TLS
// session's pump goroutines would never be released.
func (d *DataSocket) Disconnect() {
	if d.tls != nil {
		d.tls.Shutdown()
	}
	if d.State() == api.StateConnected && d.FD() != 0 {
		_ = unix.Shutdown(int(d.FD()), unix.SHUT_RDWR)
	}
	d.disconnectedDispatch()
}

// Disconnected overrides Socket.Disconnected to additionally release any
// attached TLS session.
func (d *DataSocket) Disconnected() {
	if d.tls != nil {
		d.tls.Clear()
		d.tls = nil
	}
	d.Socket.Disconnected()
}
