package buffer

import "testing"

func TestQueue_WriteReadRoundTrip(t *testing.T) {
	q := New()
	q.Write([]byte("hello "))
	q.Write([]byte("world"))

	if q.Len() != 11 {
		t.Fatalf("Len() = %d, want 11", q.Len())
	}

	dst := make([]byte, 5)
	n := q.Read(dst)
	if n != 5 || string(dst) != "hello" {
		t.Fatalf("Read() = %d %q, want 5 %q", n, dst, "hello")
	}
	if q.Len() != 6 {
		t.Fatalf("Len() after partial read = %d, want 6", q.Len())
	}

	rest := make([]byte, 10)
	n = q.Read(rest)
	if n != 6 || string(rest[:n]) != " world" {
		t.Fatalf("Read() = %d %q, want 6 %q", n, rest[:n], " world")
	}
	if !q.Empty() {
		t.Fatalf("Empty() = false after draining everything")
	}
}

func TestQueue_PeekDoesNotConsume(t *testing.T) {
	q := New()
	q.Write([]byte("abc"))

	peeked := make([]byte, 3)
	n := q.Peek(peeked)
	if n != 3 || string(peeked) != "abc" {
		t.Fatalf("Peek() = %d %q, want 3 %q", n, peeked, "abc")
	}
	if q.Len() != 3 {
		t.Fatalf("Peek() consumed bytes: Len() = %d, want 3", q.Len())
	}
}

func TestQueue_Discard(t *testing.T) {
	q := New()
	q.Write([]byte("abcdef"))
	q.Discard(2)
	if q.Len() != 4 {
		t.Fatalf("Len() after Discard(2) = %d, want 4", q.Len())
	}
	dst := make([]byte, 4)
	q.Read(dst)
	if string(dst) != "cdef" {
		t.Fatalf("Read() after Discard = %q, want %q", dst, "cdef")
	}
}

func TestQueue_DiscardAcrossChunks(t *testing.T) {
	q := New()
	q.Write([]byte("ab"))
	q.Write([]byte("cd"))
	q.Write([]byte("ef"))
	q.Discard(3)
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	dst := make([]byte, 3)
	q.Read(dst)
	if string(dst) != "def" {
		t.Fatalf("Read() = %q, want %q", dst, "def")
	}
}

func TestQueue_ShortWriteRetainsTail(t *testing.T) {
	// Simulates drainOutput's contract: Peek a snapshot, Discard only
	// what a short raw write actually transmitted, and the untransmitted
	// suffix stays at the head in order.
	q := New()
	q.Write([]byte("0123456789"))

	snapshot := make([]byte, q.Len())
	q.Peek(snapshot)
	transmitted := 4 // pretend only 4 bytes made it onto the wire
	q.Discard(transmitted)

	if q.Len() != 6 {
		t.Fatalf("Len() after short write = %d, want 6", q.Len())
	}
	rest := make([]byte, 6)
	q.Read(rest)
	if string(rest) != "456789" {
		t.Fatalf("Read() after short write = %q, want %q", rest, "456789")
	}
}
