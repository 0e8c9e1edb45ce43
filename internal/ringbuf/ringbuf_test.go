package ringbuf

import "testing"

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(8)
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}
	out := make([]byte, 5)
	if got := b.Read(out); got != 5 || string(out) != "hello" {
		t.Fatalf("unexpected read result: got=%d out=%q", got, out)
	}
	if !b.Empty() {
		t.Fatal("expected buffer empty after full drain")
	}
}

func TestWriteReportsFullOnOverflow(t *testing.T) {
	b := New(4)
	n, err := b.Write([]byte("hello"))
	if err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if n != 4 {
		t.Fatalf("expected partial write of 4 bytes, got %d", n)
	}
}

func TestWrapsAroundCorrectly(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))
	out := make([]byte, 2)
	b.Read(out)
	b.Write([]byte("cd"))
	b.Write([]byte("ef"))
	full := make([]byte, 4)
	n := b.Read(full)
	if n != 4 || string(full) != "cdef" {
		t.Fatalf("expected wrapped read cdef, got %q (n=%d)", full[:n], n)
	}
}
