package dcc

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// recorder is a Sink that keeps every event and signals closes
type recorder struct {
	mu     sync.Mutex
	events []Event
	closed chan Event
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan Event, 16)}
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.Type == EventSocketClosed || e.Type == EventChatClosed {
		r.closed <- e
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitClosed(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.closed:
		return e
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for close")
	}
	return Event{}
}

// checkOrder verifies opened, data..., closed for one transfer and returns
// the sum of the data deltas
func checkOrder(t *testing.T, events []Event, tr *Transfer) int {
	t.Helper()
	var mine []Event
	for _, e := range events {
		if e.Transfer == tr {
			mine = append(mine, e)
		}
	}
	if len(mine) < 2 {
		t.Fatalf("Expected at least opened and closed events, got %d", len(mine))
	}
	if mine[0].Type != EventSocketOpened {
		t.Errorf("First event should be socket-opened, got %v", mine[0].Type)
	}
	if mine[len(mine)-1].Type != EventSocketClosed {
		t.Errorf("Last event should be socket-closed, got %v", mine[len(mine)-1].Type)
	}
	total := 0
	for _, e := range mine[1 : len(mine)-1] {
		if e.Type != EventDataTransferred {
			t.Errorf("Unexpected %v between open and close", e.Type)
		}
		total += e.Bytes
	}
	return total
}

func writeTestFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func runTransfer(t *testing.T, size int, turbo bool, start int64, rateLimit int) {
	t.Helper()
	dir := t.TempDir()
	src, data := writeTestFile(t, dir, "src.bin", size)
	dst := filepath.Join(dir, "dst.bin")
	if start > 0 {
		if err := os.WriteFile(dst, data[:start], 0644); err != nil {
			t.Fatal(err)
		}
	}

	reg := NewRegistry(0, 0)
	sendRec, recvRec := newRecorder(), newRecorder()

	send := NewTransfer(Send, "bob", src, "src.bin", int64(size))
	send.Turbo = turbo
	send.setStartOffset(start)
	se := newEngine(send, engineConfig{registry: reg, sink: sendRec, bind: "127.0.0.1", rateLimit: rateLimit})
	port, err := se.openPassive(0)
	if err != nil {
		t.Fatalf("openPassive failed: %v", err)
	}
	if !send.IsListening() {
		t.Errorf("Sender should be listening, got %v", send.State())
	}

	recv := NewTransfer(Receive, "alice", dst, "src.bin", int64(size))
	recv.Turbo = turbo
	recv.setStartOffset(start)
	re := newEngine(recv, engineConfig{registry: reg, sink: recvRec})
	if err := re.openActive("127.0.0.1", port); err != nil {
		t.Fatalf("openActive failed: %v", err)
	}

	sent := sendRec.waitClosed(t)
	got := recvRec.waitClosed(t)

	want := int64(size) - start
	if sent.Outcome != OutcomeComplete || sent.Err != nil {
		t.Errorf("Sender should complete, got %v (%v)", sent.Outcome, sent.Err)
	}
	if got.Outcome != OutcomeComplete || got.Err != nil {
		t.Errorf("Receiver should complete, got %v (%v)", got.Outcome, got.Err)
	}
	if send.BytesTransferred() != want || recv.BytesTransferred() != want {
		t.Errorf("Expected %d bytes moved, got %d sent / %d received", want, send.BytesTransferred(), recv.BytesTransferred())
	}
	if !send.IsComplete() || !recv.IsComplete() {
		t.Errorf("Both sides should report complete")
	}
	if send.State() != StateClosed || recv.State() != StateClosed {
		t.Errorf("Both sides should be closed, got %v / %v", send.State(), recv.State())
	}

	if n := checkOrder(t, sendRec.snapshot(), send); int64(n) != want {
		t.Errorf("Sender data events sum to %d, want %d", n, want)
	}
	if n := checkOrder(t, recvRec.snapshot(), recv); int64(n) != want {
		t.Errorf("Receiver data events sum to %d, want %d", n, want)
	}

	written, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, data) {
		t.Errorf("Received file differs from source (%d vs %d bytes)", len(written), len(data))
	}
	if n := reg.ListenSockets(); n != 0 {
		t.Errorf("Expected listen sockets released, %d left", n)
	}
}

func TestStandardSend(t *testing.T) {
	runTransfer(t, 5000, false, 0, 0)
}

func TestTurboSend(t *testing.T) {
	runTransfer(t, 5000, true, 0, 0)
}

func TestResumedSend(t *testing.T) {
	runTransfer(t, 5000, false, 1024, 0)
}

func TestRateLimitedSend(t *testing.T) {
	runTransfer(t, 5000, false, 0, 1<<20)
}

func TestReverseSendConnects(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeTestFile(t, dir, "src.bin", 3000)
	reg := NewRegistry(0, 0)
	sendRec, recvRec := newRecorder(), newRecorder()

	// the receiver listens, the sender connects
	recv := NewTransfer(Receive, "alice", filepath.Join(dir, "dst.bin"), "src.bin", 3000)
	recv.Reverse = true
	re := newEngine(recv, engineConfig{registry: reg, sink: recvRec, bind: "127.0.0.1"})
	port, err := re.openPassive(0)
	if err != nil {
		t.Fatalf("openPassive failed: %v", err)
	}

	send := NewTransfer(Send, "bob", src, "src.bin", 3000)
	send.Reverse = true
	se := newEngine(send, engineConfig{registry: reg, sink: sendRec})
	if err := se.openActive("127.0.0.1", port); err != nil {
		t.Fatalf("openActive failed: %v", err)
	}
	if send.IsListening() {
		t.Errorf("Reverse sender must not listen")
	}
	if state := send.State(); state != StateConnecting && state != StateOpen && state != StateClosed {
		t.Errorf("Reverse sender should be connecting, got %v", state)
	}

	if e := sendRec.waitClosed(t); e.Outcome != OutcomeComplete {
		t.Errorf("Expected complete, got %v (%v)", e.Outcome, e.Err)
	}
	if e := recvRec.waitClosed(t); e.Outcome != OutcomeComplete {
		t.Errorf("Expected complete, got %v (%v)", e.Outcome, e.Err)
	}
}

// fakeSender accepts one connection, writes n bytes and then either hangs
// or hangs up
func fakeSender(t *testing.T, n int, hangUp bool) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(make([]byte, n))
		if !hangUp {
			<-done
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() {
		close(done)
		ln.Close()
	}
}

func TestCancelDuringRead(t *testing.T) {
	port, stop := fakeSender(t, 100, false)
	defer stop()

	rec := newRecorder()
	recv := NewTransfer(Receive, "alice", filepath.Join(t.TempDir(), "dst.bin"), "dst.bin", 5000)
	recv.Turbo = true
	re := newEngine(recv, engineConfig{registry: NewRegistry(0, 0), sink: rec})
	if err := re.openActive("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(testTimeout)
	for recv.BytesTransferred() < 100 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for data")
		}
		time.Sleep(5 * time.Millisecond)
	}

	recv.markCancelled()
	re.close()
	closed := rec.waitClosed(t)
	if closed.Outcome != OutcomeCancelled {
		t.Errorf("Expected cancelled, got %v (%v)", closed.Outcome, closed.Err)
	}
	if recv.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", recv.State())
	}

	re.close()
	time.Sleep(50 * time.Millisecond)
	events := rec.snapshot()
	if last := events[len(events)-1]; last.Type != EventSocketClosed {
		t.Errorf("No events may follow socket-closed, got %v", last.Type)
	}
	if recv.BytesTransferred() != 100 {
		t.Errorf("Partial count should remain queryable, got %d", recv.BytesTransferred())
	}
}

func TestPeerHangsUpEarly(t *testing.T) {
	port, stop := fakeSender(t, 100, true)
	defer stop()

	rec := newRecorder()
	recv := NewTransfer(Receive, "alice", filepath.Join(t.TempDir(), "dst.bin"), "dst.bin", 5000)
	recv.Turbo = true
	re := newEngine(recv, engineConfig{registry: NewRegistry(0, 0), sink: rec})
	if err := re.openActive("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}

	closed := rec.waitClosed(t)
	if closed.Outcome != OutcomeFailed {
		t.Errorf("Expected failed, got %v", closed.Outcome)
	}
	if !errors.Is(closed.Err, ErrSocket) {
		t.Errorf("Expected a SocketError, got %v", closed.Err)
	}
	if recv.IsComplete() {
		t.Errorf("A short transfer must not be complete")
	}
}

func TestUnknownSizeCompletesOnEOF(t *testing.T) {
	port, stop := fakeSender(t, 300, true)
	defer stop()

	rec := newRecorder()
	recv := NewTransfer(Receive, "alice", filepath.Join(t.TempDir(), "dst.bin"), "dst.bin", 0)
	recv.Turbo = true
	re := newEngine(recv, engineConfig{registry: NewRegistry(0, 0), sink: rec})
	if err := re.openActive("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}

	closed := rec.waitClosed(t)
	if closed.Outcome != OutcomeComplete {
		t.Errorf("Expected complete, got %v (%v)", closed.Outcome, closed.Err)
	}
	if recv.BytesTransferred() != 300 {
		t.Errorf("Expected 300 bytes, got %d", recv.BytesTransferred())
	}
}

func TestCloseWhileListening(t *testing.T) {
	reg := NewRegistry(0, 0)
	rec := newRecorder()
	send := NewTransfer(Send, "bob", "/nonexistent", "x", 10)
	se := newEngine(send, engineConfig{registry: reg, sink: rec, bind: "127.0.0.1"})
	if _, err := se.openPassive(0); err != nil {
		t.Fatal(err)
	}

	send.markCancelled()
	se.close()
	se.close()

	closed := rec.waitClosed(t)
	if closed.Outcome != OutcomeCancelled {
		t.Errorf("Expected cancelled, got %v (%v)", closed.Outcome, closed.Err)
	}
	se.wait()
	if n := reg.ListenSockets(); n != 0 {
		t.Errorf("Listen socket should be released, %d left", n)
	}
	for _, e := range rec.snapshot() {
		if e.Type == EventSocketOpened {
			t.Errorf("No socket-opened event expected")
		}
	}
}

func TestCloseIdleEngine(t *testing.T) {
	rec := newRecorder()
	tr := NewTransfer(Send, "bob", "/nonexistent", "x", 10)
	e := newEngine(tr, engineConfig{registry: NewRegistry(0, 0), sink: rec})
	e.close()

	closed := rec.waitClosed(t)
	if closed.Outcome != OutcomeCancelled || tr.State() != StateClosed {
		t.Errorf("Idle close should cancel, got %v / %v", closed.Outcome, tr.State())
	}
	if err := e.openActive("127.0.0.1", 1); err == nil {
		t.Errorf("A closed engine must not reopen")
	}
}
