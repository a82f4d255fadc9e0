package dcc

import (
	"math"
	"testing"
	"time"
)

func TestIsComplete(t *testing.T) {
	tr := NewTransfer(Receive, "alice", "/tmp/f", "f", 1000)
	tr.setStartOffset(200)

	tr.transferred.Store(799)
	if tr.IsComplete() {
		t.Errorf("799 of 800 bytes should not be complete")
	}

	tr.transferred.Store(800)
	if !tr.IsComplete() {
		t.Errorf("800 of 800 bytes should be complete")
	}
}

func TestIsCompleteUnknownSize(t *testing.T) {
	tr := NewTransfer(Receive, "alice", "/tmp/f", "f", 0)
	tr.transferred.Store(50)
	if tr.IsComplete() {
		t.Errorf("Unknown size should not be complete before a clean close")
	}
	tr.markClosed(OutcomeComplete, nil)
	if !tr.IsComplete() {
		t.Errorf("Unknown size should be complete after a clean close")
	}
}

func TestPercentComplete(t *testing.T) {
	tr := NewTransfer(Send, "alice", "/tmp/f", "f", 0)
	tr.transferred.Store(100)
	if got := tr.PercentComplete(); got != 0 {
		t.Errorf("Zero size should report 0%%, got %v", got)
	}

	tr = NewTransfer(Send, "alice", "/tmp/f", "f", 1000)
	tr.setStartOffset(200)
	tr.transferred.Store(300)
	if got := tr.PercentComplete(); got != 50 {
		t.Errorf("Expected 50%%, got %v", got)
	}
}

func TestRates(t *testing.T) {
	tr := NewTransfer(Send, "alice", "/tmp/f", "f", 1000)
	tr.setStartOffset(200)

	if got := tr.EstimatedSecondsRemaining(); got != RemainingUnknown {
		t.Errorf("Expected unknown remaining before open, got %v", got)
	}
	if got := tr.BytesPerSecond(); got != 0 {
		t.Errorf("Expected 0 B/s before open, got %v", got)
	}

	opened := time.Now()
	tr.markOpened(opened)
	tr.transferred.Store(400)

	now := opened.Add(4 * time.Second)
	if got := tr.bytesPerSecondAt(now); got != 100 {
		t.Errorf("Expected 100 B/s, got %v", got)
	}
	// 1000 - 200 - 400 = 400 bytes left at 100 B/s
	if got := tr.remainingAt(now); math.Abs(got-4) > 1e-9 {
		t.Errorf("Expected 4s remaining, got %v", got)
	}
	if got := tr.bytesPerSecondAt(opened); got != 0 {
		t.Errorf("Expected 0 B/s at zero elapsed, got %v", got)
	}
}

func TestElapsedFrozenAfterClose(t *testing.T) {
	tr := NewTransfer(Send, "alice", "/tmp/f", "f", 10)
	tr.markOpened(time.Now().Add(-time.Second))
	tr.markClosed(OutcomeFailed, nil)

	first := tr.Elapsed()
	time.Sleep(10 * time.Millisecond)
	if second := tr.Elapsed(); second != first {
		t.Errorf("Elapsed should stop at close: %v then %v", first, second)
	}
}

func TestTitle(t *testing.T) {
	tr := NewTransfer(Send, "bob", "/tmp/f", "f", 200)
	tr.transferred.Store(85)

	if got := tr.Title(false); got != "Sending: bob" {
		t.Errorf("Unexpected title %q", got)
	}
	if got := tr.Title(true); got != "Sending: bob (42%)" {
		t.Errorf("Unexpected title %q", got)
	}

	tr.setState(StateListening)
	if got := tr.Title(false); got != "*Sending: bob" {
		t.Errorf("Listening transfers should be marked: %q", got)
	}

	recv := NewTransfer(Receive, "carol", "/tmp/g", "g", 0)
	if got := recv.Title(true); got != "Receiving: carol (0%)" {
		t.Errorf("Unexpected title %q", got)
	}
}

func TestStateStaysClosed(t *testing.T) {
	tr := NewTransfer(Send, "bob", "/tmp/f", "f", 1)
	tr.setState(StateClosed)
	tr.setState(StateOpen)
	if tr.State() != StateClosed {
		t.Errorf("A closed transfer must not reopen, got %v", tr.State())
	}
}

func TestResetKeepsStartOffset(t *testing.T) {
	tr := NewTransfer(Send, "bob", "/tmp/f", "f", 100)
	tr.setToken("1")
	tr.setStartOffset(40)
	tr.transferred.Store(60)
	tr.markClosed(OutcomeComplete, nil)

	tr.reset()

	if tr.BytesTransferred() != 0 || tr.StartOffset() != 40 {
		t.Errorf("Expected counters reset to offset 40, got %d/%d", tr.BytesTransferred(), tr.StartOffset())
	}
	if tr.State() != StateIdle || tr.Outcome() != OutcomePending || tr.Token() != "" {
		t.Errorf("Unexpected state after reset: %v %v %q", tr.State(), tr.Outcome(), tr.Token())
	}
}

type countingSub struct{ n int }

func (s *countingSub) Cancel() { s.n++ }

func TestSubscriptionDisposedOnce(t *testing.T) {
	tr := NewTransfer(Send, "bob", "/tmp/f", "f", 1)
	sub := &countingSub{}
	tr.setSubscription(sub)

	tr.disposeSubscription()
	tr.disposeSubscription()

	if sub.n != 1 {
		t.Errorf("Subscription cancelled %d times", sub.n)
	}
}
