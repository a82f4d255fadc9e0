package dcc

import (
	"net"
	"testing"
)

func TestAttachAfterFinish(t *testing.T) {
	var states []State
	l := newLink(func(s State) { states = append(states, s) })
	l.markClosed()

	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	if l.attach(local) {
		t.Fatalf("A finished link must not adopt a connection")
	}
	if got := l.current(); got != StateClosed {
		t.Errorf("Expected closed, got %v", got)
	}
	for _, s := range states {
		if s == StateOpen {
			t.Errorf("Link should never report open after closing")
		}
	}
}
