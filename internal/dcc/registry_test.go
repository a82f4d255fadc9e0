package dcc

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
)

func TestRegistryDuplicateToken(t *testing.T) {
	r := NewRegistry(0, 0)
	t1 := NewTransfer(Send, "alice", "/tmp/a", "a", 10)
	t2 := NewTransfer(Send, "bob", "/tmp/b", "b", 10)

	if err := r.Register("tok", t1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := r.Register("tok", t2)
	if err == nil {
		t.Fatal("Expected DuplicateTokenError")
	}
	var dup *DuplicateTokenError
	if !errors.As(err, &dup) || dup.Token != "tok" {
		t.Errorf("Expected DuplicateTokenError for tok, got %v", err)
	}

	got, ok := r.Lookup("tok")
	if !ok || got != t1 {
		t.Errorf("Lookup should still return the first transfer")
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry(0, 0)
	tr := NewTransfer(Send, "alice", "/tmp/a", "a", 10)
	if err := r.Register("tok", tr); err != nil {
		t.Fatal(err)
	}

	r.Unregister("tok")
	r.Unregister("tok")

	if _, ok := r.Lookup("tok"); ok {
		t.Errorf("Token should be gone")
	}
	if err := r.Register("tok", tr); err != nil {
		t.Errorf("Token should be reusable after unregister: %v", err)
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry(0, 0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Register("race", NewTransfer(Send, "x", "", "", 0)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("Expected exactly one registration to win, got %d", wins)
	}
}

func TestRegistryTokensAreNumericAndUnique(t *testing.T) {
	r := NewRegistry(0, 0)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := r.NewToken()
		if _, err := strconv.ParseUint(tok, 10, 32); err != nil {
			t.Fatalf("Token %q is not numeric", tok)
		}
		if seen[tok] {
			t.Fatalf("Token %q repeated", tok)
		}
		seen[tok] = true
		if err := r.Register(tok, NewTransfer(Send, "x", "", "", 0)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAllocateListenPortRange(t *testing.T) {
	r := NewRegistry(40000, 40002)

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		port, err := r.AllocateListenPort(0)
		if err != nil {
			t.Fatalf("AllocateListenPort failed: %v", err)
		}
		if port < 40000 || port > 40002 || seen[port] {
			t.Fatalf("Unexpected port %d", port)
		}
		seen[port] = true
	}

	if _, err := r.AllocateListenPort(0); err == nil {
		t.Errorf("Expected exhaustion error")
	}

	r.ReleaseListenPort(40001)
	port, err := r.AllocateListenPort(0)
	if err != nil || port != 40001 {
		t.Errorf("Expected released port 40001, got %d (%v)", port, err)
	}
}

func TestAllocateListenPortPreferred(t *testing.T) {
	r := NewRegistry(0, 0)
	port, err := r.AllocateListenPort(5555)
	if err != nil || port != 5555 {
		t.Fatalf("Expected preferred port, got %d (%v)", port, err)
	}
	if _, err := r.AllocateListenPort(5555); err == nil {
		t.Errorf("Preferred port should not be handed out twice")
	}

	port, err = r.AllocateListenPort(0)
	if err != nil || port != 0 {
		t.Errorf("Expected ephemeral 0 without a range, got %d (%v)", port, err)
	}
}

func TestListenSocketAcceptsOnce(t *testing.T) {
	r := NewRegistry(0, 0)
	ls, err := r.Listen("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if ls.Port == 0 {
		t.Fatal("Expected a bound port")
	}
	if r.ListenSockets() != 1 {
		t.Errorf("Expected 1 listen socket, got %d", r.ListenSockets())
	}

	go func() {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ls.Port)))
		if err == nil {
			c.Close()
		}
	}()

	conn, err := ls.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	conn.Close()

	if r.ListenSockets() != 0 {
		t.Errorf("Listen socket should be released after first accept")
	}
	if _, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ls.Port))); err == nil {
		t.Errorf("Listener should be closed after first accept")
	}
	if err := ls.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestListenerOnNamesOwner(t *testing.T) {
	r := NewRegistry(0, 0)
	owner := NewTransfer(Send, "alice", "/tmp/a.bin", "a.bin", 10)
	ls, err := r.Listen("127.0.0.1", 0, owner)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	found, ok := r.ListenerOn(ls.Port)
	if !ok || found != ls || found.Owner() != owner {
		t.Fatalf("Expected the listener owned by %s on port %d", owner.ID, ls.Port)
	}

	ls.Close()
	if _, ok := r.ListenerOn(ls.Port); ok {
		t.Errorf("Closed listener should not be found")
	}
	if _, ok := r.ListenerOn(0); ok {
		t.Errorf("Port 0 never names a listener")
	}
}
