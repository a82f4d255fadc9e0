package dcc

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Registry is the process-wide table of pending transfers, keyed by token,
// and of allocated listen ports
type Registry struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	// ports maps an allocated port to its socket; nil until bound
	ports   map[int]*ListenSocket
	minPort int
	maxPort int
}

// NewRegistry creates a registry. With minPort and maxPort both 0 listen
// sockets use ephemeral ports.
func NewRegistry(minPort, maxPort int) *Registry {
	if minPort <= 0 || maxPort < minPort {
		minPort, maxPort = 0, 0
	}
	return &Registry{
		transfers: make(map[string]*Transfer),
		ports:     make(map[int]*ListenSocket),
		minPort:   minPort,
		maxPort:   maxPort,
	}
}

// Register adds t under token
func (r *Registry) Register(token string, t *Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transfers[token]; exists {
		return &DuplicateTokenError{Token: token}
	}
	r.transfers[token] = t
	return nil
}

// Lookup returns the transfer registered under token
func (r *Registry) Lookup(token string) (*Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[token]
	return t, ok
}

// Unregister removes token. Removing an absent token is a no-op.
func (r *Registry) Unregister(token string) {
	r.mu.Lock()
	delete(r.transfers, token)
	r.mu.Unlock()
}

// unregisterTransfer removes token only while it still maps to t
func (r *Registry) unregisterTransfer(token string, t *Transfer) {
	r.mu.Lock()
	if r.transfers[token] == t {
		delete(r.transfers, token)
	}
	r.mu.Unlock()
}

// Find returns the first registered transfer accepted by match
func (r *Registry) Find(match func(*Transfer) bool) (*Transfer, bool) {
	for _, t := range r.Transfers() {
		if match(t) {
			return t, true
		}
	}
	return nil, false
}

// Transfers returns the registered transfers, oldest first
func (r *Registry) Transfers() []*Transfer {
	r.mu.Lock()
	list := make([]*Transfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		list = append(list, t)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Created.Before(list[j].Created)
	})
	return list
}

// NewToken returns a numeric token not currently registered
func (r *Registry) NewToken() string {
	for {
		token := strconv.FormatUint(uint64(uuid.New().ID()), 10)
		if _, taken := r.Lookup(token); !taken {
			return token
		}
	}
}

// AllocateListenPort reserves a port. A preferred port is used if free;
// otherwise the first free port of the configured range. Without a range
// it returns 0 and the OS picks an ephemeral port at bind time.
func (r *Registry) AllocateListenPort(preferred int) (int, error) {
	return r.allocate(preferred, nil)
}

func (r *Registry) allocate(preferred int, skip map[int]bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferred > 0 {
		if _, used := r.ports[preferred]; used {
			return 0, fmt.Errorf("port %d is already allocated", preferred)
		}
		r.ports[preferred] = nil
		return preferred, nil
	}

	if r.minPort == 0 {
		return 0, nil
	}
	for port := r.minPort; port <= r.maxPort; port++ {
		if _, used := r.ports[port]; used || skip[port] {
			continue
		}
		r.ports[port] = nil
		return port, nil
	}
	return 0, fmt.Errorf("no free ports in range %d-%d", r.minPort, r.maxPort)
}

// ReleaseListenPort frees a port. Releasing a free port is a no-op.
func (r *Registry) ReleaseListenPort(port int) {
	r.mu.Lock()
	delete(r.ports, port)
	r.mu.Unlock()
}

// ListenSockets returns the number of bound listen sockets
func (r *Registry) ListenSockets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ls := range r.ports {
		if ls != nil {
			n++
		}
	}
	return n
}

// ListenerOn returns the bound listen socket on port
func (r *Registry) ListenerOn(port int) (*ListenSocket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.ports[port]
	return ls, ls != nil
}

// Listen allocates a port and binds a listen socket for owner. Ports of the
// range that fail to bind are skipped.
func (r *Registry) Listen(bind string, preferred int, owner *Transfer) (*ListenSocket, error) {
	skip := make(map[int]bool)
	for {
		port, err := r.allocate(preferred, skip)
		if err != nil {
			return nil, err
		}

		ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
		if err != nil {
			r.ReleaseListenPort(port)
			if preferred > 0 || port == 0 {
				return nil, err
			}
			skip[port] = true
			continue
		}

		bound := ln.Addr().(*net.TCPAddr).Port
		ls := &ListenSocket{Port: bound, owner: owner, ln: ln, reg: r}
		r.mu.Lock()
		r.ports[bound] = ls
		r.mu.Unlock()
		return ls, nil
	}
}

// ListenSocket accepts exactly one peer and is then closed
type ListenSocket struct {
	Port  int
	owner *Transfer
	ln    net.Listener
	reg   *Registry
	once  sync.Once
}

// Owner returns the transfer this socket was opened for, or nil
func (l *ListenSocket) Owner() *Transfer { return l.owner }

// Accept waits for one peer, then closes the listener and frees the port
func (l *ListenSocket) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept()
	l.Close()
	return conn, err
}

// Close is idempotent
func (l *ListenSocket) Close() error {
	var err error
	l.once.Do(func() {
		err = l.ln.Close()
		l.reg.ReleaseListenPort(l.Port)
	})
	return err
}
