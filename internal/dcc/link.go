package dcc

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

var errLinkUsed = errors.New("socket already opened")

// link is the connection state machine shared by transfers and chats:
// Idle -> Listening | Connecting -> Open -> Closed. Accept and dial run on
// their own goroutine and hand the result to run.
type link struct {
	ctx     context.Context
	cancel  context.CancelFunc
	onState func(State)
	closing atomic.Bool

	mu    sync.Mutex
	state State
	ln    *ListenSocket
	conn  net.Conn
}

func newLink(onState func(State)) *link {
	ctx, cancel := context.WithCancel(context.Background())
	if onState == nil {
		onState = func(State) {}
	}
	return &link{ctx: ctx, cancel: cancel, onState: onState}
}

// setState must be called with l.mu held
func (l *link) setState(s State) {
	l.state = s
	l.onState(s)
}

func (l *link) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// cancelled reports whether close was called
func (l *link) cancelled() bool { return l.closing.Load() }

// listen binds synchronously so the port can be advertised, then accepts a
// single peer in the background
func (l *link) listen(reg *Registry, bind string, port int, owner *Transfer, run func(net.Conn, error)) (int, error) {
	l.mu.Lock()
	if l.state != StateIdle || l.closing.Load() {
		l.mu.Unlock()
		return 0, errLinkUsed
	}
	ln, err := reg.Listen(bind, port, owner)
	if err != nil {
		l.mu.Unlock()
		return 0, &SocketError{Op: "listen", Err: err}
	}
	l.ln = ln
	l.setState(StateListening)
	l.mu.Unlock()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			run(nil, &SocketError{Op: "accept", Err: err})
			return
		}
		if !l.attach(conn) {
			conn.Close()
			run(nil, &SocketError{Op: "accept", Err: net.ErrClosed})
			return
		}
		run(conn, nil)
	}()
	return ln.Port, nil
}

// dial connects in the background; close cancels a dial in progress
func (l *link) dial(address string, port int, run func(net.Conn, error)) error {
	l.mu.Lock()
	if l.state != StateIdle || l.closing.Load() {
		l.mu.Unlock()
		return errLinkUsed
	}
	l.setState(StateConnecting)
	l.mu.Unlock()

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(l.ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
		if err != nil {
			run(nil, &SocketError{Op: "connect", Err: err})
			return
		}
		if !l.attach(conn) {
			conn.Close()
			run(nil, &SocketError{Op: "connect", Err: net.ErrClosed})
			return
		}
		run(conn, nil)
	}()
	return nil
}

// attach adopts conn unless the link was closed or finished meanwhile
func (l *link) attach(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing.Load() || l.state == StateClosed {
		return false
	}
	l.conn = conn
	l.ln = nil
	l.setState(StateOpen)
	return true
}

// close shuts everything down so blocked calls return promptly. It reports
// whether the link never left Idle, in which case no goroutine will report
// the close and the caller must.
func (l *link) close() bool {
	l.closing.Store(true)
	l.cancel()

	l.mu.Lock()
	idle := l.state == StateIdle
	ln, conn := l.ln, l.conn
	l.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
	return idle
}

// markClosed releases the socket and moves to Closed
func (l *link) markClosed() {
	l.mu.Lock()
	ln, conn := l.ln, l.conn
	l.ln, l.conn = nil, nil
	if l.state != StateClosed {
		l.setState(StateClosed)
	}
	l.mu.Unlock()

	l.cancel()
	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
}
