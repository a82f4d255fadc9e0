package dcc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxChatLine bounds a single incoming chat line
const maxChatLine = 64 * 1024

// ChatSession is a DCC CHAT: newline-delimited text in both directions
type ChatSession struct {
	ID   string
	Nick string

	token   string
	link    *link
	sink    Sink
	out     chan string
	done    chan struct{}
	once    sync.Once
	onClose func(*ChatSession)
	log     *logrus.Entry

	mu    sync.Mutex
	state State
	err   error
}

func newChatSession(nick, token string, sink Sink, onClose func(*ChatSession)) *ChatSession {
	if sink == nil {
		sink = discard
	}
	s := &ChatSession{
		ID:      uuid.NewString()[:8],
		Nick:    nick,
		token:   token,
		sink:    sink,
		out:     make(chan string, 64),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	s.link = newLink(s.setState)
	s.log = logrus.WithFields(logrus.Fields{"chat": s.ID, "nick": nick})
	return s
}

// Token correlates a reverse chat reply with this session
func (s *ChatSession) Token() string { return s.token }

// State returns the socket state
func (s *ChatSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ChatSession) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Err returns the error that ended the session, if any
func (s *ChatSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has closed
func (s *ChatSession) Done() <-chan struct{} { return s.done }

func (s *ChatSession) openPassive(reg *Registry, bind string) (int, error) {
	port, err := s.link.listen(reg, bind, 0, nil, s.run)
	if err != nil {
		if !errors.Is(err, errLinkUsed) {
			s.finish(err)
		}
		return 0, err
	}
	return port, nil
}

func (s *ChatSession) openActive(address string, port int) error {
	return s.link.dial(address, port, s.run)
}

// Send queues a line for the peer. It fails with SessionClosedError once the
// session is closed instead of blocking.
func (s *ChatSession) Send(line string) error {
	line = strings.TrimRight(line, "\r\n")
	select {
	case <-s.done:
		return &SessionClosedError{ID: s.ID}
	default:
	}
	select {
	case s.out <- line:
		return nil
	case <-s.done:
		return &SessionClosedError{ID: s.ID}
	}
}

// Close is idempotent
func (s *ChatSession) Close() {
	if s.link.close() {
		s.finish(nil)
	}
}

func (s *ChatSession) run(conn net.Conn, err error) {
	if err != nil {
		s.finish(err)
		return
	}
	s.sink.Publish(Event{Type: EventChatOpened, Chat: s})

	g, ctx := errgroup.WithContext(s.link.ctx)
	g.Go(func() error { return s.readLoop(conn) })
	g.Go(func() error { return s.writeLoop(ctx, conn) })
	g.Go(func() error {
		// unblocks the reader once the writer fails or we are closed
		<-ctx.Done()
		conn.Close()
		return nil
	})
	s.finish(g.Wait())
}

// readLoop always returns an error so the group context is cancelled
func (s *ChatSession) readLoop(conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxChatLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if s.link.cancelled() {
			break
		}
		s.sink.Publish(Event{Type: EventChatLine, Chat: s, Line: line})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}
	return ErrSocketClosed
}

func (s *ChatSession) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-s.out:
			if _, err := conn.Write([]byte(line + "\n")); err != nil {
				return &SocketError{Op: "write", Err: err}
			}
		}
	}
}

func (s *ChatSession) finish(err error) {
	s.once.Do(func() {
		s.link.markClosed()
		if s.link.cancelled() {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)

		if err != nil {
			s.log.WithError(err).Info("DCC chat closed")
		} else {
			s.log.Info("DCC chat closed")
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		s.sink.Publish(Event{Type: EventChatClosed, Chat: s, Err: err})
	})
}
