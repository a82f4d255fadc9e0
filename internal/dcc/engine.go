package dcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultBlockSize = 1024
	// turboDrainTimeout bounds how long a turbo sender waits for the peer to
	// hang up after the last byte
	turboDrainTimeout = 10 * time.Second
)

type engineConfig struct {
	registry  *Registry
	sink      Sink
	bind      string
	blockSize int
	// rateLimit caps bytes per second; 0 is unlimited
	rateLimit int
	// onClose runs once, before the socket-closed event is published
	onClose func(*Transfer)
}

// engine moves the bytes of one transfer run over one socket. All events of
// the run are published from the engine goroutine.
type engine struct {
	t       *Transfer
	cfg     engineConfig
	link    *link
	limiter *rate.Limiter
	log     *logrus.Entry


	finishOnce sync.Once
	done       chan struct{}
}

func newEngine(t *Transfer, cfg engineConfig) *engine {
	if cfg.blockSize <= 0 {
		cfg.blockSize = defaultBlockSize
	}
	if cfg.sink == nil {
		cfg.sink = discard
	}
	e := &engine{
		t:    t,
		cfg:  cfg,
		link: newLink(t.setState),
		done: make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"transfer":  t.ID,
			"nick":      t.Nick,
			"direction": t.Direction.String(),
		}),
	}
	if cfg.rateLimit > 0 {
		burst := cfg.rateLimit
		if burst < cfg.blockSize {
			burst = cfg.blockSize
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.rateLimit), burst)
	}
	return e
}

// openPassive binds a listen socket (port 0 for any) and returns the bound
// port; the peer is accepted in the background
func (e *engine) openPassive(port int) (int, error) {
	bound, err := e.link.listen(e.cfg.registry, e.cfg.bind, port, e.t, e.run)
	if err != nil {
		if !errors.Is(err, errLinkUsed) {
			e.finish(err)
		}
		return 0, err
	}
	e.log.WithField("port", bound).Debug("Listening for DCC peer")
	return bound, nil
}

// openActive connects to the peer in the background
func (e *engine) openActive(address string, port int) error {
	if err := e.link.dial(address, port, e.run); err != nil {
		return err
	}
	e.log.WithField("peer", fmt.Sprintf("%s:%d", address, port)).Debug("Connecting to DCC peer")
	return nil
}

// close is idempotent and safe to call concurrently with a blocked read or
// write
func (e *engine) close() {
	if e.link.close() {
		e.finish(nil)
	}
}

// wait blocks until the socket-closed event has been published
func (e *engine) wait() {
	<-e.done
}

func (e *engine) run(conn net.Conn, err error) {
	if err != nil {
		e.finish(err)
		return
	}

	e.t.markOpened(time.Now())
	e.cfg.sink.Publish(Event{Type: EventSocketOpened, Transfer: e.t})

	if e.t.Direction == Send {
		err = e.sendLoop(conn)
	} else {
		err = e.receiveLoop(conn)
	}
	e.finish(err)
}

func (e *engine) finish(err error) {
	e.finishOnce.Do(func() {
		e.link.markClosed()

		outcome := OutcomeFailed
		switch {
		case e.t.Size > 0 && e.t.BytesTransferred() == e.t.Size-e.t.StartOffset():
			outcome, err = OutcomeComplete, nil
		case e.link.cancelled():
			outcome, err = OutcomeCancelled, nil
		case e.t.Size <= 0 && err == nil && !e.t.StartTime().IsZero():
			outcome = OutcomeComplete
		case err == nil:
			err = &SocketError{Op: "read", Err: io.ErrUnexpectedEOF}
		}
		e.t.markClosed(outcome, err)

		entry := e.log.WithFields(logrus.Fields{
			"outcome": outcome.String(),
			"bytes":   e.t.BytesTransferred(),
		})
		if err != nil {
			entry.WithError(err).Info("DCC transfer closed")
		} else {
			entry.Info("DCC transfer closed")
		}

		if e.cfg.onClose != nil {
			e.cfg.onClose(e.t)
		}
		e.cfg.sink.Publish(Event{Type: EventSocketClosed, Transfer: e.t, Outcome: outcome, Err: err})
		close(e.done)
	})
}

// counted records n bytes moved and reports them unless we are closing
func (e *engine) counted(n int) {
	e.t.transferred.Add(int64(n))
	if !e.link.cancelled() {
		e.cfg.sink.Publish(Event{Type: EventDataTransferred, Transfer: e.t, Bytes: n})
	}
}

func (e *engine) sendLoop(conn net.Conn) error {
	f, err := os.Open(e.t.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.t.Path, err)
	}
	defer f.Close()

	start := e.t.StartOffset()
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", e.t.Path, err)
		}
	}

	want := e.t.Size - start
	buf := make([]byte, e.cfg.blockSize)
	var sent int64
	for sent < want {
		chunk := buf
		if left := want - sent; left < int64(len(chunk)) {
			chunk = chunk[:left]
		}
		n, rerr := f.Read(chunk)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(e.link.ctx, n); err != nil {
					return &SocketError{Op: "write", Err: err}
				}
			}
			if _, err := conn.Write(chunk[:n]); err != nil {
				return &SocketError{Op: "write", Err: err}
			}
			sent += int64(n)
			e.counted(n)

			if !e.t.Turbo {
				if err := waitAck(conn, start, sent); err != nil {
					if sent == want {
						// every byte is out; a peer hanging up instead of
						// sending the final ack is still a complete send
						return nil
					}
					return err
				}
			}
		}
		if rerr == io.EOF && sent < want {
			return fmt.Errorf("%s ended after %d of %d bytes", e.t.Path, start+sent, e.t.Size)
		}
		if rerr != nil && rerr != io.EOF {
			return fmt.Errorf("read %s: %w", e.t.Path, rerr)
		}
	}

	if e.t.Turbo {
		drain(conn)
	}
	return nil
}

// waitAck reads acknowledgements until the peer confirms sent bytes. Acks
// are normally the file position; some clients count from the resume point.
func waitAck(conn net.Conn, start, sent int64) error {
	var b [4]byte
	for {
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return &SocketError{Op: "read ack", Err: err}
		}
		ack := binary.BigEndian.Uint32(b[:])
		if ack == uint32(start+sent) || ack == uint32(sent) {
			return nil
		}
	}
}

// drain half-closes a turbo send and waits for the peer to hang up, so our
// close cannot reset the connection before the peer has read the tail
func drain(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(turboDrainTimeout))
	io.Copy(io.Discard, conn)
}

func (e *engine) receiveLoop(conn net.Conn) error {
	start := e.t.StartOffset()
	f, err := openDestination(e.t.Path, start)
	if err != nil {
		return err
	}
	defer f.Close()

	// want < 0: size unknown, read until the peer hangs up
	want := int64(-1)
	if e.t.Size > 0 {
		want = e.t.Size - start
	}

	buf := make([]byte, e.cfg.blockSize)
	var ack [4]byte
	var received int64
	for want < 0 || received < want {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if want >= 0 && int64(n) > want-received {
				n = int(want - received)
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", e.t.Path, err)
			}
			received += int64(n)
			e.counted(n)

			if !e.t.Turbo {
				binary.BigEndian.PutUint32(ack[:], uint32(start+received))
				if _, err := conn.Write(ack[:]); err != nil && received != want {
					return &SocketError{Op: "write ack", Err: err}
				}
			}
		}
		if rerr == io.EOF {
			if want < 0 {
				return nil
			}
			if received < want {
				return &SocketError{Op: "read", Err: io.ErrUnexpectedEOF}
			}
		} else if rerr != nil && (want < 0 || received < want) {
			return &SocketError{Op: "read", Err: rerr}
		}
	}
	return nil
}

func openDestination(path string, start int64) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if start == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if start > 0 {
		if err := f.Truncate(start); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	return f, nil
}
