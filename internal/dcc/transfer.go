package dcc

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RemainingUnknown is returned by EstimatedSecondsRemaining when no rate is
// known yet
const RemainingUnknown = -1.0

// Direction of a file transfer relative to us
type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "receive"
}

// State of the socket carrying a transfer or chat
type State int32

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the final classification of a transfer
type Outcome int32

const (
	OutcomePending Outcome = iota
	OutcomeComplete
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeComplete:
		return "complete"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Transfer is one DCC file send or receive
type Transfer struct {
	ID        string
	Direction Direction
	Nick      string
	// Path is the local file being read or written
	Path string
	// FileName is the name advertised on the wire
	FileName string
	// Size is the total file size; 0 when the peer did not say
	Size  int64
	Turbo bool
	// Reverse on a send means we asked the peer to listen; on a receive it
	// means the peer asked us to
	Reverse bool
	Created time.Time

	start       atomic.Int64
	transferred atomic.Int64

	mu        sync.Mutex
	token     string
	address   string
	port      int
	state     State
	outcome   Outcome
	err       error
	cancelled bool
	opened    time.Time
	closed    time.Time
	engine    *engine
	sub       Subscription
}

// NewTransfer creates an idle transfer with a fresh ID
func NewTransfer(direction Direction, nick, path, fileName string, size int64) *Transfer {
	return &Transfer{
		ID:        uuid.NewString()[:8],
		Direction: direction,
		Nick:      nick,
		Path:      path,
		FileName:  fileName,
		Size:      size,
		Created:   time.Now(),
	}
}

// Token correlates RESUME/ACCEPT replies with this transfer
func (t *Transfer) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *Transfer) setToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Address returns the remote address and port we connect to, if known
func (t *Transfer) Address() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address, t.port
}

func (t *Transfer) setRemote(address string, port int) {
	t.mu.Lock()
	t.address = address
	t.port = port
	t.mu.Unlock()
}

// State returns the socket state
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	if t.state != StateClosed || s == StateClosed {
		t.state = s
	}
	t.mu.Unlock()
}

// Outcome returns the final classification, or OutcomePending while active
func (t *Transfer) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err returns the error that failed the transfer, if any
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancelled reports whether the user cancelled the transfer
func (t *Transfer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// IsListening reports whether we are waiting for the peer to connect to us
func (t *Transfer) IsListening() bool {
	return t.State() == StateListening
}

// StartOffset is the byte position the transfer resumed from
func (t *Transfer) StartOffset() int64 { return t.start.Load() }

func (t *Transfer) setStartOffset(offset int64) { t.start.Store(offset) }

// BytesTransferred counts bytes moved on the socket since it opened
func (t *Transfer) BytesTransferred() int64 { return t.transferred.Load() }

func (t *Transfer) currentEngine() *engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine
}

// setEngine attaches the engine for the next run. It refuses once closed
// or while another engine is attached; reset detaches the old one.
func (t *Transfer) setEngine(e *engine) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed || t.engine != nil {
		return false
	}
	t.engine = e
	return true
}

// settle closes a transfer that never got an engine. It reports false if
// the transfer is already closed or an engine owns the close.
func (t *Transfer) settle(outcome Outcome, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed || t.engine != nil {
		return false
	}
	t.state = StateClosed
	t.outcome = outcome
	t.err = err
	t.closed = time.Now()
	return true
}

func (t *Transfer) markOpened(now time.Time) {
	t.mu.Lock()
	t.opened = now
	t.mu.Unlock()
}

func (t *Transfer) markCancelled() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *Transfer) markClosed(outcome Outcome, err error) {
	t.mu.Lock()
	t.state = StateClosed
	t.outcome = outcome
	t.err = err
	t.closed = time.Now()
	t.mu.Unlock()
}

// reset prepares a finished transfer to be offered again. The start offset
// is kept.
func (t *Transfer) reset() {
	t.transferred.Store(0)
	t.mu.Lock()
	t.state = StateIdle
	t.outcome = OutcomePending
	t.err = nil
	t.cancelled = false
	t.opened = time.Time{}
	t.closed = time.Time{}
	t.engine = nil
	t.token = ""
	t.address = ""
	t.port = 0
	t.mu.Unlock()
}

func (t *Transfer) setSubscription(sub Subscription) {
	t.mu.Lock()
	old := t.sub
	t.sub = sub
	t.mu.Unlock()
	if old != nil {
		old.Cancel()
	}
}

// disposeSubscription releases the connection subscription exactly once
func (t *Transfer) disposeSubscription() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// IsComplete reports whether every byte of the file has been transferred.
// With an unknown size, only a clean close counts.
func (t *Transfer) IsComplete() bool {
	if t.Size <= 0 {
		return t.Outcome() == OutcomeComplete
	}
	return t.BytesTransferred() == t.Size-t.StartOffset()
}

// PercentComplete includes the resumed portion; 0 when the size is unknown
func (t *Transfer) PercentComplete() float64 {
	if t.Size <= 0 {
		return 0
	}
	return 100 * float64(t.BytesTransferred()+t.StartOffset()) / float64(t.Size)
}

// StartTime is when the socket opened; zero until then
func (t *Transfer) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Elapsed is the time the socket has been open, frozen once it closes
func (t *Transfer) Elapsed() time.Duration {
	return t.elapsedAt(time.Now())
}

func (t *Transfer) elapsedAt(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opened.IsZero() {
		return 0
	}
	if !t.closed.IsZero() {
		now = t.closed
	}
	if now.Before(t.opened) {
		return 0
	}
	return now.Sub(t.opened)
}

// BytesPerSecond is the average rate since the socket opened
func (t *Transfer) BytesPerSecond() float64 {
	return t.bytesPerSecondAt(time.Now())
}

func (t *Transfer) bytesPerSecondAt(now time.Time) float64 {
	elapsed := t.elapsedAt(now).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.BytesTransferred()) / elapsed
}

// EstimatedSecondsRemaining returns RemainingUnknown until a rate is known
func (t *Transfer) EstimatedSecondsRemaining() float64 {
	return t.remainingAt(time.Now())
}

func (t *Transfer) remainingAt(now time.Time) float64 {
	rate := t.bytesPerSecondAt(now)
	if rate <= 0 || t.Size <= 0 {
		return RemainingUnknown
	}
	remaining := t.Size - t.StartOffset() - t.BytesTransferred()
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / rate
}

// Title is the display name of the transfer, e.g. "*Sending: nick (42%)".
// The leading '*' marks a transfer still waiting on its listen socket.
func (t *Transfer) Title(percent bool) string {
	var b strings.Builder
	if t.IsListening() {
		b.WriteByte('*')
	}
	if t.Direction == Send {
		b.WriteString("Sending: ")
	} else {
		b.WriteString("Receiving: ")
	}
	b.WriteString(t.Nick)
	if percent {
		fmt.Fprintf(&b, " (%.0f%%)", math.Floor(t.PercentComplete()))
	}
	return b.String()
}

func (t *Transfer) String() string {
	return fmt.Sprintf("%s %s %s %q (%d/%d bytes, %s)", t.ID, t.Direction, t.Nick, t.FileName,
		t.BytesTransferred()+t.StartOffset(), t.Size, t.State())
}
