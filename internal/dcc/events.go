package dcc

// EventType identifies a DCC lifecycle event
type EventType int

const (
	// EventOffered: a peer offered us a file
	EventOffered EventType = iota
	EventSocketOpened
	// EventDataTransferred carries the byte delta in Bytes
	EventDataTransferred
	// EventSocketClosed is always the last event of a transfer run and
	// carries the Outcome
	EventSocketClosed
	// EventChatStarting carries the peer and the host/port being used
	EventChatStarting
	EventChatOpened
	EventChatLine
	EventChatClosed
)

func (t EventType) String() string {
	switch t {
	case EventOffered:
		return "offered"
	case EventSocketOpened:
		return "socket-opened"
	case EventDataTransferred:
		return "data-transferred"
	case EventSocketClosed:
		return "socket-closed"
	case EventChatStarting:
		return "chat-starting"
	case EventChatOpened:
		return "chat-opened"
	case EventChatLine:
		return "chat-line"
	case EventChatClosed:
		return "chat-closed"
	}
	return "unknown"
}

// Event is published to a Sink. Events of one transfer are published from a
// single goroutine, in order.
type Event struct {
	Type     EventType
	Transfer *Transfer
	Chat     *ChatSession
	Bytes    int
	Outcome  Outcome
	Err      error
	Line     string
	Host     string
	Port     int
}

// Sink receives DCC events. Publish runs on the transfer's goroutine and must
// not block or call back into Resend for the same transfer.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Sinks fans an event out to several sinks in order
type Sinks []Sink

func (s Sinks) Publish(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(e)
		}
	}
}

var discard = SinkFunc(func(Event) {})
