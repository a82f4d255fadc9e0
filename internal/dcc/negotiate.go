package dcc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrUnrecognized is returned by Controller.HandleCTCP for payloads that are
// not DCC SEND, RESUME, ACCEPT or CHAT
var ErrUnrecognized = errors.New("unrecognized DCC request")

// Message is a parsed incoming DCC payload
type Message interface {
	dccMessage()
}

// SendOffer is DCC SEND "<file>" <addr> <port> <size> [<token>] [T]
type SendOffer struct {
	FileName string
	Address  string
	Port     int
	Size     int64
	Token    string
	Turbo    bool
}

// Reverse reports whether the sender asks us to listen
func (o SendOffer) Reverse() bool { return o.Port == 0 }

// ResumeRequest is DCC RESUME "<file>" <port> <position> [<token>]
type ResumeRequest struct {
	FileName string
	Port     int
	Position int64
	Token    string
}

// AcceptReply is DCC ACCEPT "<file>" <port> <position> [<token>]
type AcceptReply struct {
	FileName string
	Port     int
	Position int64
	Token    string
}

// ChatOffer is DCC CHAT chat <addr> <port> [<token>]
type ChatOffer struct {
	Address string
	Port    int
	Token   string
}

// Reverse reports whether the initiator asks us to listen
func (o ChatOffer) Reverse() bool { return o.Port == 0 }

// Unrecognized is any payload we could not parse
type Unrecognized struct {
	Payload string
	Reason  string
}

func (SendOffer) dccMessage()     {}
func (ResumeRequest) dccMessage() {}
func (AcceptReply) dccMessage()   {}
func (ChatOffer) dccMessage()     {}
func (Unrecognized) dccMessage()  {}

// Role is which side of the connection we take
type Role int

const (
	RoleListen Role = iota
	RoleConnect
)

func (r Role) String() string {
	if r == RoleListen {
		return "listen"
	}
	return "connect"
}

// Negotiator builds and interprets DCC CTCP payloads
type Negotiator struct {
	// LocalIP is the address advertised in our offers
	LocalIP  string
	Registry *Registry
}

// BuildSendOffer returns the DCC SEND payload for t. With reverse set the
// port is 0 and the receiver is expected to listen.
func (n *Negotiator) BuildSendOffer(t *Transfer, port int, reverse bool) string {
	if reverse {
		port = 0
	}
	payload := fmt.Sprintf("DCC SEND %s %s %d %d",
		quoteName(t.FileName), wireAddress(n.LocalIP), port, t.Size)
	if token := t.Token(); token != "" {
		payload += " " + token
	}
	if t.Turbo {
		payload += " T"
	}
	return payload
}

// BuildResumeRequest asks the sender to continue from the size of the local
// partial file. It returns the payload and the requested position.
func (n *Negotiator) BuildResumeRequest(t *Transfer) (string, int64, error) {
	info, err := os.Stat(t.Path)
	if err != nil {
		return "", 0, fmt.Errorf("stat partial file: %w", err)
	}
	_, port := t.Address()
	position := info.Size()
	payload := fmt.Sprintf("DCC RESUME %s %d %d", quoteName(t.FileName), port, position)
	if token := t.Token(); token != "" {
		payload += " " + token
	}
	return payload, position, nil
}

// BuildAcceptReply confirms a resume request
func (n *Negotiator) BuildAcceptReply(req ResumeRequest) string {
	payload := fmt.Sprintf("DCC ACCEPT %s %d %d", quoteName(req.FileName), req.Port, req.Position)
	if req.Token != "" {
		payload += " " + req.Token
	}
	return payload
}

// BuildChatOffer returns DCC CHAT; port 0 with a token requests reverse chat
func (n *Negotiator) BuildChatOffer(port int, token string) string {
	payload := fmt.Sprintf("DCC CHAT chat %s %d", wireAddress(n.LocalIP), port)
	if token != "" {
		payload += " " + token
	}
	return payload
}

// MatchAcceptToPending finds the receive waiting for reply. Without a token
// the pending receive from the same port is used. Not finding one is normal
// for stray or duplicate replies.
func (n *Negotiator) MatchAcceptToPending(reply AcceptReply) (*Transfer, bool) {
	if reply.Token != "" {
		t, ok := n.Registry.Lookup(reply.Token)
		if !ok || t.Direction != Receive {
			return nil, false
		}
		return t, true
	}
	return n.Registry.Find(func(t *Transfer) bool {
		_, port := t.Address()
		return t.Direction == Receive && port == reply.Port && t.State() == StateIdle
	})
}

// Role decides who listens: the sender listens and the receiver connects.
// A sender asking for reverse connects instead; a receiver listens when the
// sender asked for reverse. localReverse on a receiver means it cannot
// listen, so both sides asking for reverse is a conflict.
func (n *Negotiator) Role(direction Direction, remoteReverse, localReverse bool) (Role, error) {
	if remoteReverse && localReverse {
		return RoleListen, &NegotiationConflictError{}
	}
	if direction == Send {
		if localReverse {
			return RoleConnect, nil
		}
		return RoleListen, nil
	}
	if remoteReverse {
		return RoleListen, nil
	}
	return RoleConnect, nil
}

// ParseIncoming classifies a CTCP DCC payload. The \x01 delimiters and the
// leading "DCC" are optional.
func ParseIncoming(payload string) Message {
	body := strings.TrimSpace(strings.Trim(payload, "\x01"))
	if len(body) >= 4 && strings.EqualFold(body[:4], "DCC ") {
		body = strings.TrimSpace(body[4:])
	}

	verb, rest, _ := strings.Cut(body, " ")
	switch strings.ToUpper(verb) {
	case "SEND":
		return parseSend(payload, rest)
	case "RESUME":
		name, port, position, token, err := parseResumeFields(rest)
		if err != nil {
			return Unrecognized{Payload: payload, Reason: err.Error()}
		}
		return ResumeRequest{FileName: name, Port: port, Position: position, Token: token}
	case "ACCEPT":
		name, port, position, token, err := parseResumeFields(rest)
		if err != nil {
			return Unrecognized{Payload: payload, Reason: err.Error()}
		}
		return AcceptReply{FileName: name, Port: port, Position: position, Token: token}
	case "CHAT":
		return parseChat(payload, rest)
	}
	return Unrecognized{Payload: payload, Reason: fmt.Sprintf("unknown DCC type %q", verb)}
}

func parseSend(payload, rest string) Message {
	name, fields := splitName(rest)
	if name == "" || len(fields) < 2 {
		return Unrecognized{Payload: payload, Reason: "SEND needs a file name, address and port"}
	}

	offer := SendOffer{FileName: name}
	if n := len(fields); strings.EqualFold(fields[n-1], "T") {
		offer.Turbo = true
		fields = fields[:n-1]
	}
	if len(fields) < 2 {
		return Unrecognized{Payload: payload, Reason: "SEND needs an address and port"}
	}

	var err error
	if offer.Address, err = parseWireAddress(fields[0]); err != nil {
		return Unrecognized{Payload: payload, Reason: err.Error()}
	}
	if offer.Port, err = parsePort(fields[1]); err != nil {
		return Unrecognized{Payload: payload, Reason: err.Error()}
	}
	if len(fields) > 2 {
		if offer.Size, err = strconv.ParseInt(fields[2], 10, 64); err != nil || offer.Size < 0 {
			return Unrecognized{Payload: payload, Reason: fmt.Sprintf("bad size %q", fields[2])}
		}
	}
	if len(fields) > 3 {
		offer.Token = fields[3]
	}
	if offer.Port == 0 && offer.Token == "" {
		return Unrecognized{Payload: payload, Reason: "reverse SEND without a token"}
	}
	return offer
}

func parseResumeFields(rest string) (string, int, int64, string, error) {
	name, fields := splitName(rest)
	if name == "" || len(fields) < 2 {
		return "", 0, 0, "", errors.New("expected file name, port and position")
	}
	port, err := parsePort(fields[0])
	if err != nil {
		return "", 0, 0, "", err
	}
	position, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || position < 0 {
		return "", 0, 0, "", fmt.Errorf("bad position %q", fields[1])
	}
	var token string
	if len(fields) > 2 {
		token = fields[2]
	}
	return name, port, position, token, nil
}

func parseChat(payload, rest string) Message {
	fields := strings.Fields(rest)
	// fields[0] is the protocol, always "chat"
	if len(fields) < 3 {
		return Unrecognized{Payload: payload, Reason: "CHAT needs an address and port"}
	}
	address, err := parseWireAddress(fields[1])
	if err != nil {
		return Unrecognized{Payload: payload, Reason: err.Error()}
	}
	port, err := parsePort(fields[2])
	if err != nil {
		return Unrecognized{Payload: payload, Reason: err.Error()}
	}
	offer := ChatOffer{Address: address, Port: port}
	if len(fields) > 3 {
		offer.Token = fields[3]
	}
	if offer.Port == 0 && offer.Token == "" {
		return Unrecognized{Payload: payload, Reason: "reverse CHAT without a token"}
	}
	return offer
}

// splitName separates a possibly quoted file name from the fields after it.
// The closing quote is the last one in the string since the numeric fields
// never contain quotes.
func splitName(rest string) (string, []string) {
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "\"") {
		end := strings.LastIndex(rest, "\"")
		if end <= 0 {
			return "", nil
		}
		return rest[1:end], strings.Fields(rest[end+1:])
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func parsePort(field string) (int, error) {
	port, err := strconv.Atoi(field)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("bad port %q", field)
	}
	return port, nil
}

func quoteName(name string) string {
	if strings.ContainsAny(name, " \t") {
		return "\"" + name + "\""
	}
	return name
}
