package dcc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Domain is the configuration domain of the DCC options
const Domain = "dcc"

// Subscription is a revocable callback registration
type Subscription interface {
	Cancel()
}

// Connection is the IRC connection DCC negotiation runs over
type Connection interface {
	SendCTCP(target, payload string) error
	Connected() bool
	CurrentNick() string
	// OnDisconnect registers fn until the subscription is cancelled
	OnDisconnect(fn func()) Subscription
}

// Options looks up configuration by domain and key
type Options interface {
	Option(domain, key string) string
	OptionBool(domain, key string) bool
	OptionInt(domain, key string) int
}

// Controller is the entry point for starting, resending and cancelling
// transfers and chats. Results are reported through the Sink.
type Controller struct {
	conn     Connection
	opts     Options
	sink     Sink
	registry *Registry
	neg      *Negotiator
	log      *logrus.Entry

	mu        sync.Mutex
	transfers []*Transfer
	chats     map[string]*ChatSession
}

// NewController creates a controller. The listen port range is read from
// firewall.ports.start and firewall.ports.end.
func NewController(conn Connection, opts Options, sink Sink) *Controller {
	if sink == nil {
		sink = discard
	}
	registry := NewRegistry(opts.OptionInt(Domain, "firewall.ports.start"), opts.OptionInt(Domain, "firewall.ports.end"))
	return &Controller{
		conn:     conn,
		opts:     opts,
		sink:     sink,
		registry: registry,
		neg:      &Negotiator{LocalIP: localIP(opts), Registry: registry},
		log:      logrus.WithField("component", "dcc"),
		chats:    make(map[string]*ChatSession),
	}
}

// localIP is the configured firewall.ip, else the first non-loopback IPv4
// address of this host
func localIP(opts Options) string {
	if ip := opts.Option(Domain, "firewall.ip"); ip != "" {
		return ip
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// Registry returns the transfer registry
func (c *Controller) Registry() *Registry { return c.registry }

// Offer sends the file at path to nick
func (c *Controller) Offer(nick, path string) (*Transfer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot send %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("cannot send %s: is a directory", path)
	}

	t := NewTransfer(Send, nick, path, filepath.Base(path), info.Size())
	t.Turbo = c.opts.OptionBool(Domain, "send.turbo")
	t.Reverse = c.opts.OptionBool(Domain, "send.reverse")

	role, err := c.neg.Role(Send, false, t.Reverse)
	if err != nil {
		return nil, err
	}
	if err := c.Start(t, role); err != nil {
		return nil, err
	}
	return t, nil
}

// Start validates preconditions and opens the transfer's socket in the given
// role. It returns once the socket is listening or connecting; everything
// after that is reported through events.
func (c *Controller) Start(t *Transfer, role Role) error {
	if t.currentEngine() != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, t.ID)
	}
	if err := c.checkPeer(t.Nick); err != nil {
		return err
	}
	if err := checkFile(t); err != nil {
		return err
	}
	c.track(t)
	if err := c.prepare(t); err != nil {
		return err
	}
	return c.connect(t, role)
}

// Accept starts an incoming offer. A partial file of the same name is
// resumed; an offer for a file already complete on disk is discarded.
func (c *Controller) Accept(t *Transfer) error {
	if t.Direction != Receive {
		return fmt.Errorf("transfer %s is not an incoming offer", t.ID)
	}
	if t.State() != StateIdle || t.Outcome() != OutcomePending || t.currentEngine() != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, t.ID)
	}

	if info, err := os.Stat(t.Path); err == nil && info.Mode().IsRegular() && info.Size() > 0 && t.Size > 0 {
		if info.Size() >= t.Size {
			c.discard(t, ErrAlreadyComplete)
			return ErrAlreadyComplete
		}
		return c.resume(t)
	}
	if t.Size <= 0 {
		// without a size there is nothing to resume or compare, so never
		// write over a local file
		t.Path = freePath(t.Path)
	}

	role, err := c.neg.Role(Receive, t.Reverse, c.opts.OptionBool(Domain, "receive.reverse"))
	if err != nil {
		return conflictNick(err, t.Nick)
	}
	return c.Start(t, role)
}

// resume asks the sender to continue from the size of the partial file;
// the socket opens when the ACCEPT arrives
func (c *Controller) resume(t *Transfer) error {
	if err := c.checkPeer(t.Nick); err != nil {
		return err
	}
	if err := checkFile(t); err != nil {
		return err
	}
	payload, position, err := c.neg.BuildResumeRequest(t)
	if err != nil {
		return err
	}
	c.track(t)
	if err := c.prepare(t); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"transfer": t.ID, "position": position}).Info("Requesting DCC resume")
	return c.sendCTCP(t, payload)
}

// Resend restarts a finished or failed send with a new token. The resume
// offset and the reverse preference are kept.
func (c *Controller) Resend(t *Transfer) error {
	if t.Direction != Send {
		return ErrNotResendable
	}
	if err := c.checkPeer(t.Nick); err != nil {
		return err
	}
	if err := checkFile(t); err != nil {
		return err
	}

	if old := t.currentEngine(); old != nil {
		old.close()
		old.wait()
	}
	c.registry.unregisterTransfer(t.Token(), t)
	t.disposeSubscription()
	t.reset()

	role, err := c.neg.Role(Send, false, t.Reverse)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"transfer": t.ID, "nick": t.Nick}).Info("Resending DCC")
	return c.Start(t, role)
}

// Cancel stops t and releases its socket and token. Cancelling a closed
// transfer does nothing.
func (c *Controller) Cancel(t *Transfer) {
	if t.Outcome() != OutcomePending {
		return
	}
	t.markCancelled()
	if e := t.currentEngine(); e != nil {
		e.close()
		return
	}
	c.discard(t, nil)
}

// discard closes a transfer that never opened a socket
func (c *Controller) discard(t *Transfer, err error) {
	if !t.settle(OutcomeCancelled, err) {
		return
	}
	c.release(t)
	c.sink.Publish(Event{Type: EventSocketClosed, Transfer: t, Outcome: OutcomeCancelled, Err: err})
}

// release runs exactly once per engine run, before the closed event
func (c *Controller) release(t *Transfer) {
	c.registry.unregisterTransfer(t.Token(), t)
	t.disposeSubscription()
}

// Transfers returns every transfer this controller has seen, oldest first
func (c *Controller) Transfers() []*Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Transfer(nil), c.transfers...)
}

// Transfer finds a transfer by ID
func (c *Controller) Transfer(id string) (*Transfer, bool) {
	for _, t := range c.Transfers() {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Chat offers a DCC CHAT to nick. With send.reverse set nick is asked to
// listen instead.
func (c *Controller) Chat(nick string) (*ChatSession, error) {
	if err := c.checkPeer(nick); err != nil {
		return nil, err
	}

	if c.opts.OptionBool(Domain, "send.reverse") {
		s := newChatSession(nick, c.registry.NewToken(), c.sink, c.chatClosed)
		c.trackChat(s)
		c.sink.Publish(Event{Type: EventChatStarting, Chat: s, Host: c.neg.LocalIP})
		if err := c.conn.SendCTCP(nick, c.neg.BuildChatOffer(0, s.Token())); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to offer chat: %w", err)
		}
		return s, nil
	}

	s := newChatSession(nick, "", c.sink, c.chatClosed)
	c.trackChat(s)
	port, err := s.openPassive(c.registry, c.opts.Option(Domain, "bind"))
	if err != nil {
		return nil, err
	}
	c.sink.Publish(Event{Type: EventChatStarting, Chat: s, Host: c.neg.LocalIP, Port: port})
	if err := c.conn.SendCTCP(nick, c.neg.BuildChatOffer(port, "")); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to offer chat: %w", err)
	}
	return s, nil
}

// Chats returns the open and pending chat sessions
func (c *Controller) Chats() []*ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]*ChatSession, 0, len(c.chats))
	for _, s := range c.chats {
		list = append(list, s)
	}
	return list
}

// ChatWith returns the session with nick, if any
func (c *Controller) ChatWith(nick string) (*ChatSession, bool) {
	for _, s := range c.Chats() {
		if strings.EqualFold(s.Nick, nick) {
			return s, true
		}
	}
	return nil, false
}

// CloseChat closes the session with the given ID
func (c *Controller) CloseChat(id string) bool {
	c.mu.Lock()
	s, ok := c.chats[id]
	c.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// ActiveCount is the number of transfers and chats still running
func (c *Controller) ActiveCount() int {
	n := 0
	for _, t := range c.Transfers() {
		if t.Outcome() == OutcomePending {
			n++
		}
	}
	return n + len(c.Chats())
}

// Close cancels every transfer and chat
func (c *Controller) Close() {
	for _, t := range c.Transfers() {
		if t.Outcome() == OutcomePending {
			c.Cancel(t)
		}
	}
	for _, s := range c.Chats() {
		s.Close()
	}
}

func (c *Controller) checkPeer(nick string) error {
	if !c.conn.Connected() {
		return &NotConnectedError{Nick: nick}
	}
	if strings.EqualFold(nick, c.conn.CurrentNick()) {
		return &SelfTransferError{Nick: nick}
	}
	return nil
}

// checkFile requires a readable source for sends and a writable destination
// directory for receives
func checkFile(t *Transfer) error {
	if t.Direction == Send {
		f, err := os.Open(t.Path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", t.Path, err)
		}
		return f.Close()
	}

	dir := filepath.Dir(t.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.OpenFile(t.Path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("cannot write %s: %w", t.Path, err)
	}
	return f.Close()
}

// freePath returns path, or "name (n).ext" for the first n not on disk
func freePath(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (c *Controller) track(t *Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, known := range c.transfers {
		if known == t {
			return
		}
	}
	c.transfers = append(c.transfers, t)
}

func (c *Controller) trackChat(s *ChatSession) {
	c.mu.Lock()
	c.chats[s.ID] = s
	c.mu.Unlock()
}

func (c *Controller) chatClosed(s *ChatSession) {
	c.mu.Lock()
	delete(c.chats, s.ID)
	c.mu.Unlock()
}

func (c *Controller) engineConfig() engineConfig {
	return engineConfig{
		registry:  c.registry,
		sink:      c.sink,
		bind:      c.opts.Option(Domain, "bind"),
		blockSize: c.opts.OptionInt(Domain, "send.blocksize"),
		rateLimit: c.opts.OptionInt(Domain, "send.ratelimit"),
		onClose:   c.release,
	}
}

// prepare registers t under its token and attaches a fresh engine. While t
// waits for a CTCP reply, losing the IRC connection cancels it.
func (c *Controller) prepare(t *Transfer) error {
	token := t.Token()
	if token == "" {
		token = c.registry.NewToken()
		t.setToken(token)
	}
	if owner, ok := c.registry.Lookup(token); !ok {
		if err := c.registry.Register(token, t); err != nil {
			return err
		}
	} else if owner != t {
		return &DuplicateTokenError{Token: token}
	}

	if !t.setEngine(newEngine(t, c.engineConfig())) {
		if t.currentEngine() != nil {
			// the live run keeps its token
			return fmt.Errorf("%w: %s", ErrAlreadyStarted, t.ID)
		}
		c.registry.unregisterTransfer(token, t)
		return fmt.Errorf("transfer %s was cancelled", t.ID)
	}
	t.setSubscription(c.conn.OnDisconnect(func() {
		if t.State() == StateIdle {
			go c.Cancel(t)
		}
	}))
	return nil
}

// connect opens the socket for role. A reverse send only offers port 0 and
// connects once the receiver replies with its port.
func (c *Controller) connect(t *Transfer, role Role) error {
	e := t.currentEngine()
	if e == nil {
		return fmt.Errorf("transfer %s has no socket", t.ID)
	}

	if role == RoleListen {
		port, err := e.openPassive(0)
		if err != nil {
			return err
		}
		return c.sendCTCP(t, c.neg.BuildSendOffer(t, port, false))
	}

	address, port := t.Address()
	if t.Direction == Send && port == 0 {
		return c.sendCTCP(t, c.neg.BuildSendOffer(t, 0, true))
	}
	return e.openActive(address, port)
}

// sendCTCP fails the current run if the payload cannot be delivered
func (c *Controller) sendCTCP(t *Transfer, payload string) error {
	err := c.conn.SendCTCP(t.Nick, payload)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("failed to send DCC request to %s: %w", t.Nick, err)
	if e := t.currentEngine(); e != nil {
		e.finish(err)
	}
	return err
}

// conflictNick fills in the peer of a negotiation conflict
func conflictNick(err error, nick string) error {
	var conflict *NegotiationConflictError
	if errors.As(err, &conflict) {
		return &NegotiationConflictError{Nick: nick}
	}
	return err
}
