package irc

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dalnet/rdcc/internal/config"
	"github.com/dalnet/rdcc/internal/dcc"
	"github.com/dalnet/rdcc/internal/storage"
	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	log "github.com/sirupsen/logrus"
)

// Version information (set at build time or here)
var (
	Version   = "1.0.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// sender is the part of the IRC connection replies go through
type sender interface {
	Privmsg(target, message string) error
	SendRaw(message string) error
	CurrentNick() string
	Connected() bool
}

// Client represents the IRC bot client
type Client struct {
	conn   *ircevent.Connection
	out    sender
	cfg    *config.Config
	dcc    *dcc.Controller
	mu     sync.RWMutex
	ready  bool
	closed bool

	history []storage.Record
	stats   []string

	// Admin session tracking: nick -> is admin
	admins map[string]bool
	// owners maps a transfer or chat ID to the admin who started it
	owners map[string]string

	// Shutdown callback
	OnShutdown func()
}

// NewClient creates a new IRC client. DCC events are also published to
// sinks.
func NewClient(cfg *config.Config, sinks ...dcc.Sink) (*Client, error) {
	// Create IRC connection
	conn := &ircevent.Connection{
		Server:      fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		Nick:        cfg.Nick,
		User:        cfg.Username,
		RealName:    cfg.IRCName,
		Password:    cfg.ServerPass,
		QuitMessage: "Shutting down",
		Debug:       false,
		UseTLS:      cfg.UseTLS,
		TLSConfig:   &tls.Config{InsecureSkipVerify: true},
	}

	c := newClient(cfg, conn, &ctcpConn{out: conn, conn: conn}, sinks...)
	c.conn = conn

	// Register handlers
	c.registerHandlers()

	return c, nil
}

// newClient wires the bot around out and a DCC controller over dccConn
func newClient(cfg *config.Config, out sender, dccConn dcc.Connection, sinks ...dcc.Sink) *Client {
	c := &Client{
		cfg:    cfg,
		out:    out,
		admins: make(map[string]bool),
		owners: make(map[string]string),
	}

	// Load data files
	var err error
	c.history, err = storage.LoadHistory(cfg.DataDir)
	if err != nil {
		log.Printf("Warning: could not load transfer history: %v", err)
	}

	c.stats, err = storage.LoadStats(cfg.DataDir)
	if err != nil {
		log.Printf("Warning: could not load stats: %v", err)
	}

	all := dcc.Sinks{c}
	for _, s := range sinks {
		all = append(all, s)
	}
	c.dcc = dcc.NewController(dccConn, cfg, all)
	return c
}

// DCC returns the DCC controller
func (c *Client) DCC() *dcc.Controller { return c.dcc }

func (c *Client) registerHandlers() {
	// Connected (end of MOTD)
	c.conn.AddCallback("376", c.onConnect)
	c.conn.AddCallback("422", c.onConnect) // MOTD missing is also "connected"

	// Private messages
	c.conn.AddCallback("PRIVMSG", c.onPrivMsg)

	// Nick issues
	c.conn.AddCallback("432", c.onNickHeld)  // ERR_ERRONEUSNICKNAME
	c.conn.AddCallback("433", c.onNickInUse) // ERR_NICKNAMEINUSE

	// WATCH logout notification
	c.conn.AddCallback("601", c.onWatchLogout) // RPL_LOGOFF
}

// Connect initiates the IRC connection
func (c *Client) Connect() error {
	return c.conn.Connect()
}

// Loop runs the IRC event loop (blocking)
func (c *Client) Loop() {
	c.conn.Loop()
}

// Quit closes every DCC and disconnects from IRC
func (c *Client) Quit(message string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if n := c.dcc.ActiveCount(); n > 0 {
		log.Printf("Closing %d active DCCs", n)
	}
	c.dcc.Close()
	c.conn.Quit()
}

func (c *Client) onConnect(e ircmsg.Message) {
	log.Println("Connected to IRC server")

	// Identify to NickServ
	if c.cfg.NickPass != "" {
		c.out.Privmsg("NickServ", fmt.Sprintf("IDENTIFY %s %s", c.cfg.Nick, c.cfg.NickPass))
	}

	// Set user modes
	c.conn.Send("MODE", c.conn.CurrentNick(), "+i")

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	log.Println("Bot initialization complete")
}

func (c *Client) onPrivMsg(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}

	target := e.Params[0]
	message := e.Params[1]
	nick := e.Nick()
	nuh, err := e.NUH()
	if err != nil {
		return
	}
	hostmask := nuh.Canonical()

	// Only respond to private messages (not channel messages)
	if !strings.EqualFold(target, c.out.CurrentNick()) {
		return
	}

	// ircevent leaves CTCP inside the PRIVMSG
	if strings.HasPrefix(message, "\x01") {
		switch {
		case isDCC(message):
			c.handleDCC(nick, message)
		case isVersion(message):
			c.replyVersion(nick)
		}
		return
	}

	if strings.TrimSpace(message) == "" {
		return
	}
	c.handleCommand(nick, hostmask, message)
}

func (c *Client) handleDCC(nick, payload string) {
	if err := c.dcc.HandleCTCP(nick, payload); err != nil {
		log.WithFields(log.Fields{"nick": nick, "payload": strings.Trim(payload, "\x01")}).
			WithError(err).Warn("DCC request failed")
		c.notifyAdmins(fmt.Sprintf("DCC request from %s failed: %v", nick, err))
	}
}

func isDCC(payload string) bool {
	payload = strings.TrimLeft(payload, "\x01")
	return len(payload) >= 4 && strings.EqualFold(payload[:4], "DCC ")
}

func isVersion(payload string) bool {
	return strings.EqualFold(strings.TrimSpace(strings.Trim(payload, "\x01")), "VERSION")
}

func (c *Client) onNickHeld(e ircmsg.Message) {
	if c.conn.CurrentNick() == c.cfg.Alternate || c.cfg.Alternate == "" {
		return
	}
	log.Printf("Nick is held, switching to alternate: %s", c.cfg.Alternate)
	c.conn.SetNick(c.cfg.Alternate)

	// Schedule nick recovery
	go func() {
		time.Sleep(15 * time.Second)
		c.out.Privmsg("NickServ", fmt.Sprintf("RELEASE %s %s", c.cfg.Nick, c.cfg.NickPass))
		time.Sleep(2 * time.Second)
		c.conn.SetNick(c.cfg.Nick)
	}()
}

func (c *Client) onNickInUse(e ircmsg.Message) {
	if c.conn.CurrentNick() == c.cfg.Alternate || c.cfg.Alternate == "" {
		return
	}
	log.Printf("Nick in use, switching to alternate: %s", c.cfg.Alternate)
	c.conn.SetNick(c.cfg.Alternate)

	// Schedule nick recovery
	go func() {
		time.Sleep(15 * time.Second)
		c.out.Privmsg("NickServ", fmt.Sprintf("GHOST %s %s", c.cfg.Nick, c.cfg.NickPass))
		time.Sleep(2 * time.Second)
		c.conn.SetNick(c.cfg.Nick)
	}()
}

func (c *Client) onWatchLogout(e ircmsg.Message) {
	// 601 <me> <nick> <user> <host> <timestamp> :logged out
	if len(e.Params) < 2 {
		return
	}
	c.logoutAdmin(e.Params[1])
}

// logoutAdmin ends the admin session of nick, if any
func (c *Client) logoutAdmin(nick string) {
	c.mu.Lock()
	isAdmin := c.admins[nick]
	delete(c.admins, nick)
	c.mu.Unlock()

	if isAdmin {
		c.out.SendRaw(fmt.Sprintf("WATCH -%s", nick))
	}
}

func (c *Client) replyVersion(nick string) {
	reply := fmt.Sprintf("rdcc %s (built %s, commit %s)", Version, BuildDate, GitCommit)
	c.out.SendRaw(fmt.Sprintf("NOTICE %s :\x01VERSION %s\x01", nick, reply))
}

func (c *Client) isAdmin(nick string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admins[nick]
}

// notify tells the admin who started id, or every admin if nobody did
func (c *Client) notify(id, message string) {
	c.mu.RLock()
	owner := c.owners[id]
	stillAdmin := c.admins[owner]
	c.mu.RUnlock()

	if owner != "" && stillAdmin {
		c.out.Privmsg(owner, message)
		return
	}
	c.notifyAdmins(message)
}

func (c *Client) notifyAdmins(message string) {
	c.mu.RLock()
	var admins []string
	for nick := range c.admins {
		admins = append(admins, nick)
	}
	c.mu.RUnlock()

	for _, nick := range admins {
		c.out.Privmsg(nick, message)
	}
}

func (c *Client) setOwner(id, nick string) {
	c.mu.Lock()
	c.owners[id] = nick
	c.mu.Unlock()
}

func (c *Client) logCommand(hostmask, command string) {
	timestamp := time.Now().UTC().Format("Mon Jan 02, 2006 at 15:04:05 GMT")
	entry := fmt.Sprintf("%s: %s -> %s", timestamp, hostmask, command)

	c.mu.Lock()
	c.stats = storage.AddStat(c.stats, entry)
	stats := c.stats
	c.mu.Unlock()

	if err := storage.SaveStats(c.cfg.DataDir, stats); err != nil {
		log.Printf("Error saving stats: %v", err)
	}
}

// ctcpConn adapts the ircevent connection to dcc.Connection
type ctcpConn struct {
	out  sender
	conn *ircevent.Connection
}

func (a *ctcpConn) SendCTCP(target, payload string) error {
	return a.out.Privmsg(target, "\x01"+payload+"\x01")
}

func (a *ctcpConn) Connected() bool { return a.out.Connected() }

func (a *ctcpConn) CurrentNick() string { return a.out.CurrentNick() }

func (a *ctcpConn) OnDisconnect(fn func()) dcc.Subscription {
	id := a.conn.AddDisconnectCallback(func(ircmsg.Message) { fn() })
	return &callbackSub{conn: a.conn, id: id}
}

// callbackSub removes an ircevent callback once
type callbackSub struct {
	conn *ircevent.Connection
	id   ircevent.CallbackID
	once sync.Once
}

func (s *callbackSub) Cancel() {
	s.once.Do(func() { s.conn.RemoveCallback(s.id) })
}
