package irc

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/rdcc/internal/config"
	"github.com/dalnet/rdcc/internal/dcc"
	"github.com/dalnet/rdcc/internal/progress"
)

// handleCommand processes a command sent to us in private
func (c *Client) handleCommand(nick, hostmask, message string) {
	message = strings.TrimSpace(message)
	cmd := strings.ToLower(strings.Fields(message)[0])

	switch {
	case cmd == "!help":
		c.cmdHelp(nick, hostmask, message)
	case cmd == "!version":
		c.cmdVersion(nick, hostmask, message)
	case cmd == "!login" || cmd == "!su":
		c.cmdLogin(nick, hostmask, message)
	case cmd == "!logout":
		c.cmdLogout(nick, hostmask, message)
	case cmd == "!send":
		c.cmdSend(nick, hostmask, message)
	case cmd == "!chat":
		c.cmdChat(nick, hostmask, message)
	case cmd == "!say":
		c.cmdSay(nick, hostmask, message)
	case cmd == "!accept":
		c.cmdAccept(nick, hostmask, message)
	case cmd == "!transfers":
		c.cmdTransfers(nick, hostmask, message)
	case cmd == "!history":
		c.cmdHistory(nick, hostmask, message)
	case cmd == "!cancel":
		c.cmdCancel(nick, hostmask, message)
	case cmd == "!resend":
		c.cmdResend(nick, hostmask, message)
	case cmd == "!nick":
		c.cmdNick(nick, hostmask, message)
	case cmd == "!shutdown":
		c.cmdShutdown(nick, hostmask, message)
	}
}

func (c *Client) cmdHelp(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	c.out.Privmsg(nick, "Available commands:")
	c.out.Privmsg(nick, "!login <password> - log in as an admin")
	c.out.Privmsg(nick, "!version - displays bot version information")

	if c.isAdmin(nick) {
		c.out.Privmsg(nick, " ")
		c.out.Privmsg(nick, "Admin commands:")
		c.out.Privmsg(nick, "!send <nick> <file> - offer a file from the send directory")
		c.out.Privmsg(nick, "!chat <nick> - open a DCC chat")
		c.out.Privmsg(nick, "!say <nick> <text> - send a line on an open DCC chat")
		c.out.Privmsg(nick, "!accept <id> - accept an incoming file offer")
		c.out.Privmsg(nick, "!transfers - list transfers and chats")
		c.out.Privmsg(nick, "!history - displays the last 10 finished transfers")
		c.out.Privmsg(nick, "!history <number> - displays the last given number of transfers")
		c.out.Privmsg(nick, "!cancel <id> - cancel a transfer or close a chat")
		c.out.Privmsg(nick, "!resend <id> - offer a finished or failed send again")
		c.out.Privmsg(nick, "!nick - if you need to change my nick")
		c.out.Privmsg(nick, "!shutdown")
		c.out.Privmsg(nick, "!logout")
	}
}

func (c *Client) cmdVersion(nick, hostmask, message string) {
	c.logCommand(hostmask, message)

	c.out.Privmsg(nick, fmt.Sprintf("rdcc version %s", Version))
	c.out.Privmsg(nick, fmt.Sprintf("Built: %s", BuildDate))
	c.out.Privmsg(nick, fmt.Sprintf("Commit: %s", GitCommit))
}

func (c *Client) cmdLogin(nick, hostmask, message string) {
	parts := strings.Fields(message)
	if len(parts) < 2 {
		c.out.Privmsg(nick, "Usage: !login <password>")
		return
	}

	password := parts[1]

	if c.cfg.AdminPass != "" && password == c.cfg.AdminPass {
		c.mu.Lock()
		c.admins[nick] = true
		c.mu.Unlock()

		c.out.SendRaw(fmt.Sprintf("WATCH +%s", nick))
		c.out.Privmsg(nick, "Password accepted, you are now an admin. Type !help for a list of admin-only commands")
		c.logCommand(hostmask, "successful login")
	} else {
		c.out.Privmsg(nick, "Password incorrect")
		c.logCommand(hostmask, "INCORRECT LOGIN ATTEMPT")
	}
}

func (c *Client) cmdLogout(nick, hostmask, message string) {
	if c.isAdmin(nick) {
		c.logoutAdmin(nick)
		c.out.Privmsg(nick, "You have been logged out")
		c.logCommand(hostmask, "logged out")
	} else {
		c.out.Privmsg(nick, "You're not logged in!")
		c.logCommand(hostmask, "tried to log out, but wasn't logged in")
	}
}

// requireAdmin replies and logs the attempt when nick is not logged in
func (c *Client) requireAdmin(nick, hostmask, message string) bool {
	if c.isAdmin(nick) {
		return true
	}
	c.out.Privmsg(nick, "Sorry, only my admins can issue that command")
	c.logCommand(hostmask, fmt.Sprintf("%s (not logged in)", message))
	return false
}

func (c *Client) cmdSend(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}
	c.logCommand(hostmask, message)

	parts := strings.SplitN(message, " ", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		c.out.Privmsg(nick, "Usage: !send <nick> <file>")
		return
	}
	target := parts[1]

	path, err := c.sendPath(strings.TrimSpace(parts[2]))
	if err != nil {
		c.out.Privmsg(nick, err.Error())
		return
	}

	t, err := c.dcc.Offer(target, path)
	if err != nil {
		c.out.Privmsg(nick, fmt.Sprintf("Could not send: %v", err))
		return
	}
	c.setOwner(t.ID, nick)
	c.out.Privmsg(nick, fmt.Sprintf("Offering %s (%s) to %s [%s]", t.FileName, progress.Bytes(t.Size), target, t.ID))
}

// sendPath resolves name inside the send directory
func (c *Client) sendPath(name string) (string, error) {
	dir := c.cfg.Option(config.DCCDomain, "send.directory")
	if dir == "" {
		return "", errors.New("No send directory is configured")
	}
	path := filepath.Join(dir, filepath.Clean("/"+name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%q is not a file in the send directory", name)
	}
	return path, nil
}

func (c *Client) cmdChat(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}
	c.logCommand(hostmask, message)

	parts := strings.Fields(message)
	if len(parts) < 2 {
		c.out.Privmsg(nick, "Usage: !chat <nick>")
		return
	}

	s, err := c.dcc.Chat(parts[1])
	if err != nil {
		c.out.Privmsg(nick, fmt.Sprintf("Could not start chat: %v", err))
		return
	}
	c.setOwner(s.ID, nick)
	c.out.Privmsg(nick, fmt.Sprintf("Offering a chat to %s [%s]", parts[1], s.ID))
}

func (c *Client) cmdSay(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}

	parts := strings.SplitN(message, " ", 3)
	if len(parts) < 3 {
		c.out.Privmsg(nick, "Usage: !say <nick> <text>")
		return
	}

	s, ok := c.dcc.ChatWith(parts[1])
	if !ok {
		c.out.Privmsg(nick, fmt.Sprintf("No chat with %s", parts[1]))
		return
	}
	if err := s.Send(parts[2]); err != nil {
		c.out.Privmsg(nick, fmt.Sprintf("Could not send: %v", err))
	}
}

func (c *Client) cmdAccept(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}
	c.logCommand(hostmask, message)

	t, ok := c.transferArg(nick, message)
	if !ok {
		return
	}
	if err := c.dcc.Accept(t); err != nil {
		c.out.Privmsg(nick, fmt.Sprintf("Could not accept %s: %v", t.ID, err))
		return
	}
	c.setOwner(t.ID, nick)
	c.out.Privmsg(nick, fmt.Sprintf("Accepted %s from %s", t.FileName, t.Nick))
}

func (c *Client) cmdTransfers(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}
	c.logCommand(hostmask, message)

	transfers := c.dcc.Transfers()
	chats := c.dcc.Chats()
	if len(transfers) == 0 && len(chats) == 0 {
		c.out.Privmsg(nick, "No transfers")
		return
	}

	for _, t := range transfers {
		c.out.Privmsg(nick, fmt.Sprintf("[%s] %s", t.ID, progress.Status(t)))
	}
	for _, s := range chats {
		c.out.Privmsg(nick, fmt.Sprintf("[%s] Chat: %s [%s]", s.ID, s.Nick, s.State()))
	}
	c.out.Privmsg(nick, fmt.Sprintf("%d active", c.dcc.ActiveCount()))
}

func (c *Client) cmdHistory(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}
	c.logCommand(hostmask, message)

	parts := strings.Fields(message)
	count := 10
	if len(parts) > 1 {
		if n, err := strconv.Atoi(parts[1]); err == nil && n > 0 {
			count = n
		}
	}

	c.mu.RLock()
	history := c.history
	c.mu.RUnlock()

	c.out.Privmsg(nick, fmt.Sprintf("The last \x02%d\x02 transfers:", count))

	for i := 0; i < count && i < len(history); i++ {
		c.out.Privmsg(nick, history[i].Display())
	}
}

func (c *Client) cmdCancel(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}
	c.logCommand(hostmask, message)

	parts := strings.Fields(message)
	if len(parts) < 2 {
		c.out.Privmsg(nick, "Usage: !cancel <id>")
		return
	}
	if c.dcc.CloseChat(parts[1]) {
		c.out.Privmsg(nick, fmt.Sprintf("Closed chat %s", parts[1]))
		return
	}

	t, ok := c.transferArg(nick, message)
	if !ok {
		return
	}
	c.dcc.Cancel(t)
	c.out.Privmsg(nick, fmt.Sprintf("Cancelled %s", t.ID))
}

func (c *Client) cmdResend(nick, hostmask, message string) {
	if !c.requireAdmin(nick, hostmask, message) {
		return
	}
	c.logCommand(hostmask, message)

	t, ok := c.transferArg(nick, message)
	if !ok {
		return
	}
	if err := c.dcc.Resend(t); err != nil {
		c.out.Privmsg(nick, fmt.Sprintf("Could not resend %s: %v", t.ID, err))
		return
	}
	c.setOwner(t.ID, nick)
	c.out.Privmsg(nick, fmt.Sprintf("Offering %s to %s again", t.FileName, t.Nick))
}

// transferArg looks up the transfer named by the first argument
func (c *Client) transferArg(nick, message string) (*dcc.Transfer, bool) {
	parts := strings.Fields(message)
	if len(parts) < 2 {
		c.out.Privmsg(nick, fmt.Sprintf("Usage: %s <id>", parts[0]))
		return nil, false
	}
	t, ok := c.dcc.Transfer(parts[1])
	if !ok {
		c.out.Privmsg(nick, fmt.Sprintf("No transfer %s", parts[1]))
		return nil, false
	}
	return t, true
}

func (c *Client) cmdNick(nick, hostmask, message string) {
	parts := strings.Fields(message)
	newNick := ""
	if len(parts) > 1 {
		newNick = parts[1]
	}

	if !c.isAdmin(nick) {
		c.out.Privmsg(nick, "Sorry, only my admins can change my nick")
		c.logCommand(hostmask, fmt.Sprintf("nick change command to %s, not logged in", newNick))
		return
	}

	if newNick == "" {
		c.out.Privmsg(nick, "Usage: !nick <newnick>")
		return
	}

	c.conn.SetNick(newNick)
	time.AfterFunc(time.Second, func() {
		c.out.Privmsg(nick, fmt.Sprintf("Changed nick to %s", newNick))
	})
	c.logCommand(hostmask, fmt.Sprintf("nick change command to %s", newNick))
}

func (c *Client) cmdShutdown(nick, hostmask, message string) {
	if !c.isAdmin(nick) {
		c.out.Privmsg(nick, "Sorry, only my admins can shut me down")
		c.logCommand(hostmask, "issued the shutdown command but wasn't logged in")
		return
	}

	c.logCommand(hostmask, message)
	if n := c.dcc.ActiveCount(); n > 0 {
		c.out.Privmsg(nick, fmt.Sprintf("Shutting down, closing %d active DCCs", n))
	} else {
		c.out.Privmsg(nick, "Shutting down")
	}

	if c.OnShutdown != nil {
		c.OnShutdown()
	}
}
