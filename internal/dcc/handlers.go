package dcc

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// HandleCTCP dispatches an incoming CTCP DCC payload from nick. Stray
// replies are ignored; unparseable payloads return ErrUnrecognized.
func (c *Controller) HandleCTCP(nick, payload string) error {
	switch msg := ParseIncoming(payload).(type) {
	case SendOffer:
		return c.onSendOffer(nick, msg)
	case ResumeRequest:
		return c.onResume(nick, msg)
	case AcceptReply:
		return c.onAccept(nick, msg)
	case ChatOffer:
		return c.onChatOffer(nick, msg)
	case Unrecognized:
		return fmt.Errorf("%w from %s: %s", ErrUnrecognized, nick, msg.Reason)
	}
	return nil
}

func (c *Controller) onSendOffer(nick string, offer SendOffer) error {
	log := c.log.WithFields(logrus.Fields{"nick": nick, "file": offer.FileName, "token": offer.Token})

	// A peer answering our reverse send with the port it listens on
	if offer.Token != "" && !offer.Reverse() {
		if t, ok := c.registry.Lookup(offer.Token); ok && t.Direction == Send {
			if !strings.EqualFold(t.Nick, nick) || !t.Reverse || t.State() != StateIdle {
				log.Debug("Ignoring stray reverse DCC reply")
				return nil
			}
			e := t.currentEngine()
			if e == nil {
				return nil
			}
			t.setRemote(offer.Address, offer.Port)
			return e.openActive(offer.Address, offer.Port)
		}
	}

	role, err := c.neg.Role(Receive, offer.Reverse(), c.opts.OptionBool(Domain, "receive.reverse"))
	if err != nil {
		log.Warn("Both sides asked for reverse DCC")
		return conflictNick(err, nick)
	}

	dir := c.opts.Option(Domain, "receive.savelocation")
	t := NewTransfer(Receive, nick, filepath.Join(dir, safeFileName(offer.FileName)), offer.FileName, offer.Size)
	t.Turbo = offer.Turbo
	t.Reverse = offer.Reverse()
	t.setRemote(offer.Address, offer.Port)

	token := offer.Token
	if token == "" {
		token = c.registry.NewToken()
	}
	if err := c.registry.Register(token, t); err != nil {
		return err
	}
	t.setToken(token)
	c.track(t)

	log.WithFields(logrus.Fields{"size": offer.Size, "role": role.String()}).Info("DCC SEND offered")
	c.sink.Publish(Event{Type: EventOffered, Transfer: t, Host: offer.Address, Port: offer.Port})

	if !c.opts.OptionBool(Domain, "receive.autoaccept") {
		return nil
	}
	if err := c.Accept(t); err != nil {
		if errors.Is(err, ErrAlreadyComplete) {
			log.Info("Ignoring DCC offer for a file we already have")
			return nil
		}
		return err
	}
	return nil
}

func (c *Controller) onResume(nick string, req ResumeRequest) error {
	log := c.log.WithFields(logrus.Fields{"nick": nick, "file": req.FileName, "position": req.Position})

	var t *Transfer
	if req.Token != "" {
		if found, ok := c.registry.Lookup(req.Token); ok && found.Direction == Send {
			t = found
		}
	} else {
		// without a token the port names the listener we offered on
		if ls, ok := c.registry.ListenerOn(req.Port); ok && ls.Owner() != nil && ls.Owner().Direction == Send {
			t = ls.Owner()
		}
	}
	if t == nil || !strings.EqualFold(t.Nick, nick) {
		log.Debug("Ignoring stray DCC RESUME")
		return nil
	}

	if state := t.State(); state != StateListening && state != StateIdle {
		log.Debug("Ignoring DCC RESUME for a transfer already in progress")
		return nil
	}
	if req.Position < 0 || req.Position >= t.Size {
		return fmt.Errorf("bad DCC RESUME position %d for %s (%d bytes)", req.Position, t.FileName, t.Size)
	}

	t.setStartOffset(req.Position)
	log.WithField("transfer", t.ID).Info("Resuming DCC send")
	return c.sendCTCP(t, c.neg.BuildAcceptReply(req))
}

func (c *Controller) onAccept(nick string, reply AcceptReply) error {
	t, ok := c.neg.MatchAcceptToPending(reply)
	if !ok || !strings.EqualFold(t.Nick, nick) || t.State() != StateIdle {
		c.log.WithFields(logrus.Fields{"nick": nick, "file": reply.FileName}).Debug("Ignoring stray DCC ACCEPT")
		return nil
	}
	if reply.Position < 0 || (t.Size > 0 && reply.Position >= t.Size) {
		return fmt.Errorf("bad DCC ACCEPT position %d for %s (%d bytes)", reply.Position, t.FileName, t.Size)
	}

	role, err := c.neg.Role(Receive, t.Reverse, c.opts.OptionBool(Domain, "receive.reverse"))
	if err != nil {
		return conflictNick(err, nick)
	}
	t.setStartOffset(reply.Position)
	c.log.WithFields(logrus.Fields{"transfer": t.ID, "position": reply.Position}).Info("DCC resume accepted")
	return c.connect(t, role)
}

func (c *Controller) onChatOffer(nick string, offer ChatOffer) error {
	log := c.log.WithFields(logrus.Fields{"nick": nick, "token": offer.Token})

	// A peer answering our reverse chat request
	if offer.Token != "" && !offer.Reverse() {
		for _, s := range c.Chats() {
			if s.Token() == offer.Token && strings.EqualFold(s.Nick, nick) && s.State() == StateIdle {
				c.sink.Publish(Event{Type: EventChatStarting, Chat: s, Host: offer.Address, Port: offer.Port})
				return s.openActive(offer.Address, offer.Port)
			}
		}
	}

	if !c.opts.OptionBool(Domain, "chat.autoaccept") {
		log.Info("Ignoring DCC CHAT offer")
		return nil
	}
	if err := c.checkPeer(nick); err != nil {
		return err
	}
	role, err := c.neg.Role(Receive, offer.Reverse(), c.opts.OptionBool(Domain, "receive.reverse"))
	if err != nil {
		return conflictNick(err, nick)
	}

	s := newChatSession(nick, offer.Token, c.sink, c.chatClosed)
	c.trackChat(s)
	log.WithField("chat", s.ID).Info("DCC CHAT offered")

	if role == RoleListen {
		port, err := s.openPassive(c.registry, c.opts.Option(Domain, "bind"))
		if err != nil {
			return err
		}
		c.sink.Publish(Event{Type: EventChatStarting, Chat: s, Host: c.neg.LocalIP, Port: port})
		if err := c.conn.SendCTCP(nick, c.neg.BuildChatOffer(port, offer.Token)); err != nil {
			s.Close()
			return fmt.Errorf("failed to answer chat: %w", err)
		}
		return nil
	}

	c.sink.Publish(Event{Type: EventChatStarting, Chat: s, Host: offer.Address, Port: offer.Port})
	return s.openActive(offer.Address, offer.Port)
}

// safeFileName keeps only the last path element of a name chosen by the peer
func safeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "download"
	}
	return name
}
