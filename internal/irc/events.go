package irc

import (
	"fmt"
	"time"

	"github.com/dalnet/rdcc/internal/dcc"
	"github.com/dalnet/rdcc/internal/progress"
	"github.com/dalnet/rdcc/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Publish relays DCC events to the admins and records finished transfers.
// It makes Client a dcc.Sink.
func (c *Client) Publish(e dcc.Event) {
	switch e.Type {
	case dcc.EventOffered:
		t := e.Transfer
		msg := fmt.Sprintf("%s offers %s (%s) [%s]", t.Nick, t.FileName, progress.Bytes(t.Size), t.ID)
		if !c.cfg.OptionBool(dcc.Domain, "receive.autoaccept") {
			msg += fmt.Sprintf(", type !accept %s to receive it", t.ID)
		}
		c.notifyAdmins(msg)
	case dcc.EventSocketClosed:
		if e.Transfer != nil {
			c.recordTransfer(e)
		}
	case dcc.EventChatOpened:
		c.notify(e.Chat.ID, fmt.Sprintf("Chat with %s is open [%s], use !say %s <text>", e.Chat.Nick, e.Chat.ID, e.Chat.Nick))
	case dcc.EventChatLine:
		c.notify(e.Chat.ID, fmt.Sprintf("<%s> %s", e.Chat.Nick, e.Line))
	case dcc.EventChatClosed:
		msg := fmt.Sprintf("Chat with %s closed", e.Chat.Nick)
		if e.Err != nil {
			msg += fmt.Sprintf(" (%v)", e.Err)
		}
		c.notify(e.Chat.ID, msg)
		c.forget(e.Chat.ID)
	}
}

func (c *Client) recordTransfer(e dcc.Event) {
	t := e.Transfer
	rec := storage.Record{
		Time:      time.Now(),
		ID:        t.ID,
		Direction: t.Direction.String(),
		Nick:      t.Nick,
		File:      t.FileName,
		Outcome:   e.Outcome.String(),
		Bytes:     t.StartOffset() + t.BytesTransferred(),
	}

	c.mu.Lock()
	c.history = storage.AddHistory(c.history, rec)
	history := c.history
	c.mu.Unlock()

	if err := storage.SaveHistory(c.cfg.DataDir, history); err != nil {
		log.Printf("Error saving transfer history: %v", err)
	}

	c.notify(t.ID, progress.Summary(t, e.Outcome, e.Err))
}

// forget drops the owner of a finished chat. Transfer owners are kept so
// a resend still reports to the same admin.
func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.owners, id)
	c.mu.Unlock()
}
