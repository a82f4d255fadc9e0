package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dalnet/rdcc/internal/dcc"
	"github.com/schollz/progressbar/v3"
)

// Renderer draws a progress bar per running transfer and prints chat lines.
// It is a dcc.Sink.
type Renderer struct {
	out     io.Writer
	percent bool

	mu   sync.Mutex
	bars map[*dcc.Transfer]*progressbar.ProgressBar
}

// New creates a renderer writing to out. With percent set the bar titles
// carry the completion percentage.
func New(out io.Writer, percent bool) *Renderer {
	return &Renderer{
		out:     out,
		percent: percent,
		bars:    make(map[*dcc.Transfer]*progressbar.ProgressBar),
	}
}

func (r *Renderer) Publish(e dcc.Event) {
	switch e.Type {
	case dcc.EventOffered:
		t := e.Transfer
		fmt.Fprintf(r.out, "%s offers %s (%s)\n", t.Nick, t.FileName, Bytes(t.Size))
	case dcc.EventSocketOpened:
		r.open(e.Transfer)
	case dcc.EventDataTransferred:
		r.advance(e.Transfer, e.Bytes)
	case dcc.EventSocketClosed:
		r.close(e)
	case dcc.EventChatStarting:
		fmt.Fprintf(r.out, "Starting DCC chat with %s on %s:%d\n", e.Chat.Nick, e.Host, e.Port)
	case dcc.EventChatLine:
		fmt.Fprintf(r.out, "<%s> %s\n", e.Chat.Nick, e.Line)
	case dcc.EventChatClosed:
		fmt.Fprintf(r.out, "DCC chat with %s closed\n", e.Chat.Nick)
	}
}

func (r *Renderer) open(t *dcc.Transfer) {
	max := t.Size
	if max <= 0 {
		// unknown size renders as a spinner
		max = -1
	}
	bar := progressbar.NewOptions64(
		max,
		progressbar.OptionSetDescription(t.Title(r.percent)),
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
	)
	if start := t.StartOffset(); start > 0 && max > 0 {
		bar.Set64(start)
	}

	r.mu.Lock()
	r.bars[t] = bar
	r.mu.Unlock()
}

func (r *Renderer) advance(t *dcc.Transfer, n int) {
	r.mu.Lock()
	bar := r.bars[t]
	r.mu.Unlock()
	if bar == nil {
		return
	}
	bar.Add(n)
	if r.percent {
		bar.Describe(t.Title(true))
	}
}

func (r *Renderer) close(e dcc.Event) {
	r.mu.Lock()
	bar := r.bars[e.Transfer]
	delete(r.bars, e.Transfer)
	r.mu.Unlock()

	if bar != nil {
		if e.Outcome == dcc.OutcomeComplete {
			bar.Finish()
		} else {
			bar.Exit()
		}
		fmt.Fprintln(r.out)
	}
	fmt.Fprintln(r.out, Summary(e.Transfer, e.Outcome, e.Err))
}

// Summary is a one-line report of a transfer, e.g.
// "report.pdf to bob: complete, 4.9 KiB in 1.2s (4.1 KiB/s)"
func Summary(t *dcc.Transfer, outcome dcc.Outcome, err error) string {
	peer := "to"
	if t.Direction == dcc.Receive {
		peer = "from"
	}
	line := fmt.Sprintf("%s %s %s: %s, %s", t.FileName, peer, t.Nick, outcome,
		Bytes(t.BytesTransferred()))
	if elapsed := t.Elapsed(); elapsed > 0 {
		line += fmt.Sprintf(" in %s (%s/s)", elapsed.Round(100*time.Millisecond), Bytes(int64(t.BytesPerSecond())))
	}
	if err != nil {
		line += " (" + err.Error() + ")"
	}
	return line
}

// Status describes a transfer for listings
func Status(t *dcc.Transfer) string {
	if outcome := t.Outcome(); outcome != dcc.OutcomePending {
		return Summary(t, outcome, t.Err())
	}
	status := fmt.Sprintf("%s [%s] %s %s", t.Title(true), t.State(), t.FileName, Bytes(t.BytesTransferred()+t.StartOffset()))
	if t.Size > 0 {
		status += "/" + Bytes(t.Size)
	}
	if remaining := t.EstimatedSecondsRemaining(); remaining != dcc.RemainingUnknown {
		status += fmt.Sprintf(", %s left", (time.Duration(remaining) * time.Second).Round(time.Second))
	}
	return status
}

// Bytes formats a byte count with binary units
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
