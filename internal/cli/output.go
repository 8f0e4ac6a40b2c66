package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/rodaine/table"

	"github.com/civicpulse/realtime/internal/journal"
	"github.com/civicpulse/realtime/internal/realtime"
)

var (
	headerFmt = color.New(color.FgGreen, color.Underline).SprintfFunc()
	columnFmt = color.New(color.FgYellow).SprintfFunc()
)

// EventPrinter writes one line per event:
//
//	10:00:00.000  opinion_liked        u-2  {"opinionId":"o1","likesCount":3}
type EventPrinter struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func NewEventPrinter(out io.Writer) *EventPrinter {
	return &EventPrinter{out: out, now: time.Now}
}

func eventColor(t realtime.EventType) *color.Color {
	switch t {
	case realtime.EventConnected:
		return color.New(color.FgGreen, color.Bold)
	case realtime.EventDisconnected, realtime.EventError:
		return color.New(color.FgRed, color.Bold)
	case realtime.EventReconnecting:
		return color.New(color.FgYellow)
	case realtime.EventUserStatusChanged, realtime.EventTypingStart, realtime.EventTypingStop:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgCyan)
	}
}

// Print writes msg. It is safe to use as a realtime.Handler from several
// goroutines.
func (p *EventPrinter) Print(msg realtime.Message) {
	data := string(msg.Data)
	if data == "" {
		data = "{}"
	}
	sender := msg.UserID
	if sender == "" {
		sender = "-"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s  %s  %s  %s\n",
		p.now().Format("15:04:05.000"),
		eventColor(msg.Type).Sprintf("%-22s", msg.Type),
		sender,
		data,
	)
}

// PrintEntries renders journal entries as a table.
func PrintEntries(out io.Writer, entries []journal.Entry) {
	tbl := table.New("Received", "Type", "Sender", "Sent", "Payload")
	tbl.WithHeaderFormatter(headerFmt).WithFirstColumnFormatter(columnFmt).WithWriter(out)
	for _, e := range entries {
		tbl.AddRow(e.ReceivedAt.Local().Format(time.DateTime), e.Type, orDash(e.SenderID), orDash(e.SentAt), truncate(e.Payload, 80))
	}
	tbl.Print()
}

// PrintTypeCounts renders per-type journal counts as a table.
func PrintTypeCounts(out io.Writer, counts []journal.TypeCount) {
	tbl := table.New("Type", "Count")
	tbl.WithHeaderFormatter(headerFmt).WithFirstColumnFormatter(columnFmt).WithWriter(out)
	for _, c := range counts {
		tbl.AddRow(c.Type, c.Count)
	}
	tbl.Print()
}

// TopicRow is one line of the relay topics table.
type TopicRow struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// PrintTopics renders relay topic subscriber counts as a table.
func PrintTopics(out io.Writer, rows []TopicRow) {
	tbl := table.New("Topic", "Subscribers")
	tbl.WithHeaderFormatter(headerFmt).WithFirstColumnFormatter(columnFmt).WithWriter(out)
	for _, r := range rows {
		tbl.AddRow(r.Topic, r.Subscribers)
	}
	tbl.Print()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
