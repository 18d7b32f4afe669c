package ui

import (
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/mchat/pkg/client"
)

var errFeedClosed = errors.New("feed closed")

// Feed carries display lines and session endings from the listener into
// the bubbletea event loop. It is a distributor subscriber.
type Feed struct {
	lines   chan string
	logoffs chan client.LogoffReason
	done    chan struct{}
	once    sync.Once
}

// NewFeed creates a feed buffering up to size lines
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 64
	}
	return &Feed{
		lines:   make(chan string, size),
		logoffs: make(chan client.LogoffReason, 1),
		done:    make(chan struct{}),
	}
}

// Deliver queues a line for the UI. It blocks while the buffer is full so
// lines keep their order, until the feed is closed.
func (f *Feed) Deliver(line string) error {
	select {
	case f.lines <- line:
		return nil
	case <-f.done:
		return errFeedClosed
	}
}

// Close releases any Deliver blocked on a UI that is no longer reading
func (f *Feed) Close() {
	f.once.Do(func() { close(f.done) })
}

// Logoff records that the relay ended the session. Only the first reason is kept.
func (f *Feed) Logoff(reason client.LogoffReason) {
	select {
	case f.logoffs <- reason:
	default:
	}
}

// LineMsg is a display line from the relay
type LineMsg struct {
	Line string
}

// LogoffMsg reports that the session ended without the user quitting
type LogoffMsg struct {
	Reason client.LogoffReason
}

// listen waits for the next feed event
func (f *Feed) listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case line := <-f.lines:
			return LineMsg{Line: line}
		case reason := <-f.logoffs:
			return LogoffMsg{Reason: reason}
		}
	}
}
