package main

import (
	"fmt"
	"io"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/session"
	"github.com/loomworks/loom/thread"
)

// renderNotifications prints thread changes as they arrive and closes done
// after the stopped notification. Streaming assistant deltas produce many
// update notifications; only the settled entry is printed.
func renderNotifications(w io.Writer, s *session.Session, notes <-chan thread.Notification, done chan<- struct{}) {
	defer close(done)

	printed := make(map[int]bool)
	toolStatus := make(map[int]event.ToolStatus)

	flush := func(idx int) {
		entry, ok := s.Thread().Entry(idx)
		if !ok {
			return
		}

		switch entry.Kind {
		case thread.EntryUserMessage:
			if !printed[idx] {
				printed[idx] = true
				fmt.Fprintf(w, "[user] %s\n", entry.Message.Text())
			}

		case thread.EntryToolCall:
			if toolStatus[idx] != entry.Tool.Status {
				toolStatus[idx] = entry.Tool.Status
				fmt.Fprintf(w, "[tool] %s: %s\n", entry.Tool.Name, entry.Tool.Status)
				if entry.Tool.Status == event.ToolFailed && entry.Tool.Err != "" {
					fmt.Fprintf(w, "       %s\n", entry.Tool.Err)
				}
			}

		case thread.EntryAssistantMessage:
			// printed once settled, on the stopped notification
		}
	}

	flushAssistant := func() {
		for _, entry := range s.Thread().Entries() {
			if entry.Kind == thread.EntryAssistantMessage && !printed[entry.Index] {
				printed[entry.Index] = true
				fmt.Fprintf(w, "[assistant] %s\n", entry.Message.Text())
			}
		}
	}

	for n := range notes {
		switch n.Kind {
		case thread.NotifyNewEntry, thread.NotifyEntryUpdated:
			flush(n.Index)

		case thread.NotifyStopped:
			flushAssistant()
			if n.Reason == event.StopCancelled {
				fmt.Fprintln(w, "[cancelled]")
			}
			return

		case thread.NotifyRetry:
			fmt.Fprintf(w, "[retry] attempt %d in %s: %s\n", n.Attempt, n.Delay, n.Err)

		case thread.NotifyError:
			fmt.Fprintf(w, "[error] %s\n", n.Err)
		}
	}
}
