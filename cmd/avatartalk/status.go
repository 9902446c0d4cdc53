package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/harunnryd/avatartalk/pkg/events"
)

// printStatus renders forwarded events as one-line status updates until ctx
// ends or the engine has drained.
func printStatus(ctx context.Context, engineDone <-chan struct{}, w io.Writer, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-engineDone:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := events.Decode(msg)
			msg.Ack()
			if err != nil {
				continue
			}
			if line := statusLine(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}
}

func statusLine(ev events.Event) string {
	switch ev.Type {
	case events.SessionStarted:
		return "* avatar ready (" + ev.String("character") + "/" + ev.String("style") + ")"
	case events.SessionStopped:
		return "* avatar stopped"
	case events.SessionError:
		return "! avatar: " + ev.String("error")
	case events.SpeakingError:
		return "! speech: " + ev.String("error")
	case events.UtteranceAdded:
		if ev.String("origin") == "bot" {
			return "bot> " + ev.String("text")
		}
		return "you> " + ev.String("text")
	case events.TranscriptInterim:
		return "  ... " + ev.String("text")
	case events.ListeningChanged:
		state := "off"
		if ev.Data["listening"] == true {
			state = "on"
		}
		if ev.Data["muted"] == true {
			state += " (muted)"
		}
		return "* mic " + state
	case events.Notification:
		return "! " + ev.String("message")
	case events.ConversationCleared:
		return "* conversation cleared"
	default:
		return ""
	}
}
