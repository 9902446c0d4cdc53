package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/avatartalk/pkg/engine"
	"github.com/harunnryd/avatartalk/pkg/metrics"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the avatar and the conversation; type to chat, /help for commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{})
			defer pubsub.Close()
			statusCh, err := pubsub.Subscribe(ctx, cfg.Observability.EventTopic)
			if err != nil {
				return err
			}

			eng, err := engine.New(engine.Options{Config: cfg, Publisher: pubsub, Banner: cmd.OutOrStdout()})
			if err != nil {
				return err
			}

			eg, groupCtx := errgroup.WithContext(ctx)
			runCtx, cancelRun := context.WithCancel(groupCtx)
			defer cancelRun()

			eg.Go(func() error { return eng.Run(runCtx) })
			eg.Go(func() error {
				printStatus(groupCtx, eng.Done(), cmd.OutOrStdout(), statusCh)
				return nil
			})
			eg.Go(func() error {
				defer cancelRun()
				return readCommands(runCtx, cmd.InOrStdin(), cmd.OutOrStdout(), eng)
			})
			return eg.Wait()
		},
	}
}

// readCommands forwards typed lines to the conversation until /quit, EOF or
// ctx is done.
func readCommands(ctx context.Context, in io.Reader, out io.Writer, eng *engine.Engine) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, out, eng, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// metricsShown is how many events /metrics prints.
const metricsShown = 15

func handleLine(ctx context.Context, out io.Writer, eng *engine.Engine, line string) bool {
	coord := eng.Coordinator()
	switch line {
	case "":
	case "/quit", "/exit", "/q":
		return true
	case "/mute":
		coord.Mute(ctx)
	case "/unmute":
		coord.Unmute(ctx)
	case "/stop":
		if err := eng.Session().StopSpeaking(ctx); err != nil {
			fmt.Fprintf(out, "! stop speaking: %v\n", err)
		}
	case "/clear":
		coord.ClearConversation()
	case "/history":
		for _, u := range coord.Conversation() {
			fmt.Fprintf(out, "  %s %-4s %s\n", u.Timestamp.Format("15:04:05"), u.Origin, u.Text)
		}
	case "/status":
		ls := coord.Listening()
		fmt.Fprintf(out, "  session=%s phase=%s listening=%t muted=%t queued=%d\n",
			eng.Session().Lifecycle(), coord.Phase(), ls.IsListening, ls.IsMuted, eng.Session().QueueLength())
	case "/metrics":
		for _, ev := range eng.RecentMetrics(metricsShown) {
			fmt.Fprintf(out, "  %s %-22s %s\n", ev.Time.Format("15:04:05.000"), ev.Name, ev.Tags[metrics.TagComponent])
		}
	case "/help":
		fmt.Fprintln(out, "  /mute /unmute /stop /clear /history /status /metrics /quit; anything else is sent to the bot")
	default:
		if err := coord.SubmitText(ctx, line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
	return false
}
