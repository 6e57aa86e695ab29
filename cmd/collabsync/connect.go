package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/collabsync/internal/errors"
	"github.com/vango-dev/collabsync/pkg/client"
	"github.com/vango-dev/collabsync/pkg/collab"
	"github.com/vango-dev/collabsync/pkg/events"
)

const shutdownTimeout = 5 * time.Second

func connectCmd() *cobra.Command {
	var (
		url      string
		user     string
		name     string
		role     string
		resource string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a resource and edit it from the terminal",
		Long: `Connect to a relay, join a resource and read commands from stdin.
Events from other collaborators are printed as log lines.

Examples:
  collabsync connect --user alice --resource doc-1
  collabsync connect --url wss://sync.example.com/ws --user bob --name Bob --resource doc-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Client.URL = url
			}
			if user != "" {
				cfg.Client.UserID = user
			}
			if name != "" {
				cfg.Client.DisplayName = name
			}
			if role != "" {
				cfg.Client.Role = role
			}
			if cfg.Client.UserID == "" {
				return errors.New("E200").WithDetail("--user (or client.userId in the config file)")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := cfg.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c, err := client.New(cfg.ClientConfig(), cfg.Identity(),
				client.WithURL(cfg.Client.URL),
				client.WithLogger(logger),
			)
			if err != nil {
				return errors.New("E110").Wrap(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, c, resource, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "", "Relay WebSocket URL (default from config, ws://localhost:8080/ws)")
	cmd.Flags().StringVar(&user, "user", "", "Your user ID")
	cmd.Flags().StringVar(&name, "name", "", "Your display name")
	cmd.Flags().StringVar(&role, "role", "", "Your role, shown to collaborators")
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "Resource to join")
	_ = cmd.MarkFlagRequired("resource")

	return cmd
}

// runConnect joins resource, connects, and runs shell commands from in until
// quit, EOF or ctx ends. It leaves the resource before returning.
func runConnect(ctx context.Context, c *client.Client, resource string, logger *slog.Logger, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch(c.Events(), logger)

	if _, err := c.Join(ctx, resource); err != nil {
		return request(err)
	}
	if err := c.Connect(); err != nil {
		return request(err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Shutdown(sctx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

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

	sh := &shell{client: c, resource: resource, out: out}
	fmt.Fprintf(out, "joined %s, type help for commands\n", resource)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := sh.exec(ctx, line)
			if err != nil {
				errors.Fprint(out, err)
			}
			if quit {
				return nil
			}
		}
	}
}

// watch logs every client event.
func watch(d *events.Dispatcher, logger *slog.Logger) {
	log := logger.With("component", "events")
	d.OnAny(func(ev events.Event) {
		name := string(ev.EventName())
		switch e := ev.(type) {
		case client.StateChange:
			log.Debug(name, "from", e.From, "to", e.To)
		case client.Connected:
			log.Info(name, "epoch", e.Epoch, "reconnect", e.Reconnect)
		case client.Disconnected:
			log.Info(name, "clean", e.Clean, "error", e.Err)
		case client.Reconnecting:
			log.Warn(name, "attempt", e.Attempt, "delay", e.Delay, "error", e.Err)
		case client.MaxReconnectAttemptsReached:
			log.Error(e.Message, "attempts", e.Attempts, "queued", e.Queued, "error", e.Err)
		case client.QueueOverflow:
			log.Warn(name, "dropped", e.Dropped.Kind(), "capacity", e.Capacity)
		case client.UserJoined:
			log.Info(name, "user", e.Record.UserID, "name", e.Record.DisplayName, "session", e.SessionID)
		case client.UserLeft:
			log.Info(name, "user", e.Record.UserID, "session", e.SessionID)
		case client.CursorMove:
			if e.Record.Cursor != nil {
				log.Info(name, "user", e.Record.UserID, "line", e.Record.Cursor.Line, "column", e.Record.Cursor.Column)
			}
		case collab.FieldUpdated:
			log.Info(name, "field", e.FieldID, "value", e.Value, "cleared", e.Cleared, "user", e.UserID, "remote", e.Remote)
		case collab.ConflictResolved:
			log.Info(name, "field", e.Conflict.FieldID, "resolution", e.Conflict.Resolution,
				"winner", e.Conflict.WinnerID, "remote", e.Remote)
		case client.Notification:
			log.Info(name, "from", e.SenderID, "title", e.Title, "body", e.Body)
		case client.Alert:
			log.Warn(name, "from", e.SenderID, "title", e.Title, "body", e.Body)
		case events.Error:
			log.Error(name, "source", e.Source, "op", e.Op, "error", e.Err)
		default:
			log.Debug(name)
		}
	})
}
