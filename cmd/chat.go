package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/session"
)

func chatCmd() *cobra.Command {
	var sessionKey string
	var userEmail string
	var permissions []string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat REPL against the local engine",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionKey, userEmail, permissions)
		},
	}
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: a new random session)")
	cmd.Flags().StringVar(&userEmail, "email", "", "user email for tool parameter injection")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "permission names held by the user (repeatable)")
	return cmd
}

func runChat(sessionKey, userEmail string, permissions []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keel: %v\n", err)
		os.Exit(1)
	}
	defer rt.close(context.Background())

	if sessionKey == "" {
		sessionKey = "chat-" + uuid.NewString()[:8]
	}

	sess, err := rt.sessions.Load(ctx, sessionKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keel: load session: %v\n", err)
		os.Exit(1)
	}
	if sess == nil {
		sess = session.New(sessionKey)
	}
	if userEmail != "" {
		sess.CurrentUser.Email = userEmail
	}
	if len(permissions) > 0 {
		sess.CurrentUser.Permissions = make(map[string]bool, len(permissions))
		for _, p := range permissions {
			sess.CurrentUser.Permissions[p] = true
		}
	}

	fmt.Printf("Session %s — type a message, or /quit to exit.\n", sessionKey)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		rt.engine.RunTurn(ctx, sess, line, printEvent)
		fmt.Println()

		if err := rt.sessions.Save(ctx, sess); err != nil {
			fmt.Fprintf(os.Stderr, "keel: save session: %v\n", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
}

// printEvent renders turn events for the terminal: text streams inline,
// everything else is a dim one-liner.
func printEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventTextChunk:
		if text, ok := ev.Content.(string); ok {
			fmt.Print(text)
		}
	case bus.EventStatus:
		if verbose {
			if sc, ok := ev.Content.(bus.StatusContent); ok {
				fmt.Fprintf(os.Stderr, "[status] %s\n", sc.Message)
			}
		}
	case bus.EventToolCalls:
		fmt.Fprintln(os.Stderr, "[running tools...]")
	case bus.EventError:
		if ec, ok := ev.Content.(bus.ErrorContent); ok {
			fmt.Fprintf(os.Stderr, "[error] %s\n", ec.Message)
		}
	}
}
