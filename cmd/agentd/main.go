// Command agentd is the agent runtime: an interactive session REPL, an
// HTTP server exposing the same loop, and a host for the bundled MCP
// servers.
package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentd/agent"
	"agentd/config"
	"agentd/errors"
	"agentd/extension"
	"agentd/mcpserver"
	"agentd/message"
	"agentd/permission"
	"agentd/provider"
	"agentd/server"
	"agentd/session"
)

func main() {
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "An extensible agent runtime speaking MCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var debug bool
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	root.AddCommand(sessionCmd(), serveCmd(), mcpCmd())
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(exitCode(err))
	}
}

// usageError marks mistakes in how the command was invoked, as opposed to
// failures while running it.
type usageError struct{ error }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue usageError
	if stderrors.As(err, &ue) {
		return 2
	}
	return 1
}

func sessionCmd() *cobra.Command {
	var (
		name           string
		path           string
		resume         bool
		withExtensions []string
		withBuiltins   string
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			store, err := session.NewStore("")
			if err != nil {
				return err
			}
			id, history, err := resolveSession(store, name, path, resume)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := buildAgent(ctx, cfg, store, withExtensions, withBuiltins)
			if err != nil {
				return err
			}
			defer cleanup()

			wd, _ := os.Getwd()
			return runREPL(ctx, a, agent.SessionConfig{ID: id, WorkingDir: wd}, history)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name to create or continue")
	cmd.Flags().StringVar(&path, "path", "", "explicit session file path")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the most recent session")
	cmd.Flags().StringArrayVar(&withExtensions, "with-extension", nil, "stdio MCP server command to attach (repeatable)")
	cmd.Flags().StringVar(&withBuiltins, "with-builtin", "developer", "comma-separated bundled extensions to attach")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			secretEnv := cfg.SecretKeyEnv
			if secretEnv == "" {
				secretEnv = "AGENTD_SECRET_KEY"
			}
			secret := os.Getenv(secretEnv)
			if secret == "" {
				return errors.Config("%s environment variable not set", secretEnv)
			}
			store, err := session.NewStore("")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := buildAgent(ctx, cfg, store, nil, "developer")
			if err != nil {
				return err
			}
			defer cleanup()

			srv := &http.Server{
				Addr:    addr,
				Handler: server.New(a, secret).Handler(),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			slog.Info("listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3000", "listen address")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp NAME",
		Short: "Run a bundled MCP server over stdio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return mcpserver.Serve(ctx, args[0], cfg)
		},
	}
}

func resolveSession(store *session.Store, name, path string, resume bool) (session.Identifier, []message.Message, error) {
	var id session.Identifier
	switch {
	case path != "":
		id = session.ByPath(path)
	case resume:
		recent, err := store.MostRecent()
		if err != nil {
			return session.Identifier{}, nil, err
		}
		id = recent
	case name != "":
		id = session.ByName(name)
	default:
		id = session.ByName(session.GenerateID())
	}

	meta, history, err := store.Read(id)
	if err != nil {
		// A fresh session has no file yet.
		return id, nil, nil
	}
	fmt.Printf("Resuming session %s (%d messages)\n", meta.ID, len(history))
	if wd, err := os.Getwd(); err == nil && meta.WorkingDir != "" && meta.WorkingDir != wd {
		fmt.Printf("Note: session was recorded in %s, you are in %s\n", meta.WorkingDir, wd)
	}
	return id, history, nil
}

func buildAgent(ctx context.Context, cfg *config.Config, store *session.Store, extraStdio []string, builtins string) (*agent.Agent, func(), error) {
	providerName := cfg.Provider
	if providerName == "" {
		providerName = "anthropic"
	}
	p, err := provider.Create(ctx, providerName, provider.Config{
		Model: cfg.Model,
		Host:  cfg.Host(providerName),
		Retry: cfg.RetryConfig(),
	})
	if err != nil {
		return nil, nil, err
	}

	mgr := extension.NewManager()
	cleanup := mgr.Close

	attach := func(name string) error {
		srv, err := mcpserver.New(name, cfg)
		if err != nil {
			return err
		}
		return mgr.AttachServer(ctx, name, srv)
	}

	for _, name := range splitList(builtins) {
		if err := attach(name); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	for _, ext := range cfg.Extensions {
		if !ext.IsEnabled() {
			continue
		}
		var err error
		if ext.Type == extension.KindBuiltin {
			err = attach(ext.Name)
		} else {
			err = mgr.Add(ctx, ext)
		}
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	for i, command := range extraStdio {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			continue
		}
		err := mgr.Add(ctx, extension.Config{
			Name: fmt.Sprintf("ext%d", i+1),
			Type: extension.KindStdio,
			Cmd:  parts[0],
			Args: parts[1:],
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	prompt, err := cfg.SystemPrompt()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	a, err := agent.New(agent.Options{
		Provider:     p,
		Extensions:   mgr,
		Store:        store,
		SystemPrompt: prompt,
		MaxTurns:     cfg.MaxTurns,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runREPL(ctx context.Context, a *agent.Agent, sess agent.SessionConfig, history []message.Message) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Type a message, or press Ctrl-D to exit.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		history = append(history, message.User().WithText(line))

		events, err := a.Reply(ctx, sess, history)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
			history = history[:len(history)-1]
			continue
		}
		history = consumeEvents(ctx, a, scanner, history, events)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// consumeEvents prints the event stream and answers permission prompts
// interactively. It returns the history extended with the new messages.
func consumeEvents(ctx context.Context, a *agent.Agent, scanner *bufio.Scanner, history []message.Message, events <-chan agent.Event) []message.Message {
	for ev := range events {
		switch {
		case ev.Message != nil:
			history = append(history, *ev.Message)
			printMessage(*ev.Message)
		case ev.Permission != nil:
			decision := promptDecision(scanner, ev.Permission)
			if err := a.Confirm(ev.Permission.ID, decision); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
			}
		case ev.Err != nil:
			fmt.Fprintf(os.Stderr, "Error: %+v\n", ev.Err)
		case ev.Finish != nil:
			if total := ev.Finish.Usage.TotalTokens; total != nil {
				slog.Debug("turn finished", "reason", ev.Finish.Reason, "total_tokens", *total)
			}
		}
	}
	return history
}

func printMessage(msg message.Message) {
	for _, c := range msg.Content {
		switch v := c.(type) {
		case message.Text:
			fmt.Println(v.Text)
		case message.ToolRequest:
			fmt.Printf("[calling %s]\n", v.Name)
		case message.ToolResponse:
			if v.Result.IsError() {
				fmt.Printf("[tool error: %s]\n", v.Result.Error)
			}
		}
	}
}

func promptDecision(scanner *bufio.Scanner, req *permission.Request) permission.Decision {
	fmt.Printf("Allow %s? [y]es once / [a]lways / [n]o: ", req.ToolName)
	if !scanner.Scan() {
		return permission.DenyOnce
	}
	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "y", "yes":
		return permission.AllowOnce
	case "a", "always":
		return permission.AlwaysAllow
	default:
		return permission.DenyOnce
	}
}
