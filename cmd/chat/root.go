package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mentorchat/internal/chat"
	"mentorchat/internal/client"
	"mentorchat/internal/logger"
)

type options struct {
	server      string
	username    string
	password    string
	register    bool
	idleTimeout time.Duration
	debug       bool
	logFile     string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to your AI mentor from the terminal",
		Long: `Chat with the mentor served by a mentorchat server.

Without --username the client signs in as an anonymous guest.
Type /help inside the session for commands.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8090", "mentorchat server URL")
	f.StringVarP(&opts.username, "username", "u", "", "account name (guest when empty)")
	f.StringVarP(&opts.password, "password", "p", "", "account password")
	f.BoolVar(&opts.register, "register", false, "create the account before logging in")
	f.DurationVar(&opts.idleTimeout, "idle-timeout", 60*time.Second, "fail a reply that stays silent this long (0 disables)")
	f.BoolVar(&opts.debug, "debug", false, "write debug logs")
	f.StringVar(&opts.logFile, "log-file", filepath.Join(os.TempDir(), "mentorchat-client.log"), "log file path")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	baseURL, err := client.BaseURL(opts.server)
	if err != nil {
		return err
	}
	level := zapcore.InfoLevel
	if opts.debug {
		level = zapcore.DebugLevel
	}
	lg := logger.NewFile(opts.logFile, level)
	defer lg.Sync()

	api := client.New(baseURL, client.WithLogger(lg.Named("client")))
	if err := signIn(ctx, api, opts); err != nil {
		return err
	}
	lg.Info("signed in", zap.String("server", baseURL), zap.String("username", api.Username()))

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	term := newTerminal(os.Stdout, readLines(os.Stdin), interrupts)
	orch := chat.New(api,
		chat.WithLogger(lg.Named("chat")),
		chat.WithObserver(term),
		chat.WithStreamIdleTimeout(opts.idleTimeout),
	)
	defer orch.Close()
	term.attach(orch)

	if err := orch.Init(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	term.banner(api.Username())
	return term.run(ctx)
}

func signIn(ctx context.Context, api *client.Client, opts *options) error {
	if opts.username == "" {
		return api.Guest(ctx)
	}
	if opts.register {
		if err := api.Register(ctx, opts.username, opts.password); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}
	return api.Login(ctx, opts.username, opts.password)
}

// readLines feeds stdin lines to the terminal loop. The channel closes at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
