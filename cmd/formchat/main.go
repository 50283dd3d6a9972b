package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/capitalize-ai/formchat/internal/agentapi"
	"github.com/capitalize-ai/formchat/internal/config"
	"github.com/capitalize-ai/formchat/internal/conversation"
	"github.com/capitalize-ai/formchat/internal/fieldinput"
	"github.com/capitalize-ai/formchat/internal/shell"
	"github.com/capitalize-ai/formchat/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine.
	_ = godotenv.Load()

	cfg := config.LoadClient()

	var (
		serverURL    string
		agentSlug    string
		password     string
		timeout      time.Duration
		logLevel     string
		strictSelect bool
	)

	flagSet := pflag.NewFlagSet("formchat", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", cfg.ServerURL, "agent backend base URL")
	flagSet.StringVarP(&agentSlug, "agent", "a", cfg.Agent, "agent slug to talk to")
	flagSet.StringVar(&password, "password", "", "agent password (prompted for when required and omitted)")
	flagSet.DurationVar(&timeout, "timeout", cfg.TurnTimeout, "per-turn timeout, 0 disables")
	flagSet.StringVar(&logLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flagSet.BoolVar(&strictSelect, "strict-select", false, "reject select answers that are not one of the options")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if agentSlug == "" && len(args) > 0 {
		agentSlug, args = args[0], args[1:]
	}
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if agentSlug == "" {
		printHelp(flagSet)
		return errors.New("no agent given")
	}

	// The terminal owns stdout, so logs go to stderr or a file.
	output := "stderr"
	if cfg.LogFile != "" {
		output = cfg.LogFile
	}
	log, err := logger.NewWithOutput(logLevel, output)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := agentapi.New(serverURL, agentapi.WithLogger(log))

	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	formSchema, info, err := api.FetchSchema(fetchCtx, agentSlug)
	cancel()
	if err != nil {
		return fmt.Errorf("load agent %q: %w", agentSlug, err)
	}
	log.Debug("agent schema loaded",
		zap.String("agent", info.Slug),
		zap.Int("fields", len(info.Fields)),
		zap.Bool("requires_password", info.RequiresPassword),
	)

	var adapterOpts []fieldinput.Option
	if strictSelect {
		adapterOpts = append(adapterOpts, fieldinput.WithStrictSelect())
	}

	var shellOpts []shell.Option
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		shellOpts = append(shellOpts, shell.WithPasswordPrompt(func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stdout)
			return string(b), err
		}))
	}
	sh := shell.New(os.Stdin, os.Stdout, shellOpts...)

	fmt.Fprintf(os.Stdout, "Connected to %s\n\n", info.Name)

	ctrl := conversation.NewController(api,
		conversation.WithSchema(formSchema),
		conversation.WithAdapter(fieldinput.New(adapterOpts...)),
		conversation.WithLogger(log),
		conversation.WithTurnTimeout(timeout),
		conversation.WithObserver(sh.Render),
	)

	err = sh.Run(ctx, ctrl, agentSlug, password)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `formchat - fill in an agent's form by chatting with it.

Usage:
  formchat [flags] [agent]

Environment:
  FORMCHAT_SERVER_URL    backend base URL (default http://localhost:8080)
  FORMCHAT_AGENT         agent slug
  FORMCHAT_TURN_TIMEOUT  per-turn timeout
  FORMCHAT_LOG_FILE      write JSON logs to this file instead of stderr
  LOG_LEVEL              log level

Flags:
`)
	flagSet.PrintDefaults()
}
