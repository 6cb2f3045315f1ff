package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/talkschnell/internal/avatar"
	"github.com/codefionn/talkschnell/internal/bridge"
	"github.com/codefionn/talkschnell/internal/config"
	"github.com/codefionn/talkschnell/internal/gateway"
	"github.com/codefionn/talkschnell/internal/logger"
	"github.com/codefionn/talkschnell/internal/status"
	"github.com/codefionn/talkschnell/internal/transcript"
)

var (
	configPath = flag.String("config", "", "Path to config file (defaults to ~/.config/talkschnell/config.json)")
	gatewayURL = flag.String("gateway", "", "Gateway WebSocket URL (overrides config)")
	statusAddr = flag.String("status", "", "Status API listen address (overrides config)")
	resume     = flag.String("resume", "", "Conversation ID to resume ('latest' picks the most recent)")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error, none")
	noStore    = flag.Bool("no-store", false, "Disable the transcript store")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "talkschnell: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()
	defer log.Close()

	var store *transcript.Store
	if !*noStore {
		store, err = transcript.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open transcript store: %w", err)
		}
		defer store.Close()
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.URL = cfg.Gateway.URL
	gwCfg.Token = cfg.Gateway.Token
	if cfg.Gateway.ClientID != "" {
		gwCfg.ClientID = cfg.Gateway.ClientID
	}
	if cfg.Gateway.DisplayName != "" {
		gwCfg.DisplayName = cfg.Gateway.DisplayName
	}
	gwCfg.RequestTimeout = cfg.RequestTimeout()
	gwCfg.RunDeadline = cfg.RunTimeout()
	gwCfg.MaxReconnectAttempts = cfg.Gateway.MaxReconnectAttempts
	gwCfg.ReconnectBaseDelay = cfg.ReconnectBaseDelay()
	gwCfg.ReconnectMaxDelay = cfg.ReconnectMaxDelay()

	client := gateway.NewClient(gwCfg, log)
	defer client.Disconnect()

	client.OnStateChange(func(s gateway.State) {
		log.Info("gateway state: %s", s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("failed to connect to gateway at %s: %w", cfg.Gateway.URL, err)
	}

	// Avatar SDK sessions attach from the browser side; headless runs log
	// speech instead.
	session := avatar.Discard(log)
	defer session.Close()

	br := bridge.New(client, session, store, log)
	br.SetSpeechBudgets(cfg.Speech.MaxSentences, cfg.Speech.MaxChars)
	if *resume != "" {
		conversationID := *resume
		if conversationID == "latest" && store != nil {
			latest, err := store.LatestConversation()
			if err != nil {
				return err
			}
			conversationID = latest
		}
		if conversationID != "" && conversationID != "latest" {
			br.ResumeConversation(conversationID)
			log.Info("resuming conversation %s", conversationID)
		}
	}
	br.Start(ctx)

	var tokens *status.AvatarTokens
	if cfg.Avatar.TokenEndpoint != "" {
		tokens = &status.AvatarTokens{
			Client:   avatar.NewTokenClient(cfg.Avatar.TokenEndpoint, os.Getenv(cfg.Avatar.APIKeyEnv)),
			AvatarID: cfg.Avatar.AvatarID,
			VoiceID:  cfg.Avatar.VoiceID,
		}
	}

	srv := status.NewServer(cfg.StatusAddr, client, store, tokens, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	watcher, err := config.Watch(cfg.Path(), func(next *config.Config) {
		logger.Global().SetLevel(logger.ParseLevel(next.LogLevel))
	}, log)
	if err != nil {
		log.Warn("config watching disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
