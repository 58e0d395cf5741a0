package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offline0/internal/clients"
	"offline0/internal/logger"
	"offline0/internal/offline0"
	"offline0/internal/push"
	"offline0/internal/server"
)

func main() {
	var (
		configPath string
		genKeys    bool
	)
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.BoolVar(&genKeys, "genkeys", false, "print a fresh push subscription key pair and exit")
	flag.Parse()

	if genKeys {
		keys, err := push.GenerateKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate keys: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(keys)
		return
	}

	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg, log); err != nil {
		log.Error("offline0 stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg offline0.Config, log *slog.Logger) error {
	store, err := offline0.OpenCacheStore(cfg.Storage.Disk.Path, cfg.RAMMax(), cfg.DiskMax(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := clients.NewHub(log)
	agent := offline0.NewAgent(cfg, store, nil, hub, log)
	defer agent.Close()

	registry := push.NewRegistry()
	presenters := []push.Presenter{push.NewWindowPresenter(hub)}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		bot, err := push.NewTelegramBot(cfg.Telegram.Token)
		if err != nil {
			log.Warn("telegram disabled", slog.Any("error", err))
		} else {
			presenters = append(presenters, push.NewTelegramPresenter(bot, cfg.Telegram.ChatID))
		}
	}
	dispatcher := push.NewDispatcher(push.Defaults{
		Title: cfg.Notification.DefaultTitle,
		Body:  cfg.Notification.DefaultBody,
		Icon:  cfg.Notification.Icon,
		Badge: cfg.Notification.Badge,
	}, registry, log, presenters...)

	router, err := push.NewRouter(hub, registry, cfg.Server.PublicURL, log)
	if err != nil {
		return err
	}
	hub.SetHandler(router)

	var decrypter *push.Decrypter
	if cfg.Push.PrivateKey != "" || cfg.Push.AuthSecret != "" {
		if decrypter, err = push.NewDecrypter(cfg.Push.PrivateKey, cfg.Push.AuthSecret); err != nil {
			return fmt.Errorf("push keys: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &server.Server{
		Agent:      agent,
		Windows:    hub,
		Dispatcher: dispatcher,
		Router:     router,
		Registry:   registry,
		Decrypter:  decrypter,
		Log:        log.With(slog.String("component", "server")),
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("offline0 listening", slog.String("addr", addr), slog.String("origin", cfg.Server.Origin), slog.String("version", cfg.Cache.Version))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
