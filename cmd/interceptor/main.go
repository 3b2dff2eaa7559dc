package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/netintercept/internal/api"
	"github.com/dgnsrekt/netintercept/internal/cdp"
	"github.com/dgnsrekt/netintercept/internal/config"
	"github.com/dgnsrekt/netintercept/internal/netutil"
	"github.com/dgnsrekt/netintercept/internal/rawcdp"
	"github.com/dgnsrekt/netintercept/internal/relay"
	"github.com/dgnsrekt/netintercept/internal/rules"
	"github.com/dgnsrekt/netintercept/internal/storage"
)

// transport is implemented by the chromedp and raw websocket clients.
type transport interface {
	api.SessionLister
	Connect(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("config loaded",
		"cdp_url", cfg.CDPURL(),
		"transport", cfg.Transport,
		"tab_url_filter", cfg.TabURLFilter,
		"bind_addr", cfg.BindAddr,
		"rules_file", cfg.RulesFile,
		"journal", cfg.Journal,
		"data_dir", cfg.DataDir,
		"cancel_grace", cfg.CancelGrace,
		"pending_ttl", cfg.PendingTTL,
		"log_level", cfg.LogLevel,
	)

	var initial []rules.Rule
	if cfg.RulesFile != "" {
		initial, err = rules.LoadFile(cfg.RulesFile)
		if err != nil {
			slog.Error("failed to load rules", "file", cfg.RulesFile, "error", err)
			os.Exit(1)
		}
		slog.Info("rules loaded", "file", cfg.RulesFile, "count", len(initial))
	}
	ruleSet, err := rules.NewSet(initial)
	if err != nil {
		slog.Error("invalid rules", "error", err)
		os.Exit(1)
	}

	var journals *storage.JournalRegistry
	if cfg.Journal {
		journals = storage.NewJournalRegistry(cfg.DataDir, cfg.BufferSize, cfg.MaxFileSizeMB, cfg.BodyPreviewBytes)
		defer func() {
			if err := journals.Close(); err != nil {
				slog.Error("failed to close journals", "error", err)
			}
		}()
	}

	feed := relay.NewBroker()
	installer := &cdp.Installer{
		Rules:       ruleSet,
		Journals:    journals,
		Feed:        feed,
		CancelGrace: cfg.CancelGrace,
		PendingTTL:  cfg.PendingTTL,
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	tabRegistry := cdp.NewTabRegistry()
	var client transport
	switch cfg.Transport {
	case config.TransportRaw:
		client = rawcdp.NewClient(cfg, installer, tabRegistry)
	default:
		client = cdp.NewClient(cfg, installer, tabRegistry)
	}

	if err := client.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
		_ = client.Close()
		os.Exit(1)
	}

	h := api.NewServer(api.NewBackend(client, installer, journals), relay.SSEHandler(feed))
	srv := &http.Server{Addr: bindAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		slog.Info("api listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("api shutdown failed", "error", err)
	}
	if err := client.Close(); err != nil {
		slog.Error("transport close failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
