package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"goa.design/clue/log"

	"agentrelay/internal/attach"
	"agentrelay/internal/permission"
	"agentrelay/internal/relay"
	"agentrelay/internal/session"
	"agentrelay/internal/upstream"
	"agentrelay/internal/usage"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port          int
	ScratchDir    string
	UpstreamURL   string
	UpstreamToken string
	PricingFile   string
}

func loadConfig() Config {
	cfg := Config{
		Port:       8420,
		ScratchDir: filepath.Join(os.TempDir(), "agentrelay-attachments"),
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SCRATCH_DIR"); v != "" {
		cfg.ScratchDir = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		cfg.UpstreamURL = v
	}
	if v := os.Getenv("UPSTREAM_TOKEN"); v != "" {
		cfg.UpstreamToken = v
	}
	if v := os.Getenv("PRICING_FILE"); v != "" {
		cfg.PricingFile = v
	}

	return cfg
}

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := loadConfig()
	if cfg.UpstreamURL == "" {
		log.Fatalf(ctx, fmt.Errorf("UPSTREAM_URL not set"), "missing upstream configuration")
	}

	stager, err := attach.NewStager(cfg.ScratchDir)
	if err != nil {
		log.Fatalf(ctx, err, "initializing attachment stager")
	}

	pricing, err := usage.NewReloader(ctx, cfg.PricingFile)
	if err != nil {
		log.Fatalf(ctx, err, "loading pricing table")
	}

	registry := session.NewRegistry()
	rendezvous := permission.New()
	upClient := upstream.NewClient(upstream.NewStaticSource(cfg.UpstreamURL, cfg.UpstreamToken))

	srv := relay.New(ctx, registry, rendezvous, stager, upClient, pricing.Table)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: log.HTTP(ctx)(srv.Handler()),
	}

	// Graceful shutdown on signals. Pending permission entries are simply
	// abandoned, not auto-denied.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Printf(ctx, "shutting down")
		pricing.Close()
		httpServer.Close()
	}()

	log.Printf(ctx, "agent relay listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf(ctx, err, "HTTP server error")
	}
}
