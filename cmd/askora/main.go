package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/askora/askora/internal/chat"
	"github.com/askora/askora/internal/config"
	"github.com/askora/askora/internal/db"
	"github.com/askora/askora/internal/github"
	"github.com/askora/askora/internal/ingest"
	"github.com/askora/askora/internal/metrics"
	"github.com/askora/askora/internal/mindsdb"
	"github.com/askora/askora/internal/query"
	"github.com/askora/askora/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	open := flag.Bool("open", false, "open the web UI in a browser once the server is listening")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		log.Printf("warning: %v; ingestion will fail until it is set (demo mode still works)", err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = db.DBPath(); err != nil {
			return err
		}
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	queries := db.NewQueries(database)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(reg)

	client := mindsdb.New(mindsdb.Config{
		BaseURL:   cfg.MindsDB.URL,
		Project:   cfg.MindsDB.Project,
		Timeout:   cfg.MindsDB.Timeout,
		RateLimit: cfg.MindsDB.RateLimit,
		RateBurst: cfg.MindsDB.RateBurst,
	})

	provisioner := ingest.New(client, queries, recorder, ingest.OptionsFromConfig(cfg))
	agent := query.New(client, recorder, query.OptionsFromConfig(cfg))
	sessions := chat.NewManager(agent, cfg.Chat.DemoDelay, recorder)

	srv, err := server.New(server.Deps{
		Provisioner: provisioner,
		Asker:       agent,
		Sessions:    sessions,
		History:     queries,
		GitHub:      github.New(cfg.GitHubToken, nil),
		Gatherer:    reg,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Listen(cfg.Addr); err != nil {
		return err
	}

	go pruneSessions(ctx, srv, cfg.Chat.SessionTTL)

	if *open {
		openBrowser("http://" + srv.Addr())
	}

	return srv.Serve(ctx)
}

// pruneSessions drops idle chat sessions until ctx is cancelled.
func pruneSessions(ctx context.Context, srv *server.Server, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := srv.PruneSessions(ttl); n > 0 {
				log.Printf("pruned %d idle chat sessions", n)
			}
		}
	}
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return
	}
	cmd.Start()
}
