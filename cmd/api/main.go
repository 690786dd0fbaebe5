/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/madpin/jiraviz/internal/adapters/jira"
	"github.com/madpin/jiraviz/internal/adapters/openai"
	"github.com/madpin/jiraviz/internal/config"
	httpx "github.com/madpin/jiraviz/internal/http"
	"github.com/madpin/jiraviz/internal/jobs"
	"github.com/madpin/jiraviz/internal/logger"
	"github.com/madpin/jiraviz/internal/repo"
	"github.com/madpin/jiraviz/internal/services"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()
	repository := repo.NewRepository(db, log)
	if err := repository.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	// Adapters
	jc := jira.NewClient(cfg, log)
	llm := openai.NewClient(cfg, log)

	// Services
	svc := services.New(cfg, log, repository, jc, llm)

	// Initial sync in the background so the API is up immediately
	if len(cfg.JiraProjects) > 0 {
		go func() {
			ctx2, cancel2 := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel2()
			if n, err := svc.RefreshAll(ctx2); err != nil {
				log.Error().Err(err).Int("scanned", n).Msg("initial sync failed")
			} else {
				log.Info().Int("scanned", n).Msg("initial sync done")
			}
		}()
	}

	// HTTP server (Gin)
	router := httpx.NewRouter(cfg, log, svc)

	// Cron
	cr := jobs.NewCron(cfg, log, svc, repository)
	cr.Start()
	defer cr.Stop()

	// graceful shutdown
	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.HTTPAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil { log.Error().Err(err).Msg("http server error") }
	}

	time.Sleep(500 * time.Millisecond)
}
