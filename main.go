// FILE: main.go
// Package main – Program entrypoint and HTTP server.
//
// Boot sequence:
//   1) loadAgentEnv()            – read the env file (no shell exports required)
//   2) cfg := loadConfigFromEnv() – build runtime Config (fatal on bad creds)
//   3) initLogging(cfg)          – zerolog console + optional HTTP sink
//   4) wire client/registry/engine/feed
//   5) start the status/metrics server on cfg.Port
//   6) cold pass, then the balance feed, until SIGINT/SIGTERM
//
// Exit codes: 0 on orderly shutdown, 1 on fatal startup failure (missing or
// undecodable credentials, unreachable venue, port in use).

package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const shutdownGrace = 10 * time.Second

func main() {
	// ---- Environment & Config ----
	loadAgentEnv()
	cfg, err := loadConfigFromEnv()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}
	sink := initLogging(cfg)
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Wiring ----
	client := NewKrakenClient(cfg)
	registry := NewRegistry(client, cfg.TargetFiat)
	if err := registry.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("pair catalog load failed")
	}

	engine := NewEngine(client, registry, cfg)
	feed := NewFeed(client, cfg, engine.OnSnapshot, engine.OnUpdate)
	server := NewServer(engine, feed, client, cfg)

	// ---- HTTP status/metrics ----
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: server.Handler()}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("status surface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// ---- Liquidation pipeline ----
	engine.Start(ctx)
	if err := engine.ColdPass(ctx); err != nil {
		if isFatalAuth(err) {
			log.Fatal().Err(err).Msg("venue rejected credentials")
		}
		log.Error().Err(err).Msg("cold pass incomplete")
	}
	go feed.Run(ctx)

	<-ctx.Done()

	// ---- Graceful shutdown ----
	log.Info().Msg("shutdown signal received")
	engine.Shutdown(shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
