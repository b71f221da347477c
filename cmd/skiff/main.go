// skiff is the example server: one Raft cluster member replicating a
// key/value store, with an HTTP API for clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skiffdb/skiff/internal/configuration"
	"github.com/skiffdb/skiff/internal/database"
	"github.com/skiffdb/skiff/internal/discovery"
	"github.com/skiffdb/skiff/internal/httpserver"
	"github.com/skiffdb/skiff/internal/raftserver"
)

func main() {
	cfg, err := configuration.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if cfg.LogLevel == "debug" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	db := database.NewDatabase()

	server, err := raftserver.New(raftserver.Config{
		ListenAddr:          cfg.RaftAddr(),
		Peers:               cfg.PeerAddrs(),
		PersistenceFilePath: cfg.PersistenceFilePath,
		ElectionTimeout:     cfg.ElectionTimeout,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		Slowdown:            cfg.Slowdown,
	}, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build raft server")
	}
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start raft server")
	}

	if cfg.Advertise {
		adv, err := discovery.Advertise(fmt.Sprintf("skiff-%d", cfg.Port), cfg.Port, cfg.HTTPPort)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement unavailable")
		} else {
			defer adv.Shutdown()
		}
	}

	router := httpserver.NewRouter(server, db)
	api := httpserver.Serve(cfg.HTTPAddr(), router)
	log.Info().Str("addr", cfg.HTTPAddr()).Msg("Key/value API listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api.Shutdown(ctx)
	server.Stop()
}
