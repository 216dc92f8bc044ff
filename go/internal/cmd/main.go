package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/attendance"
	"github.com/classcast/classcast/go/internal/catalog"
	"github.com/classcast/classcast/go/internal/dbconfig"
	"github.com/classcast/classcast/go/internal/gateway"
	"github.com/classcast/classcast/go/internal/push"
	"github.com/classcast/classcast/go/internal/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	log.Info().
		Str("database", dbCfg.Database).
		Str("port", cfg.Server.Port).
		Bool("relay", cfg.Relay.Enabled).
		Msg("starting classcast server")

	var relay *gateway.Relay
	if cfg.Relay.Enabled {
		relayCfg := gateway.DefaultRelayConfig()
		relayCfg.URL = cfg.Relay.URL
		relayCfg.StreamName = cfg.Relay.StreamName
		relayCfg.SubjectPrefix = cfg.Relay.SubjectPrefix
		relay, err = gateway.NewRelay(relayCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event relay")
		}
	}

	clock := clockwork.NewRealClock()

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	dispatcher := gateway.NewDispatcher(cm, relay)

	catalogRepo := catalog.NewRepository(db)
	registry := push.NewRegistry()

	queueSvc := queue.NewService(queue.NewRepository(db), registry, dispatcher, clock)
	attendanceMgr := attendance.NewManager(attendance.NewRepository(db), dispatcher, clock)
	pushSvc := push.NewService(catalogRepo, attendanceMgr, cm, push.NewRepository(db), queueSvc, registry, dispatcher, clock)

	gatewaySvc := gateway.NewService(cm, pushSvc, queueSvc, attendanceMgr)
	wsHandler := gateway.NewWebSocketHandler(cm, cfg.Auth.JWTKey, cfg.Auth.Issuer)

	server := setupServer(cfg, wsHandler, queueSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go gatewaySvc.Start(ctx)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	pushSvc.Shutdown()
	if err := relay.Close(); err != nil {
		log.Error().Err(err).Msg("relay close failed")
	}

	log.Info().Msg("classcast server shutdown complete")
}
