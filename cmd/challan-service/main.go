package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"challan-service/internal/config"
	"challan-service/internal/db"
	"challan-service/internal/detector"
	"challan-service/internal/evidence"
	"challan-service/internal/fines"
	chhttp "challan-service/internal/http"
	"challan-service/internal/pipeline"
	"challan-service/internal/recognizer"
	"challan-service/internal/repository"
	"challan-service/internal/service"
)

func main() {
	cfgPath := flag.String("config", "", "path of the config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg.Log)

	gdb, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	store, err := evidence.NewFileStore(cfg.Evidence.Dir, gdb)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open evidence store")
	}

	repo := repository.NewChallanRepository(gdb)
	schedule := fines.NewSchedule(cfg.Fines.RepeatOffenseMultiplier)
	ledger := service.NewLedger(repo, schedule, log)

	det := detector.New(cfg.Detection, log)
	rec := recognizer.New(cfg.Detection, log)
	pipe := pipeline.New(cfg.Pipeline, det, rec, store, ledger, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.HTTP.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := chhttp.NewHandler(ledger, pipe, store, log)
	handler.Register(router, chhttp.AuthMiddleware(cfg.Auth.JWTSecret))

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		log.Info().
			Str("addr", cfg.HTTP.Addr).
			Str("detector_backend", det.Backend()).
			Str("recognizer_backend", rec.Backend()).
			Msg("challan service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
