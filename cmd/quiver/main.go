package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal().Err(err).Msg("Invalid environment")
	}
	dev, err := cfg.Validate()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	lvl, _ := cfg.Level()
	zerolog.SetGlobalLevel(lvl)

	if cfg.ListenAddr == "" && cfg.FlightAddr == "" {
		log.Fatal().Msg("Nothing to serve: set -listen and/or -flight")
	}

	if cfg.EnableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	reg := device.NewRegistry()
	log.Info().Str("device", dev.String()).Str("backend", reg.Backend(dev).Name()).Msg("Default compute device")

	var remote LossEvaluator
	if cfg.RemoteAddr != "" {
		fc, err := client.NewFlightClient(cfg.RemoteAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", cfg.RemoteAddr).Msg("Evaluating Arrow loss batches remotely")
		remote = fc
	}

	srv := NewServer(reg, dev, remote, cfg.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, srv); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Shut down")
}

// serve runs the configured listeners until ctx is done or one of them fails.
func serve(ctx context.Context, cfg config.Config, srv *Server) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.ListenAddr != "" {
		httpServer := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      srv.Routes(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.ListenAddr).Msg("Starting Quiver Server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.FlightAddr != "" {
		flightServer := flight.NewServerWithMiddleware(nil)
		flightServer.RegisterFlightService(NewQuiverFlightServer(srv))
		if err := flightServer.Init(cfg.FlightAddr); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("init Flight server: %w", err)
		}
		g.Go(func() error {
			log.Info().Str("addr", flightServer.Addr().String()).Msg("Starting Quiver Flight Server")
			return flightServer.Serve()
		})
		g.Go(func() error {
			<-gctx.Done()
			flightServer.Shutdown()
			return nil
		})
	}

	return g.Wait()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
