// Command notekd hosts notek documents.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samthor/notek/h2"
	"github.com/samthor/notek/server"
	"github.com/samthor/notek/store"
	"github.com/samthor/notek/transport"
	"go.uber.org/zap"
)

const envVarPrefix = "NOTEK"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notekd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("notekd", flag.ContinueOnError)
	var (
		listen        = fs.String("listen", h2.DefaultAddr, "address to serve on")
		dbPath        = fs.String("db", "notek.db", "path of the document database")
		logLevel      = fs.String("log-level", "info", "log level")
		shutdownDelay = fs.Duration("shutdown-delay", server.DefaultShutdownDelay, "how long an idle document stays open")
		rateLimit     = fs.Int("rate-limit", transport.DefaultRateLimit, "inbound frames per second per connection, negative disables")
		pingEvery     = fs.Duration("ping", 30*time.Second, "keep-alive ping interval")
	)

	err := ff.Parse(fs, slices.Clone(os.Args[1:]), ff.WithEnvVarPrefix(envVarPrefix))
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fs.Usage()
			return nil
		}
		return err
	}

	level, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		return err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	log, err := cfg.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", *dbPath, err)
	}
	defer st.Close()

	srv := server.New(server.Options{
		Store:         st,
		Logger:        log,
		Registerer:    prometheus.DefaultRegisterer,
		ShutdownDelay: *shutdownDelay,
		Transport:     transport.Options{RateLimit: *rateLimit, PingEvery: *pingEvery},
	})
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("flush on shutdown failed", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return h2.Serve(ctx, h2.ServeOpts{
		Addr:    *listen,
		Handler: mux,
		OnListen: func(addr net.Addr) {
			log.Info("listening", zap.Stringer("addr", addr), zap.String("db", *dbPath))
		},
	})
}
