package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fox-one/ecash"
	"golang.org/x/sync/errgroup"
)

var flags struct {
	configPath string
	dbPath     string
	port       int
}

func init() {
	flag.StringVar(&flags.configPath, "config", "ecash.toml", "config file path")
	flag.StringVar(&flags.dbPath, "db", "", "database path, overrides wallet.data_dir")
	flag.IntVar(&flags.port, "port", 0, "http port, overrides api.listen")

	flag.Parse()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	cfg, err := ecash.LoadConfig(flags.configPath)
	if err != nil {
		slog.Error("load config failed", slog.Any("err", err))
		os.Exit(1)
	}

	if flags.dbPath != "" {
		cfg.Wallet.DataDir = flags.dbPath
	}

	if flags.port > 0 {
		cfg.API.Listen = fmt.Sprintf(":%d", flags.port)
	}

	closeLog := setupLogger(cfg.Log)
	defer closeLog()

	opt := badger.DefaultOptions(cfg.Wallet.DataDir).WithLogger(nil)
	db, err := badger.Open(opt)
	if err != nil {
		slog.Error("open db failed", slog.Any("err", err))
		return
	}
	defer db.Close()

	slog.Info("ecash wallet launch", "ver", "0.01", "bridge", cfg.Wallet.BridgeURL)

	bridge := ecash.NewBridge(cfg.Wallet.BridgeURL)
	events := ecash.NewEventFeed(50)

	opts := cfg.Options()
	opts.Factory = ecash.NewBridgeFactory(bridge)
	opts.Codec = bridge
	opts.Notify = func(e ecash.Event) {
		slog.Info("wallet event", "kind", e.Kind, "amount", e.Amount, "mint", e.IssuerURL)
		events.Push(e)
	}

	wallet, err := ecash.Open(db, opts)
	if err != nil {
		slog.Error("open wallet failed", slog.Any("err", err))
		return
	}
	defer wallet.Close()

	svr := ecash.NewServer(wallet, cfg, events)

	s := &http.Server{
		Addr:    cfg.API.Listen,
		Handler: svr.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", slog.String("addr", s.Addr))
		if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return runGC(ctx, db, time.Minute)
	})

	g.Go(func() error {
		return svr.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("ecash wallet exit", slog.Any("err", err))
	}
}

func runGC(ctx context.Context, db *badger.DB, dur time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dur):
			_ = db.RunValueLogGC(0.7)
		}
	}
}
