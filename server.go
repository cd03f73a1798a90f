package ecash

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

type Server struct {
	wallet *Wallet
	cfg    *Config
	events *EventFeed
}

func NewServer(
	wallet *Wallet,
	cfg *Config,
	events *EventFeed,
) Server {
	return Server{
		wallet: wallet,
		cfg:    cfg,
		events: events,
	}
}

// Run initialises the selected issuer and drives both monitors until ctx is
// done.
func (s *Server) Run(ctx context.Context) error {
	if s.wallet.Ready() {
		if err := s.wallet.Init(ctx); err != nil {
			slog.Warn("init wallet", slog.Any("err", err))
		}
	} else {
		slog.Warn("seed phrase backup not confirmed, money operations are disabled")
	}

	var g errgroup.Group

	g.Go(func() error {
		return s.wallet.Quotes.Run(ctx)
	})

	g.Go(func() error {
		return s.wallet.Sends.Run(ctx)
	})

	return g.Wait()
}
