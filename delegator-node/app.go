package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	apisrv "github.com/zetina-go/zetina/server/api"
	apimw "github.com/zetina-go/zetina/server/api/middleware"
	"github.com/zetina-go/zetina/x/config"
	"github.com/zetina-go/zetina/x/delegator"
	"github.com/zetina-go/zetina/x/metrics"
	"github.com/zetina-go/zetina/x/overlay"
)

// App wires the overlay transport, the delegator controller, and the
// client-facing HTTP façade into one process.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	overlay    *overlay.Overlay
	delegator  *delegator.Delegator
	metrics    *metrics.Node
	httpServer *apisrv.Server

	cancel context.CancelFunc
}

func NewApp(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log.With().Str("component", "delegator-app").Logger()}
	if err := a.initialize(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) initialize() error {
	priv, err := loadOrGenerateKey(a.cfg.Identity.PrivateKeyHex, a.log)
	if err != nil {
		return fmt.Errorf("load identity key: %w", err)
	}

	a.metrics = metrics.NewNode()

	a.overlay = overlay.New(overlay.Config{
		ListenAddr: a.cfg.Overlay.ListenAddr,
		PrivateKey: priv,
		Logger:     a.log,
		Metrics:    a.metrics,
		Timeouts: overlay.Timeouts{
			Dial:  a.cfg.Overlay.DialTimeout,
			Read:  a.cfg.Overlay.ReadTimeout,
			Write: a.cfg.Overlay.WriteTimeout,
		},
	})

	a.delegator = delegator.New(delegator.Config{
		Overlay:    a.overlay,
		PrivateKey: priv,
		Logger:     a.log,
		Window:     a.cfg.Auction.Window,
		Metrics:    a.metrics,
	})

	apiCfg := apisrv.Config{
		ListenAddr:        a.cfg.API.ListenAddr,
		ReadHeaderTimeout: a.cfg.API.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.API.ReadTimeout,
		WriteTimeout:      a.cfg.API.WriteTimeout,
		IdleTimeout:       a.cfg.API.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	srv := apisrv.NewServer(apiCfg, a.log)
	srv.Use(apimw.RequestID())
	srv.Use(apimw.Logger(a.log))
	srv.Use(apimw.Recover(a.log))

	apisrv.NewDelegateHandler(a.delegator, a.log).RegisterMux(srv.Router)
	if a.cfg.Metrics.Enabled {
		srv.Router.Handle(a.cfg.Metrics.Path, a.metrics.Handler()).Methods(http.MethodGet)
	}
	a.httpServer = srv

	return nil
}

func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.overlay.Start(); err != nil {
		return fmt.Errorf("start overlay: %w", err)
	}
	// these are just the seed peers; the overlay grows the mesh itself
	// from there via dial-on-subscribe announcements on Networking.
	for _, addr := range a.cfg.Overlay.DialAddresses {
		if err := a.overlay.Dial(addr); err != nil {
			a.log.Warn().Err(err).Str("addr", addr).Msg("failed to dial bootstrap peer")
		}
	}

	delegatorErr := make(chan error, 1)
	go func() { delegatorErr <- a.delegator.Run(runCtx) }()

	go func() {
		if err := a.httpServer.Start(runCtx); err != nil {
			a.log.Error().Err(err).Msg("HTTP API server error")
		}
	}()

	return a.runWithGracefulShutdown(runCtx, delegatorErr)
}

func (a *App) runWithGracefulShutdown(ctx context.Context, delegatorErr <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a.log.Info().Msg("delegator node started")

	select {
	case <-ctx.Done():
		a.log.Info().Msg("context canceled, shutting down")
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-delegatorErr:
		if err != nil {
			a.log.Error().Err(err).Msg("delegator controller exited")
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	return a.shutdown()
}

func (a *App) shutdown() error {
	if err := a.overlay.Stop(); err != nil {
		a.log.Error().Err(err).Msg("overlay shutdown error")
	}
	return nil
}

func loadOrGenerateKey(hexKey string, log zerolog.Logger) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		log.Warn().Str("public_key", hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))).
			Msg("no identity.private_key_hex configured, generated an ephemeral key")
		return key, nil
	}
	return crypto.HexToECDSA(hexKey)
}
