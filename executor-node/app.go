package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/zetina-go/zetina/x/config"
	"github.com/zetina-go/zetina/x/executor"
	"github.com/zetina-go/zetina/x/metrics"
	"github.com/zetina-go/zetina/x/overlay"
	"github.com/zetina-go/zetina/x/prover"
	"github.com/zetina-go/zetina/x/runner"
)

// App wires the overlay transport and the executor controller, plus a
// bare metrics endpoint (an executor node has no client-facing API).
type App struct {
	cfg *config.Config
	log zerolog.Logger

	overlay  *overlay.Overlay
	executor *executor.Executor
	metrics  *metrics.Node

	metricsSrv *http.Server
	cancel     context.CancelFunc
}

func NewApp(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log.With().Str("component", "executor-app").Logger()}
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
	identity := a.cfg.Identity.Name
	if identity == "" {
		identity = hex.EncodeToString(crypto.CompressPubkey(&priv.PublicKey))
	}

	for _, bin := range []string{a.cfg.Runner.BinaryPath, a.cfg.Prover.BinaryPath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("external binary %q not found: %w", bin, err)
		}
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

	a.executor = executor.New(executor.Config{
		Overlay:    a.overlay,
		PrivateKey: priv,
		Identity:   identity,
		Runner: runner.New(runner.Config{
			ProgramPath: a.cfg.Runner.ProgramPath,
			BinaryPath:  a.cfg.Runner.BinaryPath,
			Logger:      a.log,
			Metrics:     a.metrics,
		}),
		Prover: prover.New(prover.Config{
			BinaryPath: a.cfg.Prover.BinaryPath,
			Logger:     a.log,
			Metrics:    a.metrics,
		}),
		Logger:  a.log,
		Metrics: a.metrics,
	})

	if a.cfg.Metrics.Enabled {
		r := mux.NewRouter()
		r.Handle(a.cfg.Metrics.Path, a.metrics.Handler()).Methods(http.MethodGet)
		a.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", a.cfg.Metrics.Port),
			Handler: r,
		}
	}

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

	executorErr := make(chan error, 1)
	go func() { executorErr <- a.executor.Run(runCtx) }()

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	return a.runWithGracefulShutdown(runCtx, executorErr)
}

func (a *App) runWithGracefulShutdown(ctx context.Context, executorErr <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a.log.Info().Msg("executor node started")

	select {
	case <-ctx.Done():
		a.log.Info().Msg("context canceled, shutting down")
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-executorErr:
		if err != nil {
			a.log.Error().Err(err).Msg("executor controller exited")
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	return a.shutdown()
}

func (a *App) shutdown() error {
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutdownCtx)
	}
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
