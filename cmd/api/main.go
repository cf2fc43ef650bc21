package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"orgpass.org/internal/auth"
	"orgpass.org/internal/config"
	"orgpass.org/internal/credential"
	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/grpcapi"
	"orgpass.org/internal/httpapi"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/obs"
	"orgpass.org/internal/org"
	"orgpass.org/internal/store/memory"
	"orgpass.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backend interface {
	identity.Store
	credential.Store
	org.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(2)
	}
	obs.SetLogger(obs.NewLogger(os.Stdout, cfg.LogLevel))
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg); err != nil {
		obs.Logger().Error("exit", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log := obs.Logger()

	codec, err := fieldcodec.New(cfg.CodecConfig(), fieldcodec.WithDecodeObserver(func(e *fieldcodec.DecodeError) {
		obs.RecordDecodeFailure(e.Reason)
		log.Warn("field_decode_failed", "field", e.Field, "reason", e.Reason, "key_version", e.Version)
	}))
	if err != nil {
		return err
	}

	var (
		store backend
		db    *sql.DB
	)
	if cfg.DatabaseURL != "" {
		pgs, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pgs.Close()
		store, db = pgs, pgs.DB()
	} else {
		log.Warn("ORGPASS_PG_DSN not set, using in-memory store")
		store = memory.New()
	}

	orgs, err := org.NewService(store, codec)
	if err != nil {
		return err
	}
	identities, err := identity.NewService(store, codec, auth.BcryptHasher{}, identity.WithDependents(orgs))
	if err != nil {
		return err
	}
	credentials, err := credential.NewService(store)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenManager(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer), auth.WithAccessTTL(cfg.TokenTTL))
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(probe, version, httpapi.Services{
		Identities:    identities,
		Credentials:   credentials,
		Organizations: orgs,
		Tokens:        tokens,
	},
		httpapi.WithRateLimit(cfg.RatePerSec, cfg.RateBurst),
		httpapi.WithRedeemLimit(cfg.RedeemPerMin),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Only health is registered today and it is public, so the chain has no
	// callers yet. Admin RPCs registered on gsrv inherit it.
	adminChain := auth.NewChain(auth.RequireAuthenticated(tokens, identities), auth.RequireAdmin())
	gsrv, health := grpcapi.NewServer(adminChain, grpcapi.HealthMethods)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go grpcapi.WatchReadiness(ctx, health, probe, 5*time.Second)

	errc := make(chan error, 2)
	go func() {
		log.Info("http_listen", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.Info("grpc_listen", "addr", cfg.GRPCAddr)
		if err := gsrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		stop()
		log.Error("listener_failed", "err", err)
	}
	log.Info("shutting_down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	done := make(chan struct{})
	go func() {
		gsrv.GracefulStop()
		close(done)
	}()
	err = srv.Shutdown(sctx)
	select {
	case <-done:
	case <-sctx.Done():
		gsrv.Stop()
	}
	log.Info("stopped")
	return err
}
