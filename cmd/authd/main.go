package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"rotor.dev/internal/app"
	"rotor.dev/internal/config"
	"rotor.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		configPath = pflag.String("config", os.Getenv("ROTOR_CONFIG"), "path to YAML config file")
		logLevel   = pflag.String("log-level", "info", "minimum log level")
		noSweeper  = pflag.Bool("no-sweeper", false, "disable the in-process cleanup ticker")
	)
	pflag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()
	if err := obs.SetLevel(*logLevel); err != nil {
		log.Fatal("invalid log level", zap.Error(err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		log.Fatal("assemble service", zap.Error(err))
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.API.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		grpcServer = a.RPC.NewGRPCServer()
		go a.RPC.WatchHealth(ctx, 0)
		go func() {
			log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("grpc serve", zap.Error(err))
				stop()
			}
		}()
	}

	if !*noSweeper {
		go a.Service.Sweeper().Run(ctx, cfg.CleanupInterval)
	}

	go func() {
		log.Info("starting rotor-authd",
			zap.String("version", version),
			zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// SSE subscribers end with the request context; Shutdown waits for them.
	_ = srv.Shutdown(shutdownCtx)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	log.Info("stopped")
}
