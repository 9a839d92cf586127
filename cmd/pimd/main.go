package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"pimhelper.org/internal/app"
	"pimhelper.org/internal/config"
	"pimhelper.org/internal/obs"
)

var (
	version = "0.3.0"
	commit  = ""
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (default $PIM_CONFIG)")
	httpAddr := pflag.String("http-addr", "", "override server.http_addr")
	grpcAddr := pflag.String("grpc-addr", "", "override server.grpc_addr")
	logLevel := pflag.String("log-level", "", "override log.level")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("pimd", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.SetLevel(cfg.Log.Level)
	obs.InitBuildInfo(version, commit, cfg.Auth.Flow)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		obs.Error("pimd stopped with error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	obs.Info("pimd stopped", nil)
}
