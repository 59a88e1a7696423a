package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsegate/pulsegate/internal/config"
	"github.com/pulsegate/pulsegate/internal/injector"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// A missing file is fine: defaults plus environment apply.
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := injector.Build(ctx, cfg)
	if err != nil {
		fmt.Println("Error building application:", err)
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, os.Kill, syscall.SIGTERM, syscall.SIGINT)

	if err := app.Start(ctx); err != nil {
		fmt.Println("Error starting server:", err)
		os.Exit(1)
	}

	<-stopCh
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("Error stopping server:", err)
	}
}
