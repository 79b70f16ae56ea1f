package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/msgpipe/internal/infra/config"
	"github.com/omochice/msgpipe/internal/infra/logger"
	"github.com/omochice/msgpipe/internal/server"
)

func main() {
	configPath := flag.String("config", "msgpipe.yaml", "Path to the YAML config file")
	addr := flag.String("addr", "", "Address to listen on (overrides server.addr, e.g. :8080)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "msgpipe-server: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "msgpipe-server: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	srv := server.New(cfg.Server.Addr,
		server.WithLogger(log),
		server.WithPath(cfg.Server.Path),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := srv.Start(); err != nil {
		log.Error("server error", "error", err)
		closeLog()
		os.Exit(1)
	}

	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())
	srv.Stop()
}
