package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/msgpipe/internal/command"
	"github.com/omochice/msgpipe/internal/health"
	"github.com/omochice/msgpipe/internal/infra/config"
	"github.com/omochice/msgpipe/internal/infra/logger"
	"github.com/omochice/msgpipe/internal/infra/tracer"
	"github.com/omochice/msgpipe/internal/reachability"
	"github.com/omochice/msgpipe/internal/supervisor"
	"github.com/omochice/msgpipe/internal/transport/dialers"
	"github.com/omochice/msgpipe/internal/wsconn"
	"github.com/omochice/msgpipe/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "msgpipe.yaml", "Path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "msgpipe: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	dialer, err := dialers.New(cfg.Connection, cfg.TLS)
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(log)
	monitor.OnAuthError(func(status uint16) {
		log.Warn("request rejected by server", "status", status)
	})

	router := command.NewDefaultRouter(log, command.Handlers{
		Location: func(_ context.Context, f protocol.Frame) error {
			log.Info("location command", "bytes", len(f.Body))
			return nil
		},
		StateSync: func(_ context.Context, f protocol.Frame) error {
			log.Info("state sync command", "bytes", len(f.Body))
			return nil
		},
	})

	creds := newReloadableCredentials(cfg.Credentials)
	env := cfg.Environment
	sup := supervisor.New(cfg.Connection.URL, dialer, router,
		supervisor.WithLogger(log),
		supervisor.WithConditions(supervisor.Conditions{
			Registered:       env.Registered,
			Foreground:       env.Foreground,
			PushEnabled:      env.PushEnabled,
			NetworkAvailable: true,
			Censored:         env.Censored,
			ProxyEnabled:     env.ProxyEnabled,
		}),
		supervisor.WithReadTimeout(cfg.Supervisor.ReadTimeout),
		supervisor.WithBackoff(cfg.Supervisor.BackoffInitial, cfg.Supervisor.BackoffMax),
		supervisor.WithEnvelopeProcessor(supervisor.EnvelopeFunc(func(_ context.Context, f protocol.Frame) error {
			log.Info("envelope received", "id", f.ID, "command", f.Command, "bytes", len(f.Body))
			return nil
		})),
		supervisor.WithAuthFailureHandler(func() {
			log.Error("credentials rejected, update them and send SIGHUP")
		}),
		supervisor.OnDrained(func() {
			log.Info("caught up with server queue", "keepalives", monitor.Snapshot().Keepalives)
		}),
		supervisor.WithConnectionOptions(
			wsconn.WithCredentials(creds),
			wsconn.WithAgent(cfg.Connection.AgentHeader, cfg.Connection.Agent),
			wsconn.WithRequestTimeout(cfg.Connection.RequestTimeout),
			wsconn.WithKeepalive(cfg.Connection.KeepaliveInterval, cfg.Connection.MaxMissedKeepalives),
			wsconn.WithHealthMonitor(monitor),
			wsconn.WithConnectivityListener(func(connected bool) {
				log.Info("connectivity changed", "connected", connected)
			}),
		),
	)

	if cfg.Reachability.Enabled {
		address := cfg.Reachability.Address
		if address == "" {
			address, err = reachability.AddressFromURL(cfg.Connection.URL)
			if err != nil {
				return err
			}
		}
		reachability.New(address, cfg.Reachability.Interval, cfg.Reachability.Timeout, func(available bool) {
			sup.Notify(supervisor.Event{Kind: supervisor.EventNetwork, Value: available})
		}, log).Start(ctx)
	}

	go handleSignals(ctx, sup, creds, configPath, log)

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("client stopped")
	return nil
}

// handleSignals toggles the foreground flag on SIGUSR1. SIGHUP re-reads the
// credentials from configPath and retries only when they changed.
func handleSignals(ctx context.Context, sup *supervisor.Supervisor, creds *reloadableCredentials, configPath string, log *slog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				foreground := !sup.Conditions().Foreground
				log.Info("toggling foreground", "foreground", foreground)
				sup.Notify(supervisor.Event{Kind: supervisor.EventForeground, Value: foreground})
			case syscall.SIGHUP:
				changed, err := creds.Reload(configPath)
				if err != nil {
					log.Error("reload credentials", "error", err)
					continue
				}
				if !changed {
					log.Info("credentials unchanged")
					continue
				}
				log.Info("credentials reloaded")
				sup.Notify(supervisor.Event{Kind: supervisor.EventCredentials})
			}
		}
	}
}
