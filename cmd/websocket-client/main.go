package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/omochice/msgpipe/internal/infra/config"
	"github.com/omochice/msgpipe/internal/infra/logger"
	"github.com/omochice/msgpipe/internal/transport/dialers"
	"github.com/omochice/msgpipe/internal/wsconn"
	"github.com/omochice/msgpipe/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "msgpipe.yaml", "Path to the YAML config file")
	serverURL := flag.String("server", "", "WebSocket URL (overrides connection.url)")
	path := flag.String("path", "/v1/echo", "Request path for each input line")
	verb := flag.String("verb", http.MethodPut, "Request verb")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *serverURL != "" {
		cfg.Connection.URL = *serverURL
	}

	dialer, err := dialers.New(cfg.Connection, cfg.TLS)
	if err != nil {
		log.Fatalf("Failed to create dialer: %v", err)
	}

	slogger, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer closeLog()

	conn := wsconn.New(cfg.Connection.URL, dialer,
		wsconn.WithLogger(slogger),
		wsconn.WithCredentials(wsconn.StaticCredentials{
			User:     cfg.Credentials.User,
			Password: cfg.Credentials.Password,
			Cookie:   cfg.Credentials.Cookie,
		}),
		wsconn.WithAgent(cfg.Connection.AgentHeader, cfg.Connection.Agent),
		wsconn.WithRequestTimeout(cfg.Connection.RequestTimeout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Connection.HandshakeTimeout)
	st, err := conn.Connect().WaitFor(ctx, wsconn.StateConnected, wsconn.StateDisconnected)
	cancel()
	if err != nil || st != wsconn.StateConnected {
		log.Fatalf("Failed to connect to %s (state %v)", cfg.Connection.URL, st)
	}
	defer conn.Close()

	log.Printf("Connected to %s", cfg.Connection.URL)

	go func() {
		if err := drainInbound(conn, os.Stdout); err != nil {
			log.Printf("Inbound closed: %v", err)
		}
	}()

	var nextID atomic.Uint64
	nextID.Store(uint64(time.Now().UnixMilli()))

	fmt.Printf("Type request bodies for %s %s (or 'quit' to exit):\n", *verb, *path)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if text == "quit" || text == "exit" {
			break
		}

		req := protocol.NewRequest(nextID.Add(1), *verb, *path, []byte(text))
		resp, err := conn.Request(context.Background(), req)
		if err != nil {
			log.Printf("Request failed: %v", err)
			continue
		}
		fmt.Printf("[%d %s]: %s\n", resp.Status, resp.Message, resp.Body)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}

	log.Println("Disconnected from server")
}
