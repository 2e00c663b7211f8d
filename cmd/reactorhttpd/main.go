// Command reactorhttpd is a minimal demo binary wiring a server.Connector
// to a handful of sample routes: a plain response exercising keep-alive,
// a streamed chunked response, and a WebSocket echo endpoint exercising
// pkg/upgrade. It exists to drive the engine end-to-end, not as a
// production entry point.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/reactorhttp/pkg/http11"
	"github.com/yourusername/reactorhttp/pkg/pool"
	"github.com/yourusername/reactorhttp/pkg/server"
	"github.com/yourusername/reactorhttp/pkg/upgrade"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	idleTimeout := flag.Duration("idle-timeout", 120*time.Second, "connection idle timeout")
	maxConns := flag.Int("max-conns", 0, "maximum concurrent connections (0 = unbounded)")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	logger := newLogger(*logFormat)

	cfg := server.DefaultConfig()
	cfg.Addr = *addr
	cfg.IdleTimeout = *idleTimeout
	cfg.MaxConcurrentConnections = *maxConns
	cfg.EnableStats = true
	cfg.Logger = logger
	cfg.Handler = router(logger)

	connector := server.NewConnector(cfg)

	logger.Info("reactorhttpd starting",
		"addr", *addr,
		"idle_timeout", *idleTimeout,
		"max_conns", *maxConns,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- connector.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("connector exited", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := connector.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		<-serveErr
	}

	stats := connector.Stats()
	logger.Info("reactorhttpd stopped",
		"total_connections", stats.TotalConnections.Load(),
		"total_requests", stats.TotalRequests.Load(),
		"connection_errors", stats.ConnectionErrors.Load(),
	)
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func router(logger *slog.Logger) server.Handler {
	return server.HandlerFunc(func(ex *http11.Exchange) {
		req := ex.Request()
		switch {
		case upgrade.IsUpgradeRequest(req) && req.Path() == "/echo":
			serveEcho(ex, logger)
		case req.Path() == "/stream":
			serveStream(ex)
		default:
			serveHello(ex)
		}
	})
}

func serveHello(ex *http11.Exchange) {
	ex.SetHeader("Content-Type", "text/plain; charset=utf-8")
	ex.Write([]byte("hello from reactorhttpd\n"))
}

// serveStream writes the response body across several Write calls,
// exercising the chunked-transfer path (no Content-Length is set). Each
// chunk is built in a pooled content buffer rather than a literal, the
// same scratch-buffer discipline a handler streaming real payloads
// (file slices, encoded records) would use.
func serveStream(ex *http11.Exchange) {
	ex.SetHeader("Content-Type", "text/plain; charset=utf-8")
	for i := 0; i < 3; i++ {
		chunk := pool.GetContent(len("chunk\n"))
		chunk = append(chunk, "chunk\n"...)
		_, err := ex.Write(chunk)
		pool.PutContent(chunk)
		if err != nil {
			return
		}
	}
}

// serveEcho upgrades the connection and echoes back every text or
// binary message it receives until the peer closes or an error occurs.
func serveEcho(ex *http11.Exchange, logger *slog.Logger) {
	conn, err := upgrade.Upgrade(ex)
	if err != nil {
		ex.SetStatus(400, "Bad Request")
		return
	}

	go func() {
		defer conn.Close(1000, "")
		for {
			opcode, msg, err := conn.ReadMessage()
			if err != nil {
				if err != upgrade.ErrConnClosed {
					logger.Warn("echo: read failed", "error", err)
				}
				return
			}
			if err := conn.WriteMessage(opcode, msg); err != nil {
				logger.Warn("echo: write failed", "error", err)
				return
			}
		}
	}()
}
