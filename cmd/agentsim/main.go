// Command agentsim runs a local stand-in for the voice agent backend. It
// answers session start requests and holds scripted conversations over the
// websocket transport, which is enough to try supportvoice end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/supportvoice/internal/agentsim"
	"github.com/MrWong99/supportvoice/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:8088", "listen address")
	rate := flag.Int("sample-rate", 24000, "sample rate announced to clients, in Hz")
	apiKey := flag.String("api-key", os.Getenv("AGENTSIM_API_KEY"), "required x-api-key value (empty accepts any)")
	utterance := flag.Int("utterance-frames", 8, "inbound audio frames per user turn")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := agentsim.New(agentsim.Config{
		SampleRate:      *rate,
		APIKey:          *apiKey,
		UtteranceFrames: *utterance,
		Logger:          logger,
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(sim),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("agent simulator listening",
		"addr", *addr,
		"control_url", "http://"+*addr+agentsim.StartPath,
		"sample_rate", *rate,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
	return 0
}
