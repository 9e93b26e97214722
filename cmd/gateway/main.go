// Command gateway runs the HTTP ingress/egress server: POST /send and
// GET /stream/{conversation_id}.
//
// When BUS_BACKEND is not "nats" the gateway uses the in-process bus and,
// since that bus is only reachable within one process, also runs an
// embedded Worker against the configured AGENT_NAME, collapsing gateway
// and worker into one binary for local development and testing.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/config"
	"github.com/magent2/runtime/internal/gateway"
	"github.com/magent2/runtime/internal/llm"
	"github.com/magent2/runtime/internal/runner"
	"github.com/magent2/runtime/internal/signals"
	"github.com/magent2/runtime/internal/worker"
	"github.com/magent2/runtime/pkg/logger"
	"github.com/magent2/runtime/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "magent2-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing")
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	b, pinger, store, closeBus, err := newBus(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize bus")
		os.Exit(3)
	}
	defer closeBus()

	if store != nil {
		runEmbeddedWorker(ctx, cfg, store, log)
	}

	router := gateway.NewRouter(gateway.Config{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, b, pinger, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway forced to shutdown")
	}

	log.Info("gateway stopped")
}

// newBus returns the configured Bus, an optional Pinger for /ready, the
// backing *bus.Store when the in-process backend is selected (nil for
// NATS), and a close function.
func newBus(ctx context.Context, cfg *config.Config, log *logger.Logger) (bus.Bus, gateway.Pinger, *bus.Store, func(), error) {
	if cfg.BusBackend == "nats" {
		natsBus, err := bus.Connect(ctx, bus.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log, nil)
		if err != nil {
			return nil, nil, nil, func() {}, err
		}
		return natsBus, natsBus, nil, natsBus.Close, nil
	}

	store := bus.NewStore()
	return bus.NewView(store, nil), nil, store, func() {}, nil
}

// runEmbeddedWorker starts a Worker bound to cfg.AgentName over store in a
// background goroutine, using whichever Runner the configured API keys
// support.
func runEmbeddedWorker(ctx context.Context, cfg *config.Config, store *bus.Store, log *logger.Logger) {
	groupBus := bus.NewView(store, &bus.GroupOptions{Group: cfg.AgentName, Consumer: "gateway-embedded"})
	r := buildRunner(cfg)
	sig := signals.New(bus.NewView(store, nil), signals.Policy{
		AllowedPrefixes: prefixList(cfg.SignalTopicPrefix),
		MaxPayloadBytes: cfg.SignalPayloadMaxBytes,
	})

	w := worker.New(worker.Config{
		AgentName:      cfg.AgentName,
		Consumer:       "gateway-embedded",
		BlockMs:        cfg.WorkerBlockMs,
		AutoDoneSignal: cfg.OrchestrateAutoDone,
	}, groupBus, r, worker.SignalerFunc(sig.AsWorkerSignaler()), log)

	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("embedded worker stopped unexpectedly")
		}
	}()
}

func buildRunner(cfg *config.Config) runner.Runner {
	var client llm.Client
	var err error
	if cfg.AnthropicAPIKey != "" {
		client, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	} else if cfg.OpenAIAPIKey != "" {
		client, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	}
	if client == nil || err != nil {
		return runner.EchoRunner{}
	}
	return runner.NewLLMRunner(client, cfg.LLMModel, cfg.LLMSystemPrompt)
}

func prefixList(raw string) []string {
	if raw == "" {
		return nil
	}
	return []string{raw}
}
