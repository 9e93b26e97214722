// Command worker runs a standalone agent Worker bound to AGENT_NAME,
// draining chat:<AGENT_NAME> over the configured bus as a
// consumer-group-bound subscribe loop with graceful shutdown.
//
// A standalone worker only makes sense against a shared bus reachable from
// multiple processes, so BUS_BACKEND must be "nats"; against the
// in-process backend use the gateway binary, which embeds a worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/magent2/runtime/internal/bus"
	"github.com/magent2/runtime/internal/config"
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

	if cfg.BusBackend != "nats" {
		log.Error("worker binary requires BUS_BACKEND=nats; use the gateway binary for in-process mode")
		os.Exit(5)
	}
	if cfg.AgentName == "" {
		log.Error("AGENT_NAME is required")
		os.Exit(5)
	}

	log.Info("starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "magent2-worker", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing")
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	consumer := "worker-" + uuid.Must(uuid.NewV7()).String()

	groupBus, err := bus.Connect(ctx, bus.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log, &bus.GroupOptions{Group: cfg.AgentName, Consumer: consumer})
	if err != nil {
		log.Error("failed to connect to bus")
		os.Exit(3)
	}
	defer groupBus.Close()

	plainBus, err := bus.Connect(ctx, bus.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log, nil)
	if err != nil {
		log.Error("failed to connect to bus for signal sends")
		os.Exit(3)
	}
	defer plainBus.Close()

	sig := signals.New(plainBus, signals.Policy{
		AllowedPrefixes: prefixList(cfg.SignalTopicPrefix),
		MaxPayloadBytes: cfg.SignalPayloadMaxBytes,
	})

	r := buildRunner(cfg)

	w := worker.New(worker.Config{
		AgentName:      cfg.AgentName,
		Consumer:       consumer,
		BlockMs:        cfg.WorkerBlockMs,
		AutoDoneSignal: cfg.OrchestrateAutoDone,
	}, groupBus, r, worker.SignalerFunc(sig.AsWorkerSignaler()), log)

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped unexpectedly")
		os.Exit(1)
	}

	log.Info("worker stopped")
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
