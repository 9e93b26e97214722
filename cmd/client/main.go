// Command client is a minimal terminal client for the gateway: it posts a
// message to /send and prints the resulting /stream/{conversation_id}
// events in two modes: one-shot (--message) and a plain line-reading REPL.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magent2/runtime/internal/envelope"
	"github.com/magent2/runtime/internal/retry"
)

type config struct {
	baseURL        string
	conversationID string
	agentName      string
	sender         string
	quiet          bool
	json           bool
	maxEvents      int
	message        string
	timeout        time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(5)
	}

	if cfg.message != "" {
		os.Exit(oneShot(cfg))
	}
	repl(cfg)
}

func parseFlags(args []string) (config, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", envOr("GATEWAY_BASE_URL", "http://localhost:8080"), "gateway base URL")
	conv := fs.String("conv", "conv-"+shortID(), "conversation id")
	agent := fs.String("agent", envOr("AGENT_NAME", "DevAgent"), "target agent name")
	sender := fs.String("sender", defaultSender(), "sender address (user:<id> or agent:<name>)")
	quiet := fs.Bool("quiet", false, "print only the final output line")
	jsonMode := fs.Bool("json", false, "emit one compact JSON object per SSE event")
	maxEvents := fs.Int("max-events", 0, "stop after N SSE events (0 means unbounded)")
	message := fs.String("message", "", "send a single message non-interactively, then exit after final output")
	timeoutSec := fs.Float64("timeout", 60, "timeout in seconds for one-shot mode")

	if err := fs.Parse(args); err != nil {
		return config{}, fmt.Errorf("usage: %w", err)
	}
	if *quiet && *jsonMode {
		return config{}, errors.New("--quiet and --json are mutually exclusive")
	}
	if *maxEvents < 0 {
		return config{}, errors.New("--max-events must not be negative")
	}

	return config{
		baseURL:        *baseURL,
		conversationID: *conv,
		agentName:      *agent,
		sender:         *sender,
		quiet:          *quiet,
		json:           *jsonMode,
		maxEvents:      *maxEvents,
		message:        *message,
		timeout:        time.Duration(*timeoutSec * float64(time.Second)),
	}, nil
}

func defaultSender() string {
	if u := os.Getenv("USER"); u != "" {
		return "user:" + u
	}
	return "user:anonymous"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func shortID() string {
	id := uuid.Must(uuid.NewV7()).String()
	return strings.ReplaceAll(id, "-", "")[:8]
}

// oneShot sends a single message and blocks until the run's terminal
// OutputEvent arrives or cfg.timeout elapses.
func oneShot(cfg config) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	events, err := newStreamer(cfg).start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[client] failed to connect to stream: %v\n", err)
		return 4
	}

	if err := sendMessage(ctx, cfg, cfg.message); err != nil {
		fmt.Fprintf(os.Stderr, "[send] request failed: %v\n", err)
		return 3
	}

	printer := newPrinter(cfg)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				fmt.Fprintln(os.Stderr, "[client] timeout waiting for final output")
				return 2
			}
			printer.handle(evt)
			if _, isOutput := evt.(envelope.OutputEvent); isOutput {
				return 0
			}
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "[client] timeout waiting for final output")
			return 2
		}
	}
}

// repl reads lines from stdin, sends each as a message on cfg.conversationID,
// and prints stream events as they arrive in the background.
func repl(cfg config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := newStreamer(cfg).start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[client] failed to connect to stream: %v\n", err)
		os.Exit(4)
	}

	fmt.Printf("Connected. base=%s conv=%s agent=%s\n", cfg.baseURL, cfg.conversationID, cfg.agentName)
	fmt.Println("Commands: /quit, /help")

	printer := newPrinter(cfg)
	go func() {
		for evt := range events {
			printer.handle(evt)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "/quit":
			return
		case line == "/help":
			fmt.Println("/quit")
		case strings.TrimSpace(line) == "":
			// ignore blank lines
		default:
			fmt.Printf("You> %s\n", line)
			if err := sendMessage(ctx, cfg, line); err != nil {
				fmt.Fprintf(os.Stderr, "[send] request failed: %v\n", err)
			}
		}
	}
}

func sendMessage(ctx context.Context, cfg config, content string) error {
	env := envelope.New(envelope.Envelope{
		ConversationID: cfg.conversationID,
		Sender:         cfg.sender,
		Recipient:      "agent:" + cfg.agentName,
		Type:           envelope.TypeMessage,
		Content:        content,
	})

	body, err := envelope.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	url := strings.TrimRight(cfg.baseURL, "/") + "/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("send returned status %d", resp.StatusCode)
	}
	return nil
}

// streamer holds the /stream/{conversation_id} connection state needed to
// resume across reconnects: the last SSE id seen, echoed back as
// Last-Event-ID on the next connect attempt.
type streamer struct {
	cfg         config
	httpClient  *http.Client
	lastEventID string
}

func newStreamer(cfg config) *streamer {
	return &streamer{cfg: cfg, httpClient: &http.Client{}}
}

func (s *streamer) connectOnce(ctx context.Context) (*http.Response, error) {
	url := strings.TrimRight(s.cfg.baseURL, "/") + "/stream/" + s.cfg.conversationID
	if s.cfg.maxEvents > 0 {
		url += "?max_events=" + strconv.Itoa(s.cfg.maxEvents)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	return resp, nil
}

// readLines consumes SSE lines from resp.Body until it closes or ctx is
// done, decoding "data: " lines and tracking "id: " lines for resume.
func (s *streamer) readLines(ctx context.Context, resp *http.Response, events chan<- envelope.Event) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			s.lastEventID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			evt, err := envelope.UnmarshalEvent([]byte(strings.TrimPrefix(line, "data: ")))
			if err != nil {
				continue
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// start connects once synchronously, so a dead gateway surfaces as an
// error immediately (the client's exit-4 case), then hands the connection
// off to a background goroutine that keeps reconnecting silently on
// transient errors with capped backoff.
func (s *streamer) start(ctx context.Context) (<-chan envelope.Event, error) {
	resp, err := s.connectOnce(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan envelope.Event)
	go func() {
		defer close(events)
		b := retry.New(500*time.Millisecond, 5*time.Second)
		cur := resp
		for {
			if cur == nil {
				var err error
				cur, err = s.connectOnce(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					time.Sleep(b.Next())
					continue
				}
			}
			b.Reset()
			s.readLines(ctx, cur, events)
			cur = nil
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return events, nil
}

// printer renders stream events to stdout according to cfg's output mode.
type printer struct {
	cfg         config
	printedHead bool
}

func newPrinter(cfg config) *printer {
	return &printer{cfg: cfg}
}

func (p *printer) handle(evt envelope.Event) {
	if p.cfg.json {
		raw, err := envelope.MarshalEvent(evt)
		if err == nil {
			fmt.Println(compactJSON(raw))
		}
		return
	}

	switch e := evt.(type) {
	case envelope.OutputEvent:
		if p.cfg.quiet {
			fmt.Println(e.Text)
			return
		}
		if p.printedHead {
			fmt.Println()
		}
		fmt.Printf("AI> %s\n", e.Text)
		p.printedHead = false
	case envelope.TokenEvent:
		if p.cfg.quiet {
			return
		}
		if !p.printedHead {
			fmt.Print("AI> ")
			p.printedHead = true
		}
		fmt.Print(e.Text)
	case envelope.ToolStepEvent:
		if p.cfg.quiet {
			return
		}
		fmt.Println()
		if e.ResultSummary != nil {
			fmt.Printf("[tool] %s: %s\n", e.Name, *e.ResultSummary)
		} else {
			fmt.Printf("[tool] call -> %s\n", e.Name)
		}
	case envelope.LogEvent:
		if p.cfg.quiet {
			return
		}
		fmt.Printf("[log][%s] %s: %s\n", strings.ToUpper(e.Level), e.Component, e.Message)
	}
}

func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
