package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/magent2/runtime/pkg/logger"
)

// Config holds NATS connection configuration.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// streamName and subjectPrefix name the single stream carrying every topic
// this runtime defines (chat:, stream:, signal:, control:).
const (
	streamName    = "RUNTIME"
	subjectPrefix = "rt"
)

// NATSBus is the log-structured bus backend: an append-only JetStream
// stream with consumer-group support via durable pull consumers.
type NATSBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
	opts   *GroupOptions

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	pending   map[string]jetstream.Msg // cursor -> unacked message, group mode only
}

// Connect establishes a connection to NATS and ensures the runtime stream
// exists. If opts is non-nil, Read operates in consumer-group mode.
func Connect(ctx context.Context, cfg Config, log *logger.Logger, opts *GroupOptions) (*NATSBus, error) {
	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err))
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		natsOpts = append(natsOpts, nats.Secure(tlsConfig))
	}
	if cfg.Token != "" {
		natsOpts = append(natsOpts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	if _, err := js.Stream(ctx, streamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        streamName,
			Subjects:    []string{subjectPrefix + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Description: "runtime envelope and stream-event log",
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}

	return &NATSBus{
		conn:      nc,
		js:        js,
		logger:    log,
		opts:      opts,
		consumers: make(map[string]jetstream.Consumer),
		pending:   make(map[string]jetstream.Msg),
	}, nil
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}
	return &tls.Config{RootCAs: pool, Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Close closes the underlying NATS connection.
func (b *NATSBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// IsConnected reports whether the underlying connection is live; used by
// the gateway's /ready probe.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func subject(topic string) string {
	return subjectPrefix + "." + sanitizeSubjectToken(topic)
}

// sanitizeSubjectToken maps topic separators (':', '/') that are not valid
// mid-token NATS subject characters onto '.', preserving the uniform topic
// namespace while staying inside NATS subject grammar.
func sanitizeSubjectToken(topic string) string {
	out := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		switch c := topic[i]; c {
		case ':', '/':
			out[i] = '.'
		default:
			out[i] = c
		}
	}
	return string(out)
}

func (b *NATSBus) Publish(ctx context.Context, topic string, id string, payload []byte) (string, error) {
	msg := nats.NewMsg(subject(topic))
	msg.Header.Set("id", id)
	msg.Data = payload

	ack, err := b.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (b *NATSBus) Read(ctx context.Context, topic string, lastCursor string, limit int, blockMs int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if b.opts != nil {
		return b.readGroup(ctx, topic, limit, blockMs)
	}
	return b.readTail(ctx, topic, lastCursor, limit)
}

func (b *NATSBus) readTail(ctx context.Context, topic string, lastCursor string, limit int) ([]Message, error) {
	startSeq := uint64(1)
	if lastCursor != "" {
		seq, err := strconv.ParseUint(lastCursor, 10, 64)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		startSeq = seq + 1
	} else {
		tailSeq, err := b.lastSeq(ctx, topic)
		if err != nil {
			return nil, err
		}
		if tailSeq > uint64(limit) {
			startSeq = tailSeq - uint64(limit) + 1
		}
	}

	consumerName := fmt.Sprintf("tail-%s", sanitizeSubjectToken(topic))
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		FilterSubject: subject(topic),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:   startSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	var out []Message
	for msg := range batch.Messages() {
		out = append(out, b.toMessage(topic, msg))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return out, nil
}

// lastSeq returns the stream sequence of the most recently published
// message on topic, or 0 if topic has never been published to. Used to
// bound an empty-cursor readTail to a recent window instead of the full
// history.
func (b *NATSBus) lastSeq(ctx context.Context, topic string) (uint64, error) {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	msg, err := stream.GetLastMsgForSubject(ctx, subject(topic))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return msg.Sequence, nil
}

func (b *NATSBus) readGroup(ctx context.Context, topic string, limit int, blockMs int) ([]Message, error) {
	consumer, err := b.groupConsumer(ctx, topic)
	if err != nil {
		return nil, err
	}

	wait := time.Duration(blockMs) * time.Millisecond
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	var out []Message
	b.mu.Lock()
	for msg := range batch.Messages() {
		m := b.toMessage(topic, msg)
		b.pending[m.Cursor] = msg
		out = append(out, m)
	}
	b.mu.Unlock()
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return out, nil
}

func (b *NATSBus) groupConsumer(ctx context.Context, topic string) (jetstream.Consumer, error) {
	key := b.opts.Group + "\x00" + topic
	b.mu.Lock()
	if c, ok := b.consumers[key]; ok {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(b.opts.Group, topic),
		FilterSubject: subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       claimTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	b.mu.Lock()
	b.consumers[key] = consumer
	b.mu.Unlock()
	return consumer, nil
}

func durableName(group, topic string) string {
	return fmt.Sprintf("grp-%s-%s", sanitizeSubjectToken(group), sanitizeSubjectToken(topic))
}

func (b *NATSBus) toMessage(topic string, msg jetstream.Msg) Message {
	meta, _ := msg.Metadata()
	cursor := ""
	if meta != nil {
		cursor = strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	id := msg.Headers().Get("id")
	return Message{ID: id, Topic: topic, Payload: msg.Data(), Cursor: cursor}
}

func (b *NATSBus) Ack(ctx context.Context, topic string, cursor string) error {
	if b.opts == nil {
		return nil
	}
	b.mu.Lock()
	msg, ok := b.pending[cursor]
	if ok {
		delete(b.pending, cursor)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return msg.Ack()
}
