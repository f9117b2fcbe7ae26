package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Queue publishes enrichment jobs to a JetStream work-queue stream and
// consumes them through a durable pull consumer.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   string
	subject  string
	executor *resilience.Executor
	consumer ConsumerOptions
}

type Options struct {
	Stream               string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Consumer             ConsumerOptions
}

// ConsumerOptions controls delivery of enrichment jobs.
type ConsumerOptions struct {
	Durable    string
	Workers    int
	AckWait    time.Duration
	MaxDeliver int
	JobTimeout time.Duration
	NakDelay   time.Duration
	FetchWait  time.Duration
}

func (o ConsumerOptions) normalize() ConsumerOptions {
	if o.Durable == "" {
		o.Durable = "ocr-enricher"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	if o.AckWait <= o.JobTimeout {
		o.AckWait = o.JobTimeout + 30*time.Second
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.NakDelay <= 0 {
		o.NakDelay = 5 * time.Second
	}
	if o.FetchWait <= 0 {
		o.FetchWait = 5 * time.Second
	}
	return o
}

func New(ctx context.Context, url, subject string) (*Queue, error) {
	return NewWithOptions(ctx, url, subject, Options{})
}

func NewWithOptions(ctx context.Context, url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	stream := options.Stream
	if stream == "" {
		stream = "OCR_ENRICH"
	}

	conn, err := nats.Connect(
		url,
		nats.Name("ocr-ingest"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &Queue{
		conn:     conn,
		js:       js,
		stream:   stream,
		subject:  subject,
		executor: options.ResilienceExecutor,
		consumer: options.Consumer.normalize(),
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Healthy reports whether the underlying connection is established.
func (q *Queue) Healthy() bool {
	return q.conn != nil && q.conn.Status() == nats.CONNECTED
}

func (q *Queue) Enqueue(ctx context.Context, job domain.EnrichmentJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal enrichment job: %w", err)
	}

	call := func(ctx context.Context) error {
		if _, err := q.js.Publish(ctx, q.subject, data); err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return publishError(err)
	}
	return nil
}

// Consume runs one fetch loop per configured worker against a durable
// consumer until ctx is cancelled. Each loop holds at most one
// unacknowledged message.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.EnrichmentJob) error) error {
	opts := q.consumer
	stream, err := q.js.Stream(ctx, q.stream)
	if err != nil {
		return fmt.Errorf("lookup stream %s: %w", q.stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: q.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		MaxDeliver:    opts.MaxDeliver,
		MaxAckPending: opts.Workers,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", opts.Durable, err)
	}
	slog.Info("consumer_started", "stream", q.stream, "consumer", opts.Durable, "workers", opts.Workers)

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.fetchLoop(ctx, consumer, opts, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) fetchLoop(
	ctx context.Context,
	consumer jetstream.Consumer,
	opts ConsumerOptions,
	handler func(context.Context, domain.EnrichmentJob) error,
) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(opts.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, nats.ErrTimeout) {
				slog.Warn("consumer_fetch_failed", "error", err)
				sleepCtx(ctx, opts.FetchWait)
			}
			continue
		}
		for msg := range msgs.Messages() {
			if ctx.Err() != nil {
				_ = msg.Nak()
				continue
			}
			handleDelivery(ctx, msg, opts, handler)
		}
	}
}

// delivery is the subset of jetstream.Msg the consumer relies on.
type delivery interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func handleDelivery(
	ctx context.Context,
	msg delivery,
	opts ConsumerOptions,
	handler func(context.Context, domain.EnrichmentJob) error,
) {
	var job domain.EnrichmentJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil || job.FileID == "" {
		slog.Error("consumer_malformed_job", "payload", string(msg.Data()), "error", err)
		_ = msg.Term()
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, opts.JobTimeout)
	err := handler(jobCtx, job)
	cancel()
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Warn("consumer_ack_failed", "file_id", job.FileID, "error", ackErr)
		}
		return
	}

	delivered := uint64(1)
	if meta, metaErr := msg.Metadata(); metaErr == nil && meta != nil {
		delivered = meta.NumDelivered
	}
	delay := opts.NakDelay * time.Duration(delivered)
	slog.Warn("consumer_job_redelivery",
		"file_id", job.FileID,
		"delivered", delivered,
		"delay_ms", delay.Milliseconds(),
		"error", err,
	)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		slog.Warn("consumer_nak_failed", "file_id", job.FileID, "error", nakErr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
