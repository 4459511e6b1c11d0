package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const retryCountHeader = "x-retry-count"

// Kafka is the networked broker backend. Consumer groups already implement
// competing consumers, so this backend supports ModeCompeting only; ack maps
// to an offset commit, nack-with-requeue re-publishes the message and then
// commits, nack-without-requeue commits and drops.
type Kafka struct {
	brokers []string
	groupID string
	logger  *zap.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	closed  bool
	wg      sync.WaitGroup
}

var _ Broker = (*Kafka)(nil)

func NewKafka(brokers []string, groupID string, mode DeliveryMode, logger *zap.Logger) (*Kafka, error) {
	if mode != ModeCompeting {
		return nil, ErrModeUnsupport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{
		brokers: brokers,
		groupID: groupID,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
	}, nil
}

// DeclareQueue creates the topic through the cluster controller. Kafka topics
// are durable by definition. A dial failure here is the startup connectivity
// failure the caller treats as fatal.
func (b *Kafka) DeclareQueue(ctx context.Context, name string) error {
	conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     4,
		ReplicationFactor: 1,
	})
	if err != nil {
		// Already-exists races are fine; the topic is there either way.
		b.logger.Debug("Topic creation info", zap.String("topic", name), zap.Error(err))
	}
	return nil
}

func (b *Kafka) Publish(ctx context.Context, queue string, body []byte, headers map[string]string) (string, error) {
	writer, err := b.writer(queue)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	kh := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kh = append(kh, kafka.Header{Key: k, Value: []byte(v)})
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(id),
		Value:   body,
		Headers: kh,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *Kafka) writer(queue string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	w, ok := b.writers[queue]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(b.brokers...),
			Topic:        queue,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			// The matcher only acks the inbound message once the response
			// publish is confirmed, so WriteMessages must not return before
			// the leader has the record.
			RequiredAcks: kafka.RequireOne,
		}
		b.writers[queue] = w
	}
	return w, nil
}

func (b *Kafka) Subscribe(ctx context.Context, queue string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           b.brokers,
		Topic:             queue,
		GroupID:           b.groupID + "." + queue,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           200 * time.Millisecond,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
	})
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consumeLoop(ctx, queue, reader, h)
	return nil
}

func (b *Kafka) consumeLoop(ctx context.Context, queue string, reader *kafka.Reader, h Handler) {
	defer b.wg.Done()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return
			}
			b.logger.Error("Kafka Fetch Error", zap.String("queue", queue), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		headers := make(map[string]string, len(m.Headers))
		for _, kh := range m.Headers {
			headers[kh.Key] = string(kh.Value)
		}
		retries, _ := strconv.Atoi(headers[retryCountHeader])

		d := &Delivery{
			Message: Message{
				ID:         string(m.Key),
				Queue:      queue,
				Body:       m.Value,
				Headers:    headers,
				EnqueuedAt: m.Time,
				RetryCount: retries,
			},
			settle: b.settler(ctx, queue, reader, m),
		}
		h(ctx, d)
		// A delivery left open stays uncommitted; the group redelivers it
		// after rebalance or restart.
	}
}

func (b *Kafka) settler(ctx context.Context, queue string, reader *kafka.Reader, m kafka.Message) func(ackState) error {
	return func(s ackState) error {
		switch s {
		case stateNackRequeue:
			headers := make(map[string]string, len(m.Headers))
			for _, kh := range m.Headers {
				headers[kh.Key] = string(kh.Value)
			}
			retries, _ := strconv.Atoi(headers[retryCountHeader])
			headers[retryCountHeader] = strconv.Itoa(retries + 1)
			if _, err := b.Publish(ctx, queue, m.Value, headers); err != nil {
				return err
			}
		case stateNackDrop:
			b.logger.Warn("Dropping message", zap.String("queue", queue), zap.ByteString("key", m.Key))
		}
		return reader.CommitMessages(ctx, m)
	}
}

func (b *Kafka) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := b.readers
	writers := b.writers
	b.mu.Unlock()

	var firstErr error
	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}
