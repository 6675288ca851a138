package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/stream"
)

func init() {
	stream.RegisterSource(cfg.SourceKafka, func(config cfg.StreamConfiguration) (stream.Source, error) {
		if len(config.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka source requires at least one broker address")
		}
		return NewKafkaSource(config.KafkaBrokers, config.SubjectPrefix, config.QueueDepth), nil
	})
}

// KafkaSource consumes change events from Kafka. Topics carry one table
// each ({prefix}.{table}); every subscriber reads the whole topic and
// filters down to its own scope, so a glob filter discards foreign events
// before they reach the subscription buffer.
type KafkaSource struct {
	brokers    []string
	prefix     string
	queueDepth int
}

// NewKafkaSource creates a Kafka-backed change stream source
func NewKafkaSource(brokers []string, prefix string, queueDepth int) *KafkaSource {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &KafkaSource{brokers: brokers, prefix: prefix, queueDepth: queueDepth}
}

// Subscribe starts a reader goroutine on the table's topic.
func (k *KafkaSource) Subscribe(ctx context.Context, filter stream.Filter) (stream.Subscription, error) {
	topic := fmt.Sprintf("%s.%s", k.prefix, filter.Table)

	tableFilter, err := stream.NewGlobFilter([]string{filter.Table}, scopePatterns(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to build topic filter: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		StartOffset: kafka.LastOffset, // Live tail; history comes from the baseline fetch
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})

	readerCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{
		reader: reader,
		cancel: cancel,
		events: make(chan stream.ChangeEvent, k.queueDepth),
		status: make(chan stream.Status, 8),
	}
	sub.status <- stream.StatusConnecting
	sub.status <- stream.StatusSubscribed

	go sub.readLoop(readerCtx, filter, tableFilter, topic)

	log.Debug().Str("topic", topic).Msg("Kafka subscription established")
	return sub, nil
}

// Close is a no-op; readers are owned by their subscriptions.
func (k *KafkaSource) Close() error {
	return nil
}

func scopePatterns(filter stream.Filter) []string {
	if filter.ScopeID == "" {
		return nil
	}
	return []string{filter.ScopeID}
}

type kafkaSubscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	events chan stream.ChangeEvent
	status chan stream.Status

	mu     sync.Mutex
	closed bool
}

func (s *kafkaSubscription) readLoop(ctx context.Context, filter stream.Filter, tableFilter *stream.GlobFilter, topic string) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Closed by owner
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			s.reportError()
			return
		}

		event, err := decodeEvent(msg.Value)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Dropping undecodable change event")
			continue
		}

		if !tableFilter.Match(event.Table, event.ScopeID) || !filter.MatchOp(event.Op) {
			continue
		}

		s.deliver(event)
	}
}

func (s *kafkaSubscription) deliver(event stream.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	event.ReceivedAt = time.Now()
	select {
	case s.events <- event:
	default:
		log.Warn().Str("table", event.Table).Msg("Subscriber event buffer full, dropping event")
	}
}

func (s *kafkaSubscription) reportError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.status <- stream.StatusError:
	default:
	}
}

func (s *kafkaSubscription) Events() <-chan stream.ChangeEvent {
	return s.events
}

func (s *kafkaSubscription) Status() <-chan stream.Status {
	return s.status
}

func (s *kafkaSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	select {
	case s.status <- stream.StatusClosed:
	default:
	}
	close(s.status)
	close(s.events)
	s.mu.Unlock()

	s.cancel()
	return s.reader.Close()
}
