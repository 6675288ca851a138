package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/encoding"
	"github.com/statline/feedsync/stream"
)

func init() {
	stream.RegisterSource(cfg.SourceNATS, func(config cfg.StreamConfiguration) (stream.Source, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats source requires nats_url")
		}
		return NewNatsSource(config.NatsURL, config.SubjectPrefix, config.QueueDepth)
	})
}

// NatsSource consumes change events from NATS JetStream.
// Subjects follow {prefix}.{table}.{scope}; one ordered consumer per
// subscription keeps in-stream delivery order.
type NatsSource struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	prefix     string
	queueDepth int
}

// NewNatsSource connects to NATS and prepares a JetStream context
func NewNatsSource(url, prefix string, queueDepth int) (*NatsSource, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if queueDepth <= 0 {
		queueDepth = 256
	}

	return &NatsSource{nc: nc, js: js, prefix: prefix, queueDepth: queueDepth}, nil
}

// Subscribe opens an ordered JetStream consumer filtered to the
// (table, scope) subject.
func (n *NatsSource) Subscribe(ctx context.Context, filter stream.Filter) (stream.Subscription, error) {
	subject := fmt.Sprintf("%s.%s.%s", n.prefix, filter.Table, filter.ScopeID)
	streamName := sanitizeStreamName(fmt.Sprintf("%s.%s", n.prefix, filter.Table))

	sub := &natsSubscription{
		events: make(chan stream.ChangeEvent, n.queueDepth),
		status: make(chan stream.Status, 8),
	}
	sub.status <- stream.StatusConnecting

	cons, err := n.js.OrderedConsumer(ctx, streamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", subject, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		event, err := decodeEvent(msg.Data())
		if err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Dropping undecodable change event")
			return
		}
		if !filter.MatchOp(event.Op) {
			return
		}
		sub.deliver(event)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.Warn().Err(err).Str("subject", subject).Msg("JetStream consume error")
		sub.reportError()
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer for %s: %w", subject, err)
	}

	sub.cc = cc
	sub.status <- stream.StatusSubscribed

	log.Debug().Str("subject", subject).Msg("NATS subscription established")
	return sub, nil
}

// Close shuts down the NATS connection. Individual subscriptions are
// closed by their owners first; closing the connection stops any stragglers.
func (n *NatsSource) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

type natsSubscription struct {
	cc     jetstream.ConsumeContext
	events chan stream.ChangeEvent
	status chan stream.Status

	// mu serializes deliveries against Close so a late consumer callback
	// can never send on a closed channel.
	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) deliver(event stream.ChangeEvent) {
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

func (s *natsSubscription) reportError() {
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

func (s *natsSubscription) Events() <-chan stream.ChangeEvent {
	return s.events
}

func (s *natsSubscription) Status() <-chan stream.Status {
	return s.status
}

func (s *natsSubscription) Close() error {
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

	if s.cc != nil {
		s.cc.Stop()
	}
	return nil
}

// decodeEvent decodes a framed change event payload
func decodeEvent(data []byte) (stream.ChangeEvent, error) {
	var event stream.ChangeEvent
	if err := encoding.UnmarshalFrame(data, &event); err != nil {
		return stream.ChangeEvent{}, err
	}
	return event, nil
}

// sanitizeStreamName converts a subject prefix to a valid JetStream stream
// name. Stream names cannot contain ".".
func sanitizeStreamName(subject string) string {
	result := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			result[i] = '_'
		} else {
			result[i] = subject[i]
		}
	}
	return string(result)
}
