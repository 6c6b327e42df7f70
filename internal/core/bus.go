package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bus subjects and streams.
const (
	PredictionsStream  = "THREAT_PREDICTIONS"
	AlertsStream       = "THREAT_ALERTS"
	PredictionsSubject = "threat.predictions"
	AlertsSubject      = "threat.alerts"
)

// EventBus wraps NATS JetStream for prediction and alert fan-out.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus performance counters.
type BusMetrics struct {
	mu                   sync.Mutex
	PredictionsPublished int64
	PublishFailed        int64
	AlertsPublished      int64
	MessagesAcked        int64
	MessagesNaked        int64
}

// NewEventBus connects to NATS. If cfg.Embedded is true it first starts an
// in-process server with JetStream; a Port of -1 picks a random port.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		metrics: &BusMetrics{},
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("threatwatch-"+cfg.ClusterID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      PredictionsStream,
			Subjects:  []string{PredictionsSubject + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 7,
			MaxBytes:  1024 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      AlertsStream,
			Subjects:  []string{AlertsSubject + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30,
			MaxBytes:  512 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if err := bus.ensureStream(sc); err != nil {
			bus.Close()
			return nil, err
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ensureStream creates the stream or, when it exists with an older
// configuration, updates it in place.
func (b *EventBus) ensureStream(sc *nats.StreamConfig) error {
	_, err := b.js.AddStream(sc)
	if err == nil {
		return nil
	}
	if _, updateErr := b.js.UpdateStream(sc); updateErr != nil {
		return fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
	}
	return nil
}

// JetStream exposes the JetStream context for KeyValue consumers.
func (b *EventBus) JetStream() nats.JetStreamContext {
	return b.js
}

// PublishPrediction publishes a scored record on threat.predictions.<model>.
func (b *EventBus) PublishPrediction(ev *PredictionEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling prediction: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", PredictionsSubject, ev.ModelType)
	if _, err := b.js.Publish(subject, data); err != nil {
		b.count(func(m *BusMetrics) { m.PublishFailed++ })
		return fmt.Errorf("publishing prediction to %s: %w", subject, err)
	}
	b.count(func(m *BusMetrics) { m.PredictionsPublished++ })
	return nil
}

// PublishAlert publishes an alert on threat.alerts.<model>.<severity>.
func (b *EventBus) PublishAlert(alert *Alert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", AlertsSubject, alert.ModelType, alert.Severity.String())
	if _, err := b.js.Publish(subject, data); err != nil {
		b.count(func(m *BusMetrics) { m.PublishFailed++ })
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}
	b.count(func(m *BusMetrics) { m.AlertsPublished++ })

	b.logger.Debug().
		Str("alert_id", alert.ID).
		Str("subject", subject).
		Msg("alert published")
	return nil
}

// Subscribe creates a durable subscription to a subject pattern. The handler
// returns false to Nak the message for redelivery.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg) bool) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if handler(msg) {
			_ = msg.Ack()
			b.count(func(m *BusMetrics) { m.MessagesAcked++ })
			return
		}
		_ = msg.Nak()
		b.count(func(m *BusMetrics) { m.MessagesNaked++ })
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

func (b *EventBus) count(fn func(*BusMetrics)) {
	b.metrics.mu.Lock()
	fn(b.metrics)
	b.metrics.mu.Unlock()
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"predictions_published": b.metrics.PredictionsPublished,
		"publish_failed":        b.metrics.PublishFailed,
		"alerts_published":      b.metrics.AlertsPublished,
		"messages_acked":        b.metrics.MessagesAcked,
		"messages_naked":        b.metrics.MessagesNaked,
	}
}
