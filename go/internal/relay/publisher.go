// Package relay republishes timer events to NATS JetStream so notification
// consumers (sound, desktop alerts) can react without holding a stream open
// to the server.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	Replicas        int
	DuplicateWindow time.Duration
	PublishTimeout  time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "TIMER_EVENTS",
		SubjectPrefix:   "timers.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
		PublishTimeout:  5 * time.Second,
	}
}

// Envelope is the JSON body of every relayed message
type Envelope struct {
	EventID   string            `json:"eventId"`
	EventType timers.EventType  `json:"eventType"`
	TimerID   string            `json:"timerId"`
	Timestamp time.Time         `json:"timestamp"`
	Timer     timers.TimerState `json:"timer"`
}

// NewEnvelope wraps ev for publication
func NewEnvelope(ev timers.Event) Envelope {
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: ev.Type,
		TimerID:   strconv.FormatInt(ev.TimerID, 10),
		Timestamp: ev.OccurredAt.UTC(),
		Timer:     ev.State,
	}
}

// Subject returns the subject an event type is published on
func Subject(prefix string, typ timers.EventType) string {
	return fmt.Sprintf("%s.%s", prefix, typ)
}

// JetStreamPublisher relays events from its own queue so a slow or
// unreachable NATS server never holds up the manager's dispatcher.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig

	queue   *timers.EventQueue
	publish timers.Handler
}

func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.Name("mytimer-relay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, config: cfg, queue: timers.NewEventQueue()}
	p.publish = p.Publish
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Timer touched/finished notifications",
		Subjects:    []string{fmt.Sprintf("%s.>", p.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}

	if _, err := p.js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("create or update stream: %w", err)
	}
	log.Info().Str("stream", p.config.StreamName).Msg("JetStream stream ready")
	return nil
}

// Attach queues both event types from d for the worker started by Run
func (p *JetStreamPublisher) Attach(d *timers.Dispatcher) {
	enqueue := func(ctx context.Context, ev timers.Event) error {
		p.queue.Push(ev)
		return nil
	}
	d.OnTouched(enqueue)
	d.OnFinished(enqueue)
}

// Run publishes queued events until ctx is cancelled
func (p *JetStreamPublisher) Run(ctx context.Context) {
	worker := timers.NewDispatcher(p.queue)
	worker.OnTouched(p.publish)
	worker.OnFinished(p.publish)

	log.Info().Str("stream", p.config.StreamName).Msg("event relay started")
	worker.Run(ctx)
	log.Info().Int("undelivered", p.queue.Len()).Msg("event relay stopped")
}

// Publish relays one event. It has the timers.Handler signature.
func (p *JetStreamPublisher) Publish(ctx context.Context, ev timers.Event) error {
	env := NewEnvelope(ev)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if p.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()
	}

	subject := Subject(p.config.SubjectPrefix, ev.Type)
	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(ev.Type)},
			"Timer-ID":   []string{env.TimerID},
			"Event-ID":   []string{env.EventID},
		},
	},
		jetstream.WithMsgID(env.EventID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("timer_id", env.TimerID).
		Uint64("sequence", ack.Sequence).
		Msg("published to JetStream")
	return nil
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Drain()
	}
	return nil
}
