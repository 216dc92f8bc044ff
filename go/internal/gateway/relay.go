package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/events"
)

// RelayConfig configures the optional JetStream event relay. Every event the
// gateway fans out to sockets is mirrored onto the stream so course analytics
// and recording consumers can replay it.
type RelayConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:             nats.DefaultURL,
		StreamName:      "CLASS_EVENTS",
		SubjectPrefix:   "class.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// Relay publishes gateway events to a JetStream stream. A nil *Relay is valid
// and publishes nothing, so the gateway can run without NATS configured.
type Relay struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config RelayConfig
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	opts := []nats.Option{
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

	r := &Relay{nc: nc, js: js, config: cfg}

	if err := r.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return r, nil
}

func (r *Relay) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        r.config.StreamName,
		Description: "Classroom push and attendance event stream",
		Subjects:    []string{fmt.Sprintf("%s.>", r.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      r.config.MaxAge,
		MaxMsgs:     r.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    r.config.Replicas,
		Duplicates:  r.config.DuplicateWindow,
	}

	stream, err := r.js.Stream(ctx, r.config.StreamName)
	if err != nil {
		if _, err = r.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", r.config.StreamName).
			Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if _, err = r.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().
			Str("stream", r.config.StreamName).
			Msg("updated JetStream stream")
	}
	return nil
}

// Publish mirrors one event onto the stream. Scope and scopeID describe the
// socket audience the event was fanned out to ("student"/<id> or "teachers").
// The event ID doubles as the JetStream message ID for duplicate suppression.
func (r *Relay) Publish(ctx context.Context, scope, scopeID string, ev events.Event) error {
	if r == nil {
		return nil
	}

	subject := fmt.Sprintf("%s.%s", r.config.SubjectPrefix, ev.Type)

	env := map[string]interface{}{
		"eventId":   ev.ID,
		"eventType": ev.Type,
		"scope":     scope,
		"scopeId":   scopeID,
		"timestamp": ev.Timestamp,
		"payload":   json.RawMessage(ev.Data),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = r.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(ev.Type)},
			"Event-ID":   []string{ev.ID},
			"Scope":      []string{scope},
		},
	},
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectStream(r.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}
	return nil
}

func (r *Relay) Close() error {
	if r == nil || r.nc == nil {
		return nil
	}
	r.nc.Close()
	return nil
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
