package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/friendsincode/skald/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	SubjectPrefix string // e.g. "skald.events"
	StreamName    string // JetStream stream capturing the subjects, empty skips setup
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "skald.events",
		StreamName:    "SKALD_EVENTS",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus mirrors the local event stream over NATS. When the server
// has JetStream, the stream retains a day of events for consumers
// that poll instead of listening live.
type NATSBus struct {
	relay
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
	cancel context.CancelFunc

	streamOnce sync.Once
}

// NewNATSBus creates the bridge. The client keeps retrying in the
// background, so a server that is down at boot is picked up later;
// publishes are buffered across reconnects.
func NewNATSBus(cfg NATSConfig, local *events.Bus, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "eventbus_nats").Logger()

	nb := &NATSBus{
		relay:  relay{local: local, nodeID: NewNodeID(), logger: logger},
		prefix: cfg.SubjectPrefix,
	}

	opts := []nats.Option{
		nats.Name("skald " + nb.nodeID),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")
			nb.setupStream(nc, cfg)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Warn().Err(err).Str("url", cfg.URL).Msg("NATS unavailable, events stay local")
		return nb, nil
	}
	nb.conn = conn

	if conn.IsConnected() {
		nb.setupStream(conn, cfg)
	}

	msgs := make(chan *nats.Msg, 256)
	sub, err := conn.ChanSubscribe(nb.prefix+".>", msgs)
	if err != nil {
		logger.Error().Err(err).Msg("NATS subscribe failed, events stay local")
		conn.Close()
		nb.conn = nil
		return nb, nil
	}
	nb.sub = sub

	ctx, cancel := context.WithCancel(context.Background())
	nb.cancel = cancel

	nb.wg.Add(2)
	go nb.receive(ctx, msgs)
	go nb.forward(ctx, nb.send)

	logger.Info().Str("url", cfg.URL).Str("node_id", nb.nodeID).Msg("NATS event bridge up")
	return nb, nil
}

// setupStream creates the JetStream stream once a server is reachable.
// Core pub/sub works either way, the stream only adds retention.
func (nb *NATSBus) setupStream(conn *nats.Conn, cfg NATSConfig) {
	if cfg.StreamName == "" {
		return
	}
	nb.streamOnce.Do(func() {
		js, err := conn.JetStream(nats.MaxWait(2 * time.Second))
		if err != nil {
			nb.logger.Warn().Err(err).Msg("JetStream unavailable, events will not be retained")
			return
		}
		if _, err := js.StreamInfo(cfg.StreamName); err == nil {
			return
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: []string{cfg.SubjectPrefix + ".>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			nb.logger.Warn().Err(err).Msg("JetStream stream setup failed, events will not be retained")
			return
		}
		nb.logger.Info().Str("stream", cfg.StreamName).Msg("JetStream stream ready")
	})
}

func (nb *NATSBus) send(eventType events.EventType, msg *busMessage) error {
	data, err := msg.encode()
	if err != nil {
		return err
	}
	return nb.conn.PublishMsg(&nats.Msg{
		Subject: nb.prefix + "." + string(eventType),
		Data:    data,
		Header:  nats.Header{"Nats-Msg-Id": []string{msg.MessageID}},
	})
}

func (nb *NATSBus) receive(ctx context.Context, msgs <-chan *nats.Msg) {
	defer nb.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			decoded, err := decodeMessage(m.Data)
			if err != nil {
				nb.logger.Error().Err(err).Str("subject", m.Subject).Msg("bad message on NATS subject")
				continue
			}
			nb.inject(decoded)
		}
	}
}

// Close drains the connection so buffered events flush before exit.
func (nb *NATSBus) Close() error {
	if nb.cancel != nil {
		nb.cancel()
	}
	if nb.sub != nil {
		nb.sub.Unsubscribe()
	}
	nb.wg.Wait()
	if nb.conn == nil {
		return nil
	}
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return err
	}
	return nil
}
