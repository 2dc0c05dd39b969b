// Package bus shares fanout deliveries between gateway nodes over NATS core subjects.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Handler func(core.BusMessage)

type NATS struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
}

func Connect(c config.NATS, name string) (*NATS, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "adapters.bus").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "adapters.bus").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(c.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "nats connect %s", c.URL)
	}
	subject := c.Subject
	if subject == "" {
		subject = "whisper.fanout"
	}
	return &NATS{nc: nc, subject: subject}, nil
}

func (b *NATS) Publish(_ context.Context, m core.BusMessage) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return errors.Wrap(b.nc.Publish(b.subject, data), "nats publish")
}

// Subscribe starts delivering messages from every node, including this one;
// the handler is expected to skip its own origin.
func (b *NATS) Subscribe(h Handler) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		m, err := Decode(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.bus").Msg("drop malformed bus message")
			return
		}
		h(m)
	})
	if err != nil {
		return errors.Wrapf(err, "nats subscribe %s", b.subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	b.sub = sub
	return nil
}

func (b *NATS) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

func Encode(m core.BusMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	return data, errors.Wrap(err, "encode bus message")
}

func Decode(data []byte) (core.BusMessage, error) {
	var m core.BusMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.Wrap(err, "decode bus message")
	}
	if m.Origin == "" || len(m.Frame) == 0 || (m.Room == "" && m.User == 0) {
		return m, errors.New("bus message missing origin, frame or target")
	}
	return m, nil
}
