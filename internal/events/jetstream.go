package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
)

type jetStreamMirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *JetStreamOptions
	logger *slog.Logger
}

func newJetStreamMirror(ctx context.Context, opts *JetStreamOptions, logger *slog.Logger) (*jetStreamMirror, error) {
	cfg := *opts
	cfg.setDefaults()
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("otrunner")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &jetStreamMirror{conn: conn, js: js, opts: &cfg, logger: logger}
	if err := m.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func (m *jetStreamMirror) Close() {
	if m.conn != nil {
		m.conn.Drain()
		m.conn.Close()
	}
}

func (m *jetStreamMirror) ensureStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       m.opts.Stream,
		Subjects:   []string{m.wildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.MaxBytes,
		MaxAge:     m.opts.MaxAge,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	}
	if _, err := m.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

func (m *jetStreamMirror) hydrate(ctx context.Context, st *Store) error {
	sub, err := m.js.PullSubscribe(
		m.wildcard(),
		"",
		nats.BindStream(m.opts.Stream),
		nats.DeliverAll(),
		nats.AckExplicit(),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	return m.drain(ctx, sub, func(msg *nats.Msg) error {
		robot, ev, seq, at, err := decodeEnvelope(msg.Data)
		if err != nil {
			m.logger.Error("event replay decode", "subject", msg.Subject, "err", err)
			return msg.Ack()
		}
		st.applyReplayed(robot, ev, seq, at)
		return msg.Ack()
	})
}

func (m *jetStreamMirror) drain(ctx context.Context, sub *nats.Subscription, handler func(*nats.Msg) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := sub.Fetch(64, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
		for _, msg := range msgs {
			if err := handler(msg); err != nil {
				return err
			}
		}
		if len(msgs) == 0 {
			return nil
		}
	}
}

func (m *jetStreamMirror) publish(robot string, ev batch.Event, seq uint64) error {
	payload, err := encodeEnvelope(robot, ev, seq, time.Now().UTC())
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("evt:%s:%s:%d", robot, ev.BatchID, seq)
	_, err = m.js.Publish(m.subject(robot, ev.BatchID), payload, nats.MsgId(msgID))
	return err
}

func (m *jetStreamMirror) subject(robot, batchID string) string {
	return fmt.Sprintf("%s.%s.%s", m.opts.Prefix, subjectToken(robot), subjectToken(batchID))
}

func (m *jetStreamMirror) wildcard() string {
	return fmt.Sprintf("%s.*.*", m.opts.Prefix)
}

// subjectToken makes s safe to use as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func encodeEnvelope(robot string, ev batch.Event, seq uint64, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	body := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, body); err != nil {
		return nil, err
	}
	return proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		"robot":     structpb.NewStringValue(robot),
		"seq":       structpb.NewNumberValue(float64(seq)),
		"emittedAt": structpb.NewStringValue(at.Format(time.RFC3339Nano)),
		"event":     structpb.NewStructValue(body),
	}})
}

func decodeEnvelope(data []byte) (robot string, ev batch.Event, seq uint64, at time.Time, err error) {
	env := &structpb.Struct{}
	if err = proto.Unmarshal(data, env); err != nil {
		return
	}
	f := env.GetFields()
	robot = f["robot"].GetStringValue()
	seq = uint64(f["seq"].GetNumberValue())
	at, _ = time.Parse(time.RFC3339Nano, f["emittedAt"].GetStringValue())
	raw, err := protojson.Marshal(f["event"].GetStructValue())
	if err != nil {
		return
	}
	err = json.Unmarshal(raw, &ev)
	return
}
