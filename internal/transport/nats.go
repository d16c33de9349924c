package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MGSousa/pm2-alerter/internal/model"
)

const (
	DefaultSubject = "pm2.alerts"

	natsConnectTimeout = 10 * time.Second
	natsFlushTimeout   = 3 * time.Second
)

// NATSPublisher publishes alerts as JSON on a subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject string, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("pm2-alerter"),
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Send(ctx context.Context, alert model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, alert.ID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, natsFlushTimeout)
	defer cancel()
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush to %s: %w", p.subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	p.conn.Close()
}
