// internal/events/nats.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher 以 JSON 发布到 NATS 主题
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher 连接 NATS，断线自动重连
func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	defaults := []nats.Option{
		nats.Name("ai-showrunner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.conn.Publish(topic, data)
}

// Flush 等待服务器确认已发送的消息
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
	return nil
}
