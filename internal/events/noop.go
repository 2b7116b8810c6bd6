// internal/events/noop.go
package events

import "context"

// NoopPublisher 未配置 NATS 时使用
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}

// New 有地址时连接 NATS，否则返回 NoopPublisher
func New(url string) (Publisher, error) {
	if url == "" {
		return &NoopPublisher{}, nil
	}
	return NewNATSPublisher(url)
}
