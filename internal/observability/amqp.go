package observability

import (
	"context"
	"sync"
)

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defaultPublisher = publisher
	publisherMu.Unlock()
}

// PublishEvent sends a domain event when a publisher is configured.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	publisherMu.RLock()
	p := defaultPublisher
	publisherMu.RUnlock()
	if p == nil {
		return nil
	}

	err := p.Publish(ctx, routingKey, withHeaders{Headers: headers, Event: message})
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

type withHeaders struct {
	Headers map[string]string `json:"headers,omitempty"`
	Event   interface{}       `json:"event"`
}
