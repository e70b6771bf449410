package store

import (
	"context"
	"sync"
)

// Fanout delivers change notifications to topic watchers. Each watcher holds
// at most one pending Change; further changes are coalesced into it.
type Fanout struct {
	mu       sync.Mutex
	watchers map[string]map[chan Change]struct{}
}

// NewFanout builds an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{watchers: make(map[string]map[chan Change]struct{})}
}

// Subscribe registers a watcher on topic until ctx is done.
func (f *Fanout) Subscribe(ctx context.Context, topic string) <-chan Change {
	ch := make(chan Change, 1)
	f.mu.Lock()
	if f.watchers[topic] == nil {
		f.watchers[topic] = make(map[chan Change]struct{})
	}
	f.watchers[topic][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers[topic], ch)
		if len(f.watchers[topic]) == 0 {
			delete(f.watchers, topic)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// Publish notifies every watcher of the given topics.
func (f *Fanout) Publish(topics []string, docID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		for ch := range f.watchers[topic] {
			select {
			case ch <- Change{Topic: topic, DocID: docID}:
			default:
			}
		}
	}
}

// PublishAll notifies every watcher, used after a feed reconnect when
// notifications may have been missed.
func (f *Fanout) PublishAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, set := range f.watchers {
		for ch := range set {
			select {
			case ch <- Change{Topic: topic}:
			default:
			}
		}
	}
}

// Count returns the number of live watchers on topic.
func (f *Fanout) Count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers[topic])
}
