// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/wneessen/locatekit/internal/logger"
)

// GeoBus is an in-process publish/subscribe bus for position samples. Subscribers register for a
// topic. The last sample per topic is replayed to new subscribers.
type GeoBus struct {
	mu          sync.RWMutex
	logger      *logger.Logger
	last        map[string]Sample
	subscribers map[string]map[chan Sample]struct{}
}

// New initializes and returns a new instance of GeoBus.
func New(log *logger.Logger) (*GeoBus, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &GeoBus{
		logger:      log,
		last:        make(map[string]Sample),
		subscribers: make(map[string]map[chan Sample]struct{}),
	}, nil
}

// Subscribe adds a subscriber for samples published on the given topic, returning a sample
// channel and an unsubscribe function.
func (b *GeoBus) Subscribe(topic string, size int) (<-chan Sample, func()) {
	ch := make(chan Sample, size)
	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[chan Sample]struct{})
	}
	b.subscribers[topic][ch] = struct{}{}
	if last, ok := b.last[topic]; ok {
		select {
		case ch <- last:
		default:
		}
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subscribers[topic]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subscribers, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish delivers the sample to all subscribers of topic. Slow
// subscribers miss samples instead of blocking the publisher.
func (b *GeoBus) Publish(topic string, s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[topic] = s

	dropped := 0
	for ch := range b.subscribers[topic] {
		select {
		case ch <- s:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Debug("dropped sample for slow subscribers", slog.String("topic", topic),
			slog.Int("subscribers", dropped))
	}
}

// Last returns the last sample published on topic.
func (b *GeoBus) Last(topic string) (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.last[topic]
	return s, ok
}
