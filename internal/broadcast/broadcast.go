// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package broadcast publishes accepted positions outside of the orchestrator: to a Kafka topic
// and to any number of in-process publishers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/wneessen/locatekit/internal/geobus"
	"github.com/wneessen/locatekit/internal/logger"
	"github.com/wneessen/locatekit/internal/metrics"
)

const writeTimeout = 5 * time.Second

var ErrNoBrokers = errors.New("at least one Kafka broker is required")

// Publisher publishes a sample under a topic.
type Publisher interface {
	Publish(topic string, s geobus.Sample)
}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(topic string, s geobus.Sample) {
	for _, p := range m {
		if p != nil {
			p.Publish(topic, s)
		}
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Option configures a Kafka publisher.
type Option func(*Kafka)

func WithLogger(log *logger.Logger) Option {
	return func(k *Kafka) {
		if log != nil {
			k.logger = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kafka) {
		k.metrics = m
	}
}

// Kafka publishes samples as JSON messages keyed by provider. The topic of a message is the
// broadcast topic, so one writer serves all topics. Writes are asynchronous and Publish never
// waits for the broker.
type Kafka struct {
	writer  messageWriter
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewKafka(brokers []string, opts ...Option) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	k := &Kafka{logger: logger.NewLogger(slog.LevelError, io.Discard)}
	for _, opt := range opts {
		opt(k)
	}
	k.writer = &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
		WriteTimeout:           writeTimeout,
		Completion:             k.completion,
	}
	return k, nil
}

func (k *Kafka) Publish(topic string, s geobus.Sample) {
	msg, err := serializeSample(topic, s)
	if err != nil {
		k.fail(err, 1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err = k.writer.WriteMessages(ctx, msg); err != nil {
		k.fail(err, 1)
	}
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// completion is called by the asynchronous writer once a batch was written or failed.
func (k *Kafka) completion(msgs []kafkago.Message, err error) {
	if err != nil {
		k.fail(err, len(msgs))
	}
}

func (k *Kafka) fail(err error, count int) {
	k.logger.Error("failed to broadcast position", slog.Int("messages", count), logger.Err(err))
	if k.metrics != nil {
		k.metrics.BroadcastFailures.Add(float64(count))
	}
}

func serializeSample(topic string, s geobus.Sample) (kafkago.Message, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize position sample: %w", err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(s.Provider),
		Value: data,
		Time:  s.At,
		Headers: []kafkago.Header{
			{Key: "provider", Value: []byte(s.Provider)},
		},
	}, nil
}
