// Package bus wraps the Kafka request/response topics that decouple the
// gateway's HTTP/WS admission path from the inference workers.
//
// A client request is pushed onto the request topic, partitioned by a hash
// of its request id so that retries and multi-message conversations for
// the same request land on the same partition and are processed in order.
// Workers consume the request topic, call the model backend, and publish
// one or more response frames to the response topic. The dispatcher
// consumes the response topic under a consumer group unique to this
// replica and routes frames back to the waiter registry.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/segmentio/kafka-go"
)

// WorkItem is the payload pushed onto the request topic.
type WorkItem struct {
	RequestID  string  `json:"request_id"`
	Model      string  `json:"model"`
	Prompt     string  `json:"prompt"`
	MaxTokens  int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream     bool    `json:"stream"`
}

// ResponseFrame is the payload published onto the response topic by a
// worker for each chunk of a request's streamed response.
type ResponseFrame struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text,omitempty"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// RequestProducer publishes work items onto the request topic.
type RequestProducer struct {
	writer  *kafka.Writer
	brokers []string
}

// NewRequestProducer builds a producer for the request topic. Messages are
// partitioned by a hash of RequestID so that all frames for one request
// visit the same partition.
func NewRequestProducer(brokers []string, topic string) *RequestProducer {
	return &RequestProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		brokers: brokers,
	}
}

// Publish writes a work item to the request topic.
func (p *RequestProducer) Publish(ctx context.Context, item WorkItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.RequestID),
		Value: body,
	})
}

// Ping dials the first configured broker to confirm the cluster is
// reachable, for readiness probes. It does not exercise the request topic
// itself — a successful TCP-level dial is enough to distinguish "Kafka is
// down" from "Kafka is up but this request happens to be slow".
func (p *RequestProducer) Ping(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return fmt.Errorf("bus: no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("bus: dial %s: %w", p.brokers[0], err)
	}
	return conn.Close()
}

// Close flushes and closes the underlying writer.
func (p *RequestProducer) Close() error {
	return p.writer.Close()
}

// ResponseProducer publishes response frames onto the response topic.
type ResponseProducer struct {
	writer *kafka.Writer
}

// NewResponseProducer builds a producer for the response topic.
func NewResponseProducer(brokers []string, topic string) *ResponseProducer {
	return &ResponseProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish writes a response frame to the response topic.
func (p *ResponseProducer) Publish(ctx context.Context, frame ResponseFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(frame.RequestID),
		Value: body,
	})
}

// Close flushes and closes the underlying writer.
func (p *ResponseProducer) Close() error {
	return p.writer.Close()
}

// RequestConsumer consumes work items off the request topic. All replicas
// of the worker pool share one consumer group so the topic's partitions
// are divided among them.
type RequestConsumer struct {
	reader *kafka.Reader
}

// NewRequestConsumer builds a consumer for the request topic under groupID.
func NewRequestConsumer(brokers []string, topic, groupID string) *RequestConsumer {
	return &RequestConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.LastOffset,
		}),
	}
}

// ReadWorkItem blocks until the next work item is available or ctx is
// cancelled.
func (c *RequestConsumer) ReadWorkItem(ctx context.Context) (WorkItem, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return WorkItem{}, err
	}
	var item WorkItem
	if err := json.Unmarshal(msg.Value, &item); err != nil {
		return WorkItem{}, err
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return WorkItem{}, err
	}
	return item, nil
}

// Close stops the underlying reader.
func (c *RequestConsumer) Close() error {
	return c.reader.Close()
}

// ResponseConsumer consumes response frames off the response topic.
//
// Each gateway replica must use its own consumer group (see
// NewDispatcherGroupID) so that every replica observes every response
// frame, rather than the frames being load-balanced across replicas as a
// shared group would do. This ties request/response correlation to a
// single replica per request, an explicit scoping decision (see
// DESIGN.md's Open Question notes) rather than a true multi-replica
// broadcast fan-out.
type ResponseConsumer struct {
	reader *kafka.Reader
}

// NewResponseConsumer builds a consumer for the response topic under groupID.
func NewResponseConsumer(brokers []string, topic, groupID string) *ResponseConsumer {
	return &ResponseConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.LastOffset,
		}),
	}
}

// ReadFrame blocks until the next response frame is available or ctx is
// cancelled.
func (c *ResponseConsumer) ReadFrame(ctx context.Context) (ResponseFrame, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return ResponseFrame{}, err
	}
	var frame ResponseFrame
	if err := json.Unmarshal(msg.Value, &frame); err != nil {
		return ResponseFrame{}, err
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return ResponseFrame{}, err
	}
	return frame, nil
}

// Close stops the underlying reader.
func (c *ResponseConsumer) Close() error {
	return c.reader.Close()
}

// partitionHash is exposed for tests asserting that identical request ids
// always hash to the same partition bucket under a given partition count.
func partitionHash(requestID string, numPartitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return int(h.Sum32()) % numPartitions
}
