// Package amqptransport serves gate actions as RPC over RabbitMQ: requests are
// JSON actions on a queue, replies go to the request's ReplyTo queue.
package amqptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"mediagate/internal/util"
	"mediagate/pkg/domain"
	"mediagate/services/gate/internal/transport"
)

const contentTypeJSON = "application/json"

// Dispatcher is the transport gatekeeper.
type Dispatcher interface {
	Dispatch(ctx context.Context, action domain.Action) (domain.Response, error)
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Options configures a Consumer.
type Options struct {
	URL     string
	Queue   string
	Workers int
	// Prefetch bounds unacknowledged deliveries; defaults to 2*Workers.
	Prefetch     int
	ReplyTimeout time.Duration
}

// Consumer owns one AMQP connection and channel.
type Consumer struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	queue        string
	workers      int
	replyTimeout time.Duration
	gate         Dispatcher
}

// Dial connects, declares the request queue and applies QoS.
func Dial(opts Options, gate Dispatcher) (*Consumer, error) {
	if gate == nil {
		return nil, errors.New("amqp dispatcher is required")
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	queue := strings.TrimSpace(opts.Queue)
	if queue == "" {
		queue = "mediagate.actions"
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 2 * workers
	}
	replyTimeout := opts.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = 5 * time.Second
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{
		conn:         conn,
		ch:           ch,
		queue:        queue,
		workers:      workers,
		replyTimeout: replyTimeout,
		gate:         gate,
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
// In-flight deliveries finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	util.LoggerFromContext(ctx).Info("amqp consumer started", "queue", c.queue, "workers", c.workers)

	var g errgroup.Group
	g.SetLimit(c.workers)
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					runErr = errors.New("amqp delivery channel closed")
				}
				break loop
			}
			g.Go(func() error {
				handleDelivery(context.WithoutCancel(ctx), c.gate, c.ch, c.replyTimeout, d)
				return nil
			})
		}
	}
	_ = g.Wait()
	return runErr
}

// Close shuts the channel and connection down.
func (c *Consumer) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// handleDelivery settles d exactly once. Malformed requests are rejected
// without requeue. A failed reply is logged and the request is still acked so
// a redelivery cannot run the same action twice.
func handleDelivery(ctx context.Context, gate Dispatcher, pub publisher, replyTimeout time.Duration, d amqp.Delivery) {
	requestID := strings.TrimSpace(d.MessageId)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = util.ContextWithRequestID(ctx, requestID)
	logger := util.LoggerFromContext(ctx)

	action, err := decodeAction(d)
	if err != nil {
		logger.Warn("rejecting malformed amqp action", "err", err)
		_ = d.Reject(false)
		return
	}
	resp, err := gate.Dispatch(ctx, action)
	switch {
	case errors.Is(err, transport.ErrIgnored):
		_ = d.Ack(false)
		return
	case errors.Is(err, transport.ErrInvalidAction):
		logger.Warn("rejecting invalid amqp action", "kind", string(action.Kind), "user_id", action.UserID)
		_ = d.Reject(false)
		return
	case err != nil:
		logger.Error("dispatch amqp action failed", "err", err)
		_ = d.Reject(false)
		return
	}

	if d.ReplyTo != "" {
		msg, err := encodeReply(d.CorrelationId, resp)
		if err == nil {
			pubCtx, cancel := context.WithTimeout(ctx, replyTimeout)
			err = pub.PublishWithContext(pubCtx, "", d.ReplyTo, false, false, msg)
			cancel()
		}
		if err != nil {
			logger.Error("publish amqp reply failed", "reply_to", d.ReplyTo, "err", err)
		}
	}
	_ = d.Ack(false)
}

func decodeAction(d amqp.Delivery) (domain.Action, error) {
	if ct := strings.TrimSpace(d.ContentType); ct != "" && ct != contentTypeJSON {
		return domain.Action{}, fmt.Errorf("unsupported content type %q", ct)
	}
	var action domain.Action
	dec := json.NewDecoder(bytes.NewReader(d.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&action); err != nil {
		return domain.Action{}, fmt.Errorf("decode action: %w", err)
	}
	return action, nil
}

func encodeReply(correlationID string, resp domain.Response) (amqp.Publishing, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode reply: %w", err)
	}
	return amqp.Publishing{
		ContentType:   contentTypeJSON,
		CorrelationId: correlationID,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}, nil
}
