package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"dm-service/internal/notify"
	"dm-service/internal/observability"
)

// ChangeBindingKey matches every message change routing key.
const ChangeBindingKey = "messages.*"

// ChangePublisher publishes message changes on the exchange.
type ChangePublisher struct {
	publisher Publisher
}

// NewChangePublisher wraps publisher as a notify.Publisher.
func NewChangePublisher(publisher Publisher) *ChangePublisher {
	return &ChangePublisher{publisher: publisher}
}

// PublishChange implements notify.Publisher.
func (p *ChangePublisher) PublishChange(ctx context.Context, change notify.Change) error {
	if err := p.publisher.Publish(ctx, change.RoutingKey(), change); err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func decodeChange(body []byte) (notify.Change, error) {
	var change notify.Change
	if err := json.Unmarshal(body, &change); err != nil {
		return notify.Change{}, err
	}
	if change.Kind == "" {
		return notify.Change{}, errors.New("change without kind")
	}
	return change, nil
}

// ConsumeChanges binds a private queue to the exchange and hands every
// change to sink until ctx is done or the connection drops.
func ConsumeChanges(ctx context.Context, amqpURL, exchange string, sink func(notify.Change), logger zerolog.Logger) error {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, exchange); err != nil {
		return err
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue.Name, ChangeBindingKey, exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	logger.Info().Str("queue", queue.Name).Msg("consuming message changes")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			change, err := decodeChange(d.Body)
			if err != nil {
				logger.Warn().Err(err).Msg("dropping malformed change")
				continue
			}
			observability.IncChangeNotification("amqp")
			sink(change)
		}
	}
}

// RunChangeConsumer keeps ConsumeChanges running, reconnecting after
// failures, until ctx is done.
func RunChangeConsumer(ctx context.Context, amqpURL, exchange string, sink func(notify.Change), logger zerolog.Logger) {
	logger = logger.With().Str("component", "change-consumer").Logger()
	const backoff = 2 * time.Second
	for {
		err := ConsumeChanges(ctx, amqpURL, exchange, sink, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Dur("backoff", backoff).Msg("change consumer stopped, reconnecting")
		// a reconnect may have missed changes; force every session to refetch
		sink(notify.Change{Kind: notify.KindOverflow, OccurredAt: time.Now().UTC()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
