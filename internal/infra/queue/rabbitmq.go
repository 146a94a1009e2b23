package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/metrics"
)

// RabbitMailQueue реализует очередь задач отправки поверх RabbitMQ.
// Подтверждение ручное: неподтверждённая задача возвращается в очередь,
// поэтому доставка как минимум однократная.
type RabbitMailQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

// NewRabbitMailQueue объявляет устойчивую очередь по указанному имени.
func NewRabbitMailQueue(amqpURL, queue string) (*RabbitMailQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitMailQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitMailQueue) Enqueue(ctx context.Context, job domain.MailJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RabbitMailQueue) Receive(ctx context.Context) (domain.MailJob, domain.MailAckFunc, error) {
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.MailJob{}, nil, fmt.Errorf("consume: %w", err)
		}
		q.deliveries = deliveries
	}
	for {
		select {
		case <-ctx.Done():
			return domain.MailJob{}, nil, ctx.Err()
		case delivery, ok := <-q.deliveries:
			if !ok {
				return domain.MailJob{}, nil, errors.New("rabbitmq: канал доставки закрыт")
			}
			var job domain.MailJob
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				// Нечитаемую задачу не возвращаем в очередь, иначе она зациклится.
				_ = delivery.Nack(false, false)
				return domain.MailJob{}, nil, fmt.Errorf("decode job: %w", err)
			}
			ack := func(success bool) error {
				if success {
					return delivery.Ack(false)
				}
				return delivery.Nack(false, true)
			}
			return job, ack, nil
		}
	}
}

// Close закрывает канал и соединение.
func (q *RabbitMailQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
