package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-postman/internal/domain"
)

// RabbitDeliveryQueue реализует очередь доставки через AMQP.
// Очередь объявляется durable, сообщения публикуются persistent,
// подтверждение задачи происходит при чтении.
type RabbitDeliveryQueue struct {
	conn       *amqp.Connection
	pubChannel *amqp.Channel
	queue      string

	// У очереди ровно один потребитель; все воркеры читают из общего
	// канала. Мьютекс защищает ленивую регистрацию: второй потребитель
	// оставил бы prefetch-сообщения висеть неподтверждёнными.
	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitDeliveryQueue подключается к брокеру и объявляет очередь.
func NewRabbitDeliveryQueue(amqpURL, queue string) (*RabbitDeliveryQueue, error) {
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
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitDeliveryQueue{conn: conn, pubChannel: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitDeliveryQueue) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Body:         payload,
	}
	if err := q.pubChannel.PublishWithContext(ctx, "", q.queue, false, false, pub); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// consumeChan регистрирует потребителя при первом обращении и дальше
// возвращает один и тот же канал всем вызывающим.
func (q *RabbitDeliveryQueue) consumeChan() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Pop блокирующе читает задачу из очереди. Вызов безопасен из
// нескольких воркеров одновременно.
func (q *RabbitDeliveryQueue) Pop(ctx context.Context) (domain.DeliveryJob, error) {
	deliveries, err := q.consumeChan()
	if err != nil {
		return domain.DeliveryJob{}, err
	}

	select {
	case <-ctx.Done():
		return domain.DeliveryJob{}, ctx.Err()
	case msg, ok := <-deliveries:
		if !ok {
			return domain.DeliveryJob{}, errors.New("amqp queue: канал доставки закрыт")
		}
		var job domain.DeliveryJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			_ = msg.Nack(false, false)
			return domain.DeliveryJob{}, fmt.Errorf("decode job: %w", err)
		}
		if err := msg.Ack(false); err != nil {
			return domain.DeliveryJob{}, fmt.Errorf("ack job: %w", err)
		}
		return job, nil
	}
}

// Close закрывает подключение к брокеру.
func (q *RabbitDeliveryQueue) Close() error {
	return q.conn.Close()
}
