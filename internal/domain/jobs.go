package domain

import (
	"context"
	"time"
)

// DeliveryCause описывает источник запроса на доставку.
type DeliveryCause string

const (
	// DeliveryCauseScheduled — доставка по расписанию поста.
	DeliveryCauseScheduled DeliveryCause = "scheduled"
	// DeliveryCauseManual — пользователь запросил немедленную отправку.
	DeliveryCauseManual DeliveryCause = "manual"
)

// DeliveryJob содержит информацию о задаче доставки поста.
type DeliveryJob struct {
	ID          string        `json:"job_id"`
	PostID      int64         `json:"post_id"`
	Cause       DeliveryCause `json:"cause"`
	RequestedAt time.Time     `json:"requested_at"`
}

// DeliveryQueue описывает очередь задач доставки. Доставка задач —
// как минимум однократная: воркер обязан переживать дубликаты.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job DeliveryJob) error
	Pop(ctx context.Context) (DeliveryJob, error)
}
