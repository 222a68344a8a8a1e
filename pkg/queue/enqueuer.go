package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// AggregationEnqueuer hands completed documents to the worker.
type AggregationEnqueuer struct {
	queue    Queue
	priority int
	logger   logger.Logger
}

func NewAggregationEnqueuer(q Queue, log logger.Logger) *AggregationEnqueuer {
	return &AggregationEnqueuer{queue: q, priority: PriorityDefault, logger: log.Named("enqueuer")}
}

// Aggregate enqueues one aggregation task and records it as pending.
func (e *AggregationEnqueuer) Aggregate(ctx context.Context, key models.DocumentKey) error {
	_, err := e.Enqueue(ctx, key, e.priority)
	return err
}

// Enqueue returns the id of the new task.
func (e *AggregationEnqueuer) Enqueue(ctx context.Context, key models.DocumentKey, priority int) (string, error) {
	now := time.Now()
	task := &Task{
		ID:        uuid.NewString(),
		Type:      TaskTypeAggregate,
		Priority:  priority,
		Key:       key,
		Metadata:  map[string]string{"document": key.String()},
		CreatedAt: now,
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue aggregation for %s: %w", key, err)
	}

	// 保存初始状态
	if err := e.queue.SaveStatus(ctx, &TaskStatus{
		TaskID:    task.ID,
		Key:       key,
		Status:    "pending",
		StartedAt: now,
	}); err != nil {
		e.logger.Warn("Failed to save initial status", logger.String("taskId", task.ID), logger.Error(err))
	}

	e.logger.Info("Aggregation enqueued",
		logger.String("taskId", task.ID),
		logger.String("document", key.String()))
	return task.ID, nil
}
