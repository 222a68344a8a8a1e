package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/service/report"
	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/queue"
)

// Aggregator is implemented by report.Service.
type Aggregator interface {
	Aggregate(ctx context.Context, key models.DocumentKey) (*models.AggregateResult, error)
}

// StatusSaver persists final task states.
type StatusSaver interface {
	SaveStatus(ctx context.Context, status *queue.TaskStatus) error
}

type AggregationWorker struct {
	BaseWorker
	aggregator Aggregator
	statuses   StatusSaver
}

func NewAggregationWorker(cfg *Config, aggregator Aggregator, statuses StatusSaver, log logger.Logger) *AggregationWorker {
	log = log.Named("worker")
	w := &AggregationWorker{
		BaseWorker: newBaseWorker(cfg, log),
		aggregator: aggregator,
		statuses:   statuses,
	}
	// 注册任务处理器
	w.mux.HandleFunc(queue.TaskTypeAggregate, w.handleAggregate)
	return w
}

func (w *AggregationWorker) handleAggregate(ctx context.Context, t *asynq.Task) error {
	var task queue.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		w.logger.Error("Failed to unmarshal task",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("failed to unmarshal task: %w: %w", err, asynq.SkipRetry)
	}
	if err := layout.ValidateKey(task.Key); err != nil {
		w.logger.Error("Invalid task data", logger.String("taskId", task.ID), logger.Error(err))
		return fmt.Errorf("invalid task data: %w: %w", err, asynq.SkipRetry)
	}

	log := w.logger.With(logger.String("taskId", task.ID), logger.String("document", task.Key.String()))
	log.Info("Processing aggregation task")
	started := time.Now()
	w.writeResult(t, map[string]any{"status": "running", "progress": 0})

	res, err := w.aggregator.Aggregate(ctx, task.Key)
	if err != nil {
		log.Error("Aggregation failed", logger.Error(err))
		w.saveStatus(ctx, &queue.TaskStatus{
			TaskID:     task.ID,
			Key:        task.Key,
			Status:     "failed",
			Error:      err.Error(),
			StartedAt:  started,
			FinishedAt: time.Now(),
		})
		if errors.Is(err, report.ErrNoArtifacts) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	result, _ := json.Marshal(res)
	w.writeResult(t, res)
	w.saveStatus(ctx, &queue.TaskStatus{
		TaskID:     task.ID,
		Key:        task.Key,
		Status:     "completed",
		Progress:   1.0,
		Result:     result,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
	log.Info("Aggregation completed",
		logger.Int("categories", res.Categories),
		logger.Duration("elapsed", time.Since(started)))
	return nil
}

// writeResult is a no-op for tasks not created by a server.
func (w *AggregationWorker) writeResult(t *asynq.Task, v any) {
	rw := t.ResultWriter()
	if rw == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := rw.Write(data); err != nil {
		w.logger.Error("Failed to write task result", logger.Error(err))
	}
}

func (w *AggregationWorker) saveStatus(ctx context.Context, status *queue.TaskStatus) {
	if w.statuses == nil {
		return
	}
	if err := w.statuses.SaveStatus(ctx, status); err != nil {
		w.logger.Error("Failed to save final status", logger.String("taskId", status.TaskID), logger.Error(err))
	}
}
