// Package queue carries aggregation jobs from the pipeline to the worker over asynq and
// keeps their final status in redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/report-pipeline/internal/models"
)

// TaskType 定义任务类型
const TaskTypeAggregate = "report:aggregate"

const (
	PriorityCritical = 1
	PriorityDefault  = 2
	PriorityLow      = 3
)

// Queues are the asynq queues and their weights.
var Queues = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

const statusTTL = 24 * time.Hour

var ErrTaskNotFound = errors.New("task not found")

// Queue 接口定义
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	CancelTask(ctx context.Context, taskID string) error
	SaveStatus(ctx context.Context, status *TaskStatus) error
}

// Task is one aggregation job.
type Task struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Priority  int                `json:"priority"`
	Key       models.DocumentKey `json:"key"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// TaskStatus 定义任务状态
type TaskStatus struct {
	TaskID     string             `json:"taskId"`
	Key        models.DocumentKey `json:"key"`
	Status     string             `json:"status"`
	Progress   float64            `json:"progress"`
	Error      string             `json:"error,omitempty"`
	Result     json.RawMessage    `json:"result,omitempty"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt,omitempty"`
}

type Config struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	MaxRetries     int
	ProcessTimeout time.Duration
}

// AsynqQueue 实现
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
	cfg       Config
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg Config) *AsynqQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Minute
	}
	redisOpt := RedisOpt(cfg)
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redis: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		cfg: cfg,
	}
}

// RedisOpt is the asynq connection for cfg, shared with the worker.
func RedisOpt(cfg Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// Ping checks the redis connection.
func (q *AsynqQueue) Ping(ctx context.Context) error {
	if err := q.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.redis.Close())
}

// Enqueue 将任务加入队列
func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	t, opts, err := newAsynqTask(task, q.cfg)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, t, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	task.ID = info.ID
	return nil
}

func newAsynqTask(task *Task, cfg Config) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	opts := []asynq.Option{
		asynq.MaxRetry(cfg.MaxRetries),
		asynq.Timeout(cfg.ProcessTimeout),
		asynq.Queue(queueFor(task.Priority)),
		asynq.Retention(statusTTL),
	}
	if task.ID != "" {
		opts = append(opts, asynq.TaskID(task.ID))
	}
	return asynq.NewTask(task.Type, payload), opts, nil
}

// 根据优先级选择队列
func queueFor(priority int) string {
	switch priority {
	case PriorityCritical:
		return "critical"
	case PriorityDefault:
		return "default"
	default:
		return "low"
	}
}

// GetTaskStatus 获取任务状态
func (q *AsynqQueue) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := q.redis.Get(ctx, statusKey(taskID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}
	if err == nil {
		var status TaskStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		if status.Status != "pending" {
			return &status, nil
		}
	}

	// 如果 Redis 中没有最终状态，从队列中查找
	for name := range Queues {
		info, err := q.inspector.GetTaskInfo(name, taskID)
		if err != nil {
			continue
		}
		return convertAsynqStatus(info), nil
	}
	if err == nil {
		// only the enqueue-time record exists
		var status TaskStatus
		if jerr := json.Unmarshal(data, &status); jerr == nil {
			return &status, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// CancelTask 取消任务
func (q *AsynqQueue) CancelTask(ctx context.Context, taskID string) error {
	var lastErr error
	for name := range Queues {
		err := q.inspector.DeleteTask(name, taskID)
		if err == nil {
			status := &TaskStatus{TaskID: taskID, Status: "cancelled", FinishedAt: time.Now()}
			return q.SaveStatus(ctx, status)
		}
		lastErr = err
	}
	return fmt.Errorf("failed to cancel task: %w", errors.Join(ErrTaskNotFound, lastErr))
}

// SaveStatus stores status for statusTTL.
func (q *AsynqQueue) SaveStatus(ctx context.Context, status *TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := q.redis.Set(ctx, statusKey(status.TaskID), data, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func statusKey(taskID string) string {
	return "task_status:" + taskID
}

// convertAsynqStatus 将 asynq 状态转换为 TaskStatus
func convertAsynqStatus(info *asynq.TaskInfo) *TaskStatus {
	status := &TaskStatus{
		TaskID:    info.ID,
		StartedAt: info.NextProcessAt,
	}
	var task Task
	if err := json.Unmarshal(info.Payload, &task); err == nil {
		status.Key = task.Key
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateAggregating:
		status.Status = "pending"
	case asynq.TaskStateActive:
		status.Status = "running"
		status.Progress = 0.5
	case asynq.TaskStateCompleted:
		status.Status = "completed"
		status.Progress = 1.0
		status.FinishedAt = info.CompletedAt
		if len(info.Result) > 0 && json.Valid(info.Result) {
			status.Result = json.RawMessage(info.Result)
		}
	case asynq.TaskStateRetry:
		status.Status = "retrying"
		status.Error = info.LastErr
	case asynq.TaskStateArchived:
		status.Status = "failed"
		status.Error = info.LastErr
	}
	return status
}
